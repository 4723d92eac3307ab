package bbtrace

import (
	"strings"
	"testing"
)

func TestParseSelector(t *testing.T) {
	cases := []struct {
		in       string
		wantAll  bool
		wantFunc string
		wantBB   string
	}{
		{"all", true, "", ""},
		{"func:handle_ipv4", false, "handle_ipv4", ""},
		{"bb:3", false, "", "3"},
	}

	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			sel, err := ParseSelector(c.in)
			if err != nil {
				t.Fatalf("ParseSelector(%q): %v", c.in, err)
			}
			if sel.All != c.wantAll {
				t.Errorf("All = %v, want %v", sel.All, c.wantAll)
			}
			if c.wantFunc != "" && (sel.Func == nil || *sel.Func != c.wantFunc) {
				t.Errorf("Func = %v, want %q", sel.Func, c.wantFunc)
			}
			if c.wantBB != "" && (sel.BB == nil || *sel.BB != c.wantBB) {
				t.Errorf("BB = %v, want %q", sel.BB, c.wantBB)
			}
		})
	}
}

func TestParseSelectorRejectsGarbage(t *testing.T) {
	if _, err := ParseSelector("nonsense:xyz"); err == nil {
		t.Fatal("expected an error for an unrecognized selector shape")
	}
}

func TestCompareDescriptorsScopesToSelector(t *testing.T) {
	before := []BlockRecord{
		{FuncID: 0, FuncName: "f", BBID: 0, Header: "entry"},
		{FuncID: 1, FuncName: "g", BBID: 0, Header: "entry"},
	}
	after := []BlockRecord{
		{FuncID: 0, FuncName: "f", BBID: 0, Header: "loop"},
		{FuncID: 1, FuncName: "g", BBID: 0, Header: "entry"},
	}

	sel, err := ParseSelector("func:f")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}

	report := CompareDescriptors(before, after, sel)
	if !strings.Contains(report, "entry") || !strings.Contains(report, "loop") {
		t.Errorf("expected diff to mention both headers, got:\n%s", report)
	}
	if strings.Contains(report, "g(") {
		t.Errorf("expected function g to be excluded by the func:f selector, got:\n%s", report)
	}
}

func TestCompareDescriptorsIdenticalInputsProduceNoDiff(t *testing.T) {
	records := []BlockRecord{
		{FuncID: 0, FuncName: "f", BBID: 0, Header: "entry"},
	}

	report := CompareDescriptors(records, records, nil)
	if strings.Contains(report, "+") || strings.Contains(report, "-") {
		t.Errorf("expected no +/- change markers for identical inputs, got:\n%s", report)
	}
}
