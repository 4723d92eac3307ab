package bbtrace

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/andreyvit/diff"
)

// Selector scopes a descriptor comparison to one function, one block, or
// the whole module: spec.md §9's `bbtrace diff` grammar, `func:NAME`,
// `bb:ID`, or `all`.
type Selector struct {
	All  bool    `parser:"@'all'"`
	Func *string `parser:"| 'func' ':' @Ident"`
	BB   *string `parser:"| 'bb' ':' @Int"`
}

var selectorLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Punct", Pattern: `:`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var selectorParser = participle.MustBuild[Selector](
	participle.Lexer(selectorLexer),
	participle.Elide("Whitespace"),
)

// ParseSelector parses one of the three selector shapes diff's --select
// flag accepts.
func ParseSelector(s string) (*Selector, error) {
	sel, err := selectorParser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("parse selector %q: %w", s, err)
	}
	return sel, nil
}

// matches reports whether record falls within sel's scope.
func (sel *Selector) matches(rec BlockRecord) bool {
	switch {
	case sel.Func != nil:
		return rec.FuncName == *sel.Func
	case sel.BB != nil:
		id, err := strconv.ParseUint(*sel.BB, 10, 32)
		return err == nil && uint64(rec.BBID) == id
	default:
		return true
	}
}

// CompareDescriptors renders a unified text diff between two descriptor
// snapshots of the same module, scoped to sel, using the same
// line-oriented rendering coverbee leans on sergi/go-diff for elsewhere
// in this dependency family; andreyvit/diff wraps that engine with a
// plain "- / +" text report, which is enough for the CLI's purposes
// since the underlying records are already one readable line each.
func CompareDescriptors(before, after []BlockRecord, sel *Selector) string {
	left := renderRecords(before, sel)
	right := renderRecords(after, sel)
	return diff.LineDiff(left, right)
}

// renderRecords formats the selected records as one block of text per
// function/block, in FuncID/BBID order, so identical inputs render
// identically regardless of the order records were read from disk in.
func renderRecords(records []BlockRecord, sel *Selector) string {
	selected := make([]BlockRecord, 0, len(records))
	for _, rec := range records {
		if sel == nil || sel.matches(rec) {
			selected = append(selected, rec)
		}
	}

	sort.Slice(selected, func(i, j int) bool {
		if selected[i].FuncID != selected[j].FuncID {
			return selected[i].FuncID < selected[j].FuncID
		}
		return selected[i].BBID < selected[j].BBID
	})

	var sb strings.Builder
	for _, rec := range selected {
		fmt.Fprintf(&sb, "func:%d(%s) bb:%d(%s) %s\n", rec.FuncID, rec.FuncName, rec.BBID, rec.BBName, rec.Header)
		for _, ir := range rec.Insts {
			fmt.Fprintf(&sb, "%s [%s]\n", ir.Text, ir.Kind)
		}
	}
	return sb.String()
}
