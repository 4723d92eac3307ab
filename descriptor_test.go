package bbtrace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

func straightLineModule(t *testing.T, id string) *Module {
	t.Helper()

	insts := asm.Instructions{
		asm.LoadMem(asm.R1, asm.R2, 0, asm.DWord),
		asm.LoadMem(asm.R3, asm.R2, 8, asm.DWord),
		asm.StoreMem(asm.R2, 16, asm.R1, asm.DWord),
		asm.Return(),
	}

	coll := &ebpf.CollectionSpec{
		Programs: map[string]*ebpf.ProgramSpec{
			"f": {Name: "f", Instructions: insts},
		},
	}

	mod, err := NewModule(id, coll)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	return mod
}

// TestDescribeFunctionScenarioA covers spec scenario A's descriptor and
// PC-map shape: 3 memory inst_ids in order, 1 generic record for the
// return, and exactly one bbtrace_pcmap entry for the single block.
func TestDescribeFunctionScenarioA(t *testing.T) {
	mod := straightLineModule(t, "scenario-a")
	fn := mod.Functions[0]

	records, pcs, instPCs := describeFunction(fn)

	if len(records) != 1 {
		t.Fatalf("expected 1 block record, got %d", len(records))
	}
	if len(records[0].Insts) != 4 {
		t.Fatalf("expected 4 instruction records, got %d", len(records[0].Insts))
	}

	wantIDs := []uint32{0, 1, 2}
	var gotIDs []uint32
	for _, ir := range records[0].Insts {
		if ir.InstID != nil {
			gotIDs = append(gotIDs, *ir.InstID)
		}
	}
	if len(gotIDs) != len(wantIDs) {
		t.Fatalf("expected %d instrumented insts, got %d", len(wantIDs), len(gotIDs))
	}
	for i, id := range wantIDs {
		if gotIDs[i] != id {
			t.Errorf("inst_id[%d] = %d, want %d", i, gotIDs[i], id)
		}
	}

	if len(pcs) != 1 {
		t.Fatalf("expected 1 bbtrace_pcmap entry, got %d", len(pcs))
	}
	if !pcs[0].Entry {
		t.Error("expected the single block's pcmap entry to be marked Entry")
	}

	if len(instPCs) != 3 {
		t.Fatalf("expected 3 bbtrace_inst entries (testable property 8), got %d", len(instPCs))
	}
}

func TestWriteAndReadDescriptorRoundTrip(t *testing.T) {
	mod := straightLineModule(t, "roundtrip")
	fn := mod.Functions[0]
	records, _, _ := describeFunction(fn)

	dir := t.TempDir()
	moduleID := filepath.Join(dir, "prog.o")

	if err := WriteDescriptor(moduleID, records); err != nil {
		t.Fatalf("WriteDescriptor: %v", err)
	}

	path := DescriptorPath(moduleID)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected descriptor file at %s: %v", path, err)
	}

	got, err := ReadDescriptor(path)
	if err != nil {
		t.Fatalf("ReadDescriptor: %v", err)
	}

	if len(got) != len(records) {
		t.Fatalf("round-tripped %d records, want %d", len(got), len(records))
	}
	if got[0].FuncName != records[0].FuncName || got[0].BBID != records[0].BBID {
		t.Errorf("round-tripped record mismatch: got %+v, want %+v", got[0], records[0])
	}
}
