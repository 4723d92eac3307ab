package bbtrace

import (
	"testing"

	"github.com/cilium/ebpf/asm"
)

// TestProgramBlocksBranchSuccessorOrder covers spec scenario B: a
// conditional branch's successors must be recorded true-target first,
// false-target (fallthrough) second.
func TestProgramBlocksBranchSuccessorOrder(t *testing.T) {
	prog := asm.Instructions{
		asm.Mov.Imm(asm.R1, 1),                  // offset 0
		condJump(asm.JEq, asm.ImmSource),         // offset 1, branches to offset 3
		asm.Mov.Imm(asm.R2, 2),                  // offset 2, fallthrough block
		asm.Return(),                             // offset 3, branch target
	}

	blocks, err := programBlocks(prog)
	if err != nil {
		t.Fatalf("programBlocks: %v", err)
	}

	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}

	entry := blocks[0]
	if len(entry.Succs) != 2 {
		t.Fatalf("expected entry block to have 2 successors, got %d", len(entry.Succs))
	}

	for i, b := range blocks {
		b.BBID = uint32(i)
	}

	if entry.Succs[0].BBID != 2 {
		t.Errorf("true successor BBID = %d, want 2 (the branch target block)", entry.Succs[0].BBID)
	}
	if entry.Succs[1].BBID != 1 {
		t.Errorf("false successor BBID = %d, want 1 (the fallthrough block)", entry.Succs[1].BBID)
	}
}

func TestProgramBlocksStraightLine(t *testing.T) {
	prog := asm.Instructions{
		asm.LoadMem(asm.R1, asm.R2, 0, asm.DWord),
		asm.StoreMem(asm.R2, 8, asm.R1, asm.DWord),
		asm.Return(),
	}

	blocks, err := programBlocks(prog)
	if err != nil {
		t.Fatalf("programBlocks: %v", err)
	}

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block for a branch-free program, got %d", len(blocks))
	}
	if len(blocks[0].Insts) != 3 {
		t.Errorf("expected 3 instructions, got %d", len(blocks[0].Insts))
	}
}
