package bbtrace

import (
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/btf"
)

func TestScratchBaseUsesStackDepthWhenKnown(t *testing.T) {
	fn := &Function{ProgramName: "f"}
	depths := map[string]int{"f": 48}

	if got := scratchBase(fn, depths); got != -48 {
		t.Errorf("scratchBase = %d, want -48", got)
	}
}

func TestScratchBaseFallsBackWhenProgramMissing(t *testing.T) {
	fn := &Function{ProgramName: "g"}

	if got := scratchBase(fn, map[string]int{"f": 48}); got != scratchBaseFallback {
		t.Errorf("scratchBase = %d, want fallback %d", got, scratchBaseFallback)
	}
	if got := scratchBase(fn, nil); got != scratchBaseFallback {
		t.Errorf("scratchBase with nil map = %d, want fallback %d", got, scratchBaseFallback)
	}
}

func TestClassifyCallArgsNilProto(t *testing.T) {
	args := classifyCallArgs(nil)
	if len(args) != 1 || args[0].Kind != ArgUnknown || args[0].BitWidth != 64 {
		t.Fatalf("expected a single conservative ArgUnknown/64 argument, got %+v", args)
	}
}

func TestClassifyCallArgsFromBTFProto(t *testing.T) {
	proto := &btf.FuncProto{
		Params: []btf.FuncParam{
			{Name: "ctx", Type: &btf.Pointer{Target: &btf.Void{}}},
			{Name: "flags", Type: &btf.Int{Name: "unsigned int", Size: 4}},
		},
	}

	args := classifyCallArgs(proto)
	if len(args) != 2 {
		t.Fatalf("expected 2 arguments, got %d", len(args))
	}
	if args[0].Kind != ArgPointer || args[0].BitWidth != 64 {
		t.Errorf("arg 0 = %+v, want pointer/64", args[0])
	}
	if args[1].Kind != ArgInteger || args[1].BitWidth != 32 {
		t.Errorf("arg 1 = %+v, want integer/32", args[1])
	}
}

// TestOnMemCallAddsInstructionOffset covers the case every struct-field or
// stack-slot load/store hits: a nonzero inst.Offset must be folded into
// the address the hook observes, not just the bare addressing register.
func TestOnMemCallAddsInstructionOffset(t *testing.T) {
	inst := asm.StoreMem(asm.R2, 8, asm.R1, asm.DWord)

	insts := onMemCall(0, 1, 2, 3, inst, true)

	bump := insts[3]
	wantBump := asm.Add.Imm(asm.R2, 8)
	if bump.OpCode != wantBump.OpCode || bump.Dst != asm.R2 || bump.Constant != 8 {
		t.Fatalf("expected Add.Imm(R2, 8) at index 3, got %+v", bump)
	}

	addrStore := insts[4]
	if addrStore.Src != asm.R2 {
		t.Fatalf("expected address store to read R2, got %+v", addrStore)
	}

	restore := insts[5]
	wantRestore := asm.Add.Imm(asm.R2, -8)
	if restore.OpCode != wantRestore.OpCode || restore.Dst != asm.R2 || restore.Constant != -8 {
		t.Fatalf("expected Add.Imm(R2, -8) at index 5, got %+v", restore)
	}
}

// TestOnMemCallSkipsOffsetAdjustWhenZero covers the common case (a bare
// register address) so the fix doesn't add dead instructions when there
// is no offset to fold in.
func TestOnMemCallSkipsOffsetAdjustWhenZero(t *testing.T) {
	inst := asm.StoreMem(asm.R2, 0, asm.R1, asm.DWord)

	insts := onMemCall(0, 1, 2, 3, inst, true)

	addrStore := insts[3]
	if addrStore.Src != asm.R2 {
		t.Fatalf("expected address store to read R2 at index 3, got %+v", addrStore)
	}
}

// TestOnBranchCallSelectsAtRuntime covers spec scenario B: the recorded
// taken bb_id must come from the branch's actual runtime condition, not a
// static guess at the true successor.
func TestOnBranchCallSelectsAtRuntime(t *testing.T) {
	trueBlock := &Block{BBID: 10}
	falseBlock := &Block{BBID: 20}
	b := &Block{BBID: 5, Succs: []*Block{trueBlock, falseBlock}}

	branchInst := asm.Instruction{
		OpCode: asm.OpCode(asm.JumpClass).SetJumpOp(asm.JEq).SetSource(asm.RegSource),
		Dst:    asm.R1,
		Src:    asm.R2,
	}

	insts := onBranchCall(0, 1, 5, 2, branchInst, b)

	cond := insts[3]
	if cond.OpCode.JumpOp() != asm.JEq || cond.Dst != asm.R1 || cond.Src != asm.R2 {
		t.Fatalf("expected mirrored condition instruction, got %+v", cond)
	}
	if cond.Offset != 2 {
		t.Fatalf("expected mirrored condition to skip 2 instructions, got offset %d", cond.Offset)
	}

	falseStore := insts[4]
	if falseStore.Constant != int64(falseBlock.BBID) {
		t.Fatalf("expected false-arm store of bb %d, got %+v", falseBlock.BBID, falseStore)
	}

	jump := insts[5]
	if jump.OpCode.JumpOp() != asm.Ja || jump.Offset != 1 {
		t.Fatalf("expected unconditional skip over the true-arm store, got %+v", jump)
	}

	trueStore := insts[6]
	if trueStore.Constant != int64(trueBlock.BBID) {
		t.Fatalf("expected true-arm store of bb %d, got %+v", trueBlock.BBID, trueStore)
	}
}

// TestOnCallCallResolvesTargetFuncID covers the target_func_id header
// field: a call to a known function must resolve to its func_id, and a
// call to an unresolvable symbol must fall back to UnknownFuncID rather
// than silently storing a zero that could be confused with a real id.
func TestOnCallCallResolvesTargetFuncID(t *testing.T) {
	callInst := asm.Instruction{
		OpCode: asm.OpCode(asm.JumpClass).SetJumpOp(asm.Call).SetSource(asm.PseudoCall),
	}.WithReference("callee")

	insts := onCallCall(0, 1, 2, 3, callInst, nil, map[string]uint32{"callee": 7})
	if got := insts[3].Constant; got != 7 {
		t.Fatalf("expected target_func_id 7, got %d", got)
	}

	insts = onCallCall(0, 1, 2, 3, callInst, nil, map[string]uint32{})
	if got := insts[3].Constant; got != int64(UnknownFuncID) {
		t.Fatalf("expected UnknownFuncID fallback, got %d", got)
	}
}

// TestInstrumentProducesArtifactsForEveryFunction covers spec scenario F:
// the descriptor and PC-map artifacts exist regardless of mode, keyed
// consistently by func_id/bb_id.
func TestInstrumentProducesArtifactsForEveryFunction(t *testing.T) {
	insts := asm.Instructions{
		asm.LoadMem(asm.R1, asm.R2, 0, asm.DWord),
		asm.StoreMem(asm.R2, 8, asm.R1, asm.DWord),
		asm.Return(),
	}

	coll := &ebpf.CollectionSpec{
		Programs: map[string]*ebpf.ProgramSpec{
			"f": {Name: "f", Instructions: insts},
		},
	}

	mod, err := NewModule("instrument-test", coll)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}

	art, err := Instrument(mod, map[string]int{"f": 32})
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}

	if len(art.Descriptor) != 1 {
		t.Fatalf("expected 1 descriptor record, got %d", len(art.Descriptor))
	}
	if len(art.PCMap) != 1 {
		t.Fatalf("expected 1 pcmap entry, got %d", len(art.PCMap))
	}
	if len(art.InstPCMap) != 2 {
		t.Fatalf("expected 2 inst-level pcmap entries (one load, one store), got %d", len(art.InstPCMap))
	}

	if !StaticOnly() {
		rewritten, ok := art.ProgramInstructions["f"]
		if !ok {
			t.Fatal("expected rewritten instructions for program f")
		}
		if len(rewritten) <= len(insts) {
			t.Errorf("expected hook instructions to grow the stream past %d, got %d", len(insts), len(rewritten))
		}
	}
}
