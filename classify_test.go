package bbtrace

import (
	"testing"

	"github.com/cilium/ebpf/asm"
)

func condJump(op asm.JumpOp, src asm.Source) asm.Instruction {
	return asm.Instruction{
		OpCode: asm.OpCode(asm.JumpClass).SetJumpOp(op).SetSource(src),
		Dst:    asm.R1,
		Offset: 1,
	}
}

func TestClassify(t *testing.T) {
	helperCall := condJump(asm.Call, asm.ImmSource)
	helperCall.Constant = 1 // bpf_map_lookup_elem

	subprogCall := condJump(asm.Call, asm.PseudoCall).WithReference("callee")
	runtimeCall := condJump(asm.Call, asm.PseudoCall).WithReference(runtimePrefix + "on_mem")

	cases := []struct {
		name string
		inst asm.Instruction
		want InstKind
	}{
		{"load", asm.LoadMem(asm.R1, asm.R2, 0, asm.DWord), KindLoad},
		{"store", asm.StoreMem(asm.R2, 0, asm.R1, asm.DWord), KindStore},
		{"conditional-branch", condJump(asm.JEq, asm.ImmSource), KindBranch},
		{"unconditional-branch", condJump(asm.Ja, asm.ImmSource), KindBranch},
		{"exit", condJump(asm.Exit, asm.ImmSource), KindGeneric},
		{"helper-call", helperCall, KindGeneric},
		{"subprog-call", subprogCall, KindCall},
		{"runtime-call", runtimeCall, KindGeneric},
		{"generic-alu", asm.Mov.Imm(asm.R1, 1), KindGeneric},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classify(c.inst); got != c.want {
				t.Errorf("classify(%s) = %v, want %v", c.name, got, c.want)
			}
		})
	}
}

func TestIsRuntimeCall(t *testing.T) {
	runtimeCall := condJump(asm.Call, asm.PseudoCall).WithReference(runtimePrefix + "on_mem")
	if !isRuntimeCall(runtimeCall) {
		t.Fatal("expected runtime-prefixed call to be recognized")
	}

	userCall := condJump(asm.Call, asm.PseudoCall).WithReference("my_subprog")
	if isRuntimeCall(userCall) {
		t.Fatal("did not expect a user subprogram call to be classified as a runtime call")
	}
}

func TestEligibleFuncName(t *testing.T) {
	if EligibleFuncName(runtimePrefix + "on_call") {
		t.Fatal("runtime-prefixed name should not be eligible")
	}
	if !EligibleFuncName("handle_ipv4") {
		t.Fatal("ordinary function name should be eligible")
	}
}
