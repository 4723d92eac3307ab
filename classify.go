package bbtrace

import "github.com/cilium/ebpf/asm"

// InstKind is the static kind recorded for every instruction in every
// eligible block.
type InstKind int

const (
	// KindGeneric covers every instruction not otherwise classified:
	// ALU ops, register moves, the block's own Exit, and any call this
	// platform has no instrumentation story for.
	KindGeneric InstKind = iota
	KindLoad
	KindStore
	KindBranch
	KindCall
)

func (k InstKind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindStore:
		return "store"
	case KindBranch:
		return "branch"
	case KindCall:
		return "call"
	default:
		return "generic"
	}
}

// isHelperCall reports whether inst calls a numbered BPF helper
// (bpf_map_lookup_elem and friends). Helper calls are this platform's
// analogue of an intrinsic: they never get an inst_id and are never
// instrumented, but still appear in the static descriptor as generic.
func isHelperCall(inst asm.Instruction) bool {
	return inst.OpCode.JumpOp() == asm.Call && inst.OpCode.Source() == asm.ImmSource
}

// isSubprogCall reports whether inst is a BPF-to-BPF call: a call whose
// target is another function symbol within the same object, resolved at
// load time via Instruction.Reference() rather than a numeric helper ID.
func isSubprogCall(inst asm.Instruction) bool {
	return inst.OpCode.JumpOp() == asm.Call && inst.OpCode.Source() == asm.PseudoCall
}

// isRuntimeCall reports whether inst calls a function reserved for the
// event-logger runtime. Such calls are never themselves instrumented,
// mirroring the rule that functions named with runtimePrefix are never
// eligible.
func isRuntimeCall(inst asm.Instruction) bool {
	return isSubprogCall(inst) && !EligibleFuncName(inst.Reference())
}

// isConditionalBranch reports whether inst is a jump, and if so whether it
// is conditional. Exit and Call are jump-class opcodes on this platform but
// are never branches in the spec's sense.
func isConditionalBranch(inst asm.Instruction) (branch, conditional bool) {
	switch inst.OpCode.JumpOp() {
	case asm.InvalidJumpOp, asm.Call, asm.Exit:
		return false, false
	case asm.Ja:
		return true, false
	default:
		return true, true
	}
}

func loadStoreSize(inst asm.Instruction) int {
	switch inst.OpCode.Size() {
	case asm.Byte:
		return 1
	case asm.Half:
		return 2
	case asm.Word:
		return 4
	case asm.DWord:
		return 8
	default:
		return 0
	}
}

// classify returns the static kind of a single instruction. Helper calls
// and calls to a runtime-reserved name are returned as KindGeneric here,
// so only BPF-to-BPF calls to eligible functions come back as KindCall,
// per spec.md §4.2's instruction table.
func classify(inst asm.Instruction) InstKind {
	class := inst.OpCode.Class()
	switch {
	case class.IsLoad():
		return KindLoad
	case class.IsStore():
		return KindStore
	}

	if branch, _ := isConditionalBranch(inst); branch {
		return KindBranch
	}

	if isSubprogCall(inst) && !isRuntimeCall(inst) {
		return KindCall
	}

	return KindGeneric
}
