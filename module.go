// Package bbtrace assigns dense identifiers to every function and basic
// block of an eBPF collection, injects instrumentation hooks that emit a
// time-ordered event stream during execution, and builds the loader-visible
// maps a downstream profiler or simulator uses to translate observed
// program counters back into (func_id, bb_id, inst_id) tuples.
//
// The pass treats github.com/cilium/ebpf/asm.Instructions as its IR, the
// same representation github.com/cilium/ebpf's own block-CFG helpers use.
// It does not relocate or canonicalize host symbol addresses, does not
// attach source-line debug info, and does not guarantee the instrumented
// program's basic-block layout matches a non-instrumented build beyond the
// func_id/bb_id/inst_id key space (see StaticOnly).
package bbtrace

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/btf"
)

// runtimePrefix marks functions supplied by the event-logger runtime
// collaborator. No eligible function may carry it, and no call to a
// function carrying it is ever itself instrumented.
const runtimePrefix = "__bbtrace_"

// LoopNone is the loop-hint sentinel recorded for blocks outside any loop.
const LoopNone uint32 = 0xFFFFFFFF

// Module is one compiled eBPF collection walked by the pass. ID is the
// stable identifier used as the static descriptor file's base name; it is
// typically the collection's source ELF path.
type Module struct {
	ID        string
	Functions []*Function

	// Protos resolves an eligible function's name to its BTF function
	// prototype, when the owning program carries BTF. Lookups miss for
	// programs built without BTF, or for call targets BTF never
	// recorded a subprogram for (e.g. calls through a function pointer
	// realized as a helper call); classifyCallArgs treats a miss as the
	// documented "unrepresentable argument" fallback rather than an error.
	Protos map[string]*btf.FuncProto
}

// Function is one eligible BPF program or BPF-to-BPF subprogram: it has a
// body and its name does not begin with runtimePrefix.
type Function struct {
	FuncID uint32
	Name   string
	Blocks []*Block
	Entry  *Block

	// ProgramName is the name of the ebpf.ProgramSpec this function's
	// instructions belong to. Several Functions can share a
	// ProgramName: the program itself plus every BPF-to-BPF subprogram
	// called from it all live in the same ebpf.Instructions stream.
	ProgramName string

	loops []*loop
}

// Block is one basic block: a maximal straight-line run of instructions
// with a single entry and single exit.
type Block struct {
	BBID   uint32
	Name   string
	Header string

	Insts asm.Instructions

	// Succs holds the block's branch successors in {taken-true,
	// taken-false} order for a conditional branch, a single entry for
	// an unconditional branch or for a block that falls through into
	// the next one, and is empty for a block that ends in Exit.
	Succs []*Block

	// LoopID is the innermost enclosing loop's id, or LoopNone.
	LoopID uint32

	isEntry bool
}

// EligibleFuncName reports whether a function/program name is part of the
// pass's ID space: it must not begin with the runtime-reserved prefix.
func EligibleFuncName(name string) bool {
	return len(name) < len(runtimePrefix) || name[:len(runtimePrefix)] != runtimePrefix
}

// NewModule walks every program in coll in program-name order, assigns a
// dense func_id to each eligible function and a dense bb_id to each of its
// blocks in layout order, and returns the populated Module. Programs or
// subprograms named with the runtime-reserved prefix are skipped entirely:
// they are never eligible and never count toward any ID space.
func NewModule(id string, coll *ebpf.CollectionSpec) (*Module, error) {
	mod := &Module{ID: id, Protos: map[string]*btf.FuncProto{}}

	// Collection iteration order is map iteration order, which Go does
	// not guarantee to be stable across runs. coverbee's own collection
	// walk has the same property; bbtrace sorts program names first so
	// that func_id allocation is deterministic the way spec.md requires.
	names := make([]string, 0, len(coll.Programs))
	for name := range coll.Programs {
		names = append(names, name)
	}
	sortStrings(names)

	funcID := uint32(0)
	for _, name := range names {
		if !EligibleFuncName(name) {
			continue
		}

		prog := coll.Programs[name]

		funcs, err := splitFunctions(name, prog)
		if err != nil {
			return nil, fmt.Errorf("split functions of program %q: %w", name, err)
		}

		for _, fn := range funcs {
			if !EligibleFuncName(fn.Name) {
				continue
			}

			fn.FuncID = funcID
			funcID++

			for bbID, block := range fn.Blocks {
				block.BBID = uint32(bbID)

				name := blockSymbol(block)
				if name == "" {
					name = fmt.Sprintf("bb_%d", bbID)
				}
				block.Name = name
				block.Header = name + ":"
			}

			assignLoops(fn)

			if proto, err := funcProto(prog, fn.Name); err == nil {
				mod.Protos[fn.Name] = proto
			}

			mod.Functions = append(mod.Functions, fn)
		}
	}

	return mod, nil
}

// splitFunctions partitions prog's instruction stream into one Function
// per BPF-to-BPF subprogram (plus the program entry itself), following the
// same block-boundary logic coverbee's ProgramBlocks already established:
// a new function begins wherever a block's head symbol is the target of a
// BPF-to-BPF call made from within prog (see subProgramNames). BTF is not
// consulted; a program with no such calls stays a single function.
func splitFunctions(progName string, prog *ebpf.ProgramSpec) ([]*Function, error) {
	blocks, err := programBlocks(prog.Instructions)
	if err != nil {
		return nil, err
	}

	subProgNames, err := subProgramNames(progName, prog)
	if err != nil {
		return nil, err
	}

	var funcs []*Function
	cur := &Function{Name: progName, ProgramName: progName}

	for _, block := range blocks {
		sym := blockSymbol(block)
		if sym != "" && sym != progName && subProgNames[sym] {
			if len(cur.Blocks) > 0 {
				funcs = append(funcs, cur)
			}
			cur = &Function{Name: sym, ProgramName: progName}
		}

		if len(cur.Blocks) == 0 {
			block.isEntry = true
			cur.Entry = block
		}
		cur.Blocks = append(cur.Blocks, block)
	}

	if len(cur.Blocks) > 0 {
		funcs = append(funcs, cur)
	}

	return funcs, nil
}

// subProgramNames reports which symbols referenced as call targets from
// prog's own instructions are BPF-to-BPF subprograms rather than the
// program's own entry point.
func subProgramNames(progName string, prog *ebpf.ProgramSpec) (map[string]bool, error) {
	names := map[string]bool{}
	iter := prog.Instructions.Iterate()
	for iter.Next() {
		inst := iter.Ins
		if isSubprogCall(*inst) {
			ref := inst.Reference()
			if ref != "" && ref != progName {
				names[ref] = true
			}
		}
	}
	return names, nil
}

func blockSymbol(b *Block) string {
	if len(b.Insts) == 0 {
		return ""
	}
	return b.Insts[0].Symbol()
}

// funcProto looks up the BTF function prototype for name within prog,
// mirroring coverbee's own BTF.TypeByName lookup used to find how many
// argument registers a subprogram expects.
func funcProto(prog *ebpf.ProgramSpec, name string) (*btf.FuncProto, error) {
	if prog.BTF == nil {
		return nil, fmt.Errorf("program has no BTF, cannot resolve %q", name)
	}

	var fn *btf.Func
	if err := prog.BTF.TypeByName(name, &fn); err != nil {
		return nil, fmt.Errorf("find BTF func %q: %w", name, err)
	}

	proto, ok := fn.Type.(*btf.FuncProto)
	if !ok {
		return nil, fmt.Errorf("BTF type for %q is not a function prototype", name)
	}
	return proto, nil
}

func sortStrings(s []string) {
	// Small, allocation-free insertion sort: collections rarely carry
	// more than a handful of programs, and avoiding an extra import for
	// this keeps the dependency footprint centered on the domain stack.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
