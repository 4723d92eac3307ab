package bbtrace

import (
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/btf"
)

var (
	staticOnlyOnce sync.Once
	staticOnly     bool
)

// StaticOnly reports the mode read once from BBTRACE_STATIC_ONLY and
// memoized for the remainder of the process, per spec.md §6: the flag is
// static-only when its first character is one of {1,T,t,Y,y}.
func StaticOnly() bool {
	staticOnlyOnce.Do(func() {
		v := os.Getenv("BBTRACE_STATIC_ONLY")
		if len(v) == 0 {
			return
		}
		switch v[0] {
		case '1', 'T', 't', 'Y', 'y':
			staticOnly = true
		}
	})
	return staticOnly
}

// Artifacts are everything the injector produces for one Module: the
// mutated instructions ready to replace each program's original stream
// (nil in static-only mode), the static descriptor records, and the
// block/instruction PC-map entries.
type Artifacts struct {
	Descriptor []BlockRecord
	PCMap      []PCMapEntry
	InstPCMap  []InstPCEntry

	// ProgramInstructions holds the rewritten instruction stream for
	// every ebpf.ProgramSpec name that had at least one eligible
	// function. Empty in static-only mode: no IR mutation is performed,
	// but the other two artifacts are still produced.
	ProgramInstructions map[string]asm.Instructions
}

// hookRecordBufBytes reserves a fixed scratch window directly below each
// function's own stack frame for on_call's variadic argument triples (up
// to four 16-byte triples); on_call's 20-byte header sits immediately
// below that window. The other hooks stash their smaller fixed payloads
// in the first 32 bytes below the frame instead.
const hookRecordBufBytes = 64

// Instrument runs the per-block and per-instruction instrumentation rules
// over mod (whose IDs NewModule has already allocated) and returns the
// rewritten instruction stream for every program, alongside the static
// descriptor and PC-map artifacts. stackDepths gives each function's
// owning program's maximum stack usage in bytes, as reported by
// StackDepths from a dry-run verifier load; a function missing from
// stackDepths (or a nil map, as in static-only mode where no dry-run is
// needed) falls back to a conservative scratchBaseFallback below R10
// instead. ProgramInstructions is nil in static-only mode: no IR
// mutation is performed, but the other two artifacts are still
// produced identically. It is total over a
// well-formed Module: there is no error return for IR mutation itself
// (spec.md §4.2), only for the one I/O step the descriptor emitter owns
// (WriteDescriptor, not this function).
func Instrument(mod *Module, stackDepths map[string]int) (*Artifacts, error) {
	art := &Artifacts{}
	if !StaticOnly() {
		art.ProgramInstructions = make(map[string]asm.Instructions)
	}

	byProgram := map[string][]*Function{}
	var progOrder []string
	funcIDs := map[string]uint32{}
	for _, fn := range mod.Functions {
		if _, seen := byProgram[fn.ProgramName]; !seen {
			progOrder = append(progOrder, fn.ProgramName)
		}
		byProgram[fn.ProgramName] = append(byProgram[fn.ProgramName], fn)
		funcIDs[fn.Name] = fn.FuncID
	}

	for _, progName := range progOrder {
		fns := byProgram[progName]
		newProg, err := instrumentProgram(fns, mod.Protos, stackDepths, funcIDs)
		if err != nil {
			return nil, fmt.Errorf("instrument program %q: %w", progName, err)
		}

		if !StaticOnly() {
			art.ProgramInstructions[progName] = newProg
		}

		for _, fn := range fns {
			record, pc, instPC := describeFunction(fn)
			art.Descriptor = append(art.Descriptor, record...)
			art.PCMap = append(art.PCMap, pc...)
			art.InstPCMap = append(art.InstPCMap, instPC...)
		}
	}

	return art, nil
}

// scratchBaseFallback is the stack offset used when stackDepths has no
// entry for a function (no dry-run verifier log was available). It
// assumes a worst-case 512 bytes of the function's own stack usage,
// generous enough for the small BPF programs this pass typically sees.
const scratchBaseFallback int16 = -512

// scratchBase returns the stack offset immediately below fn's own stack
// frame, where hook payloads are safe to stash without clobbering a live
// slot the verifier already accounted for. stackDepths is keyed by
// ProgramName rather than per-subprogram: StackDepths reports one
// worst-case depth across the whole program's BPF-to-BPF call graph, the
// same granularity coverbee's own instrumentation uses (see its TODO
// about checking stack depth "per subprogram" instead).
func scratchBase(fn *Function, stackDepths map[string]int) int16 {
	depth, ok := stackDepths[fn.ProgramName]
	if !ok {
		return scratchBaseFallback
	}
	return -int16(depth)
}

// instrumentProgram rewrites every function's blocks in order, inserting
// hooks when not in static-only mode. inst_id allocation and the static
// descriptor are unaffected by the mode: both run identically either way,
// per spec.md §4.2.
func instrumentProgram(fns []*Function, protos map[string]*btf.FuncProto, stackDepths map[string]int, funcIDs map[string]uint32) (asm.Instructions, error) {
	var out asm.Instructions

	for _, fn := range fns {
		memID, brID, callID := uint32(0), uint32(0), uint32(0)
		base := scratchBase(fn, stackDepths)

		for _, b := range fn.Blocks {
			var blockOut asm.Instructions

			if !StaticOnly() {
				blockOut = append(blockOut, onBasicBlockCall(base, fn.FuncID, b.BBID, b.LoopID)...)
				if isLoopHeader(fn, b) {
					blockOut = append(blockOut, onLoopCall(base, fn.FuncID, b.LoopID)...)
				}
			}

			for _, inst := range b.Insts {
				kind := classify(inst)

				switch kind {
				case KindLoad, KindStore:
					id := memID
					memID++
					if !StaticOnly() {
						blockOut = append(blockOut, onMemCall(base, fn.FuncID, b.BBID, id, inst, kind == KindStore)...)
					}

				case KindBranch:
					id := brID
					brID++
					if !StaticOnly() {
						blockOut = append(blockOut, onBranchCall(base, fn.FuncID, b.BBID, id, inst, b)...)
					}

				case KindCall:
					id := callID
					callID++
					if !StaticOnly() {
						blockOut = append(blockOut, onCallCall(base, fn.FuncID, b.BBID, id, inst, protos, funcIDs)...)
					}
				}

				blockOut = append(blockOut, inst)
			}

			out = append(out, blockOut...)
		}
	}

	return out, nil
}

func isLoopHeader(fn *Function, b *Block) bool {
	for _, l := range fn.loops {
		if l.header == b.BBID {
			return true
		}
	}
	return false
}

// The four helpers below build the instructions that call into the
// event-logger runtime. Every hook call follows the same shape: stash the
// fixed-size payload on the stack at a dedicated scratch offset, then call
// the named runtime subprogram with R1 = pointer to the payload and
// R2 = payload length. This is the platform realization spec.md §0
// documents for the "variadic calling convention" spec.md §9 calls out as
// a contract the runtime side depends on: BPF-to-BPF calls cap out at 5
// scalar registers, far fewer than on_call's signature needs once
// arguments are included, so every hook (not just on_call) uses the same
// pointer+length convention for consistency.

func hookCall(name string, payloadOff int16, payloadLen int32) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R1, asm.R10),
		asm.Add.Imm(asm.R1, int32(payloadOff)),
		asm.Mov.Imm(asm.R2, payloadLen),
		asm.Instruction{
			OpCode: asm.OpCode(asm.JumpClass).SetJumpOp(asm.Call).SetSource(asm.PseudoCall),
		}.WithReference(name),
	}
}

func onBasicBlockCall(base int16, funcID, bbID, loopHint uint32) asm.Instructions {
	insts := asm.Instructions{
		asm.StoreImm(asm.R10, base-8, int64(funcID), asm.Word),
		asm.StoreImm(asm.R10, base-4, int64(bbID), asm.Word),
		asm.StoreImm(asm.R10, base-16, int64(loopHint), asm.Word),
	}
	insts = append(insts, hookCall(HookOnBasicBlock, base-16, 16)...)
	return insts
}

func onLoopCall(base int16, funcID, loopID uint32) asm.Instructions {
	insts := asm.Instructions{
		asm.StoreImm(asm.R10, base-8, int64(funcID), asm.Word),
		asm.StoreImm(asm.R10, base-4, int64(loopID), asm.Word),
	}
	insts = append(insts, hookCall(HookOnLoop, base-8, 8)...)
	return insts
}

// onMemCall materializes the load/store's address and size into the
// payload immediately before the instruction it describes, so the hook
// observes state from just prior to execution (spec.md §4.2's ordering
// guarantee). size is the target type's store-size in bytes; address is
// the instruction's effective address, reg+offset, not just the bare
// register the instruction addresses through. The base register is
// bumped by the offset, stored, then restored, rather than routed
// through a dedicated scratch register: any fixed register picked for
// that purpose could itself be the live addrReg, or another value the
// block still needs, so mutate-then-restore is the only placement safe
// regardless of which register the original instruction happens to use.
func onMemCall(base int16, funcID, bbID, instID uint32, inst asm.Instruction, isStore bool) asm.Instructions {
	size := loadStoreSize(inst)
	addrReg := inst.Src
	if isStore {
		addrReg = inst.Dst
	}

	storeFlag := int64(0)
	if isStore {
		storeFlag = 1
	}

	insts := asm.Instructions{
		asm.StoreImm(asm.R10, base-24, int64(funcID), asm.Word),
		asm.StoreImm(asm.R10, base-20, int64(bbID), asm.Word),
		asm.StoreImm(asm.R10, base-16, int64(instID), asm.Word),
	}

	off := int32(inst.Offset)
	if off != 0 {
		insts = append(insts, asm.Add.Imm(addrReg, off))
	}
	insts = append(insts, asm.StoreMem(asm.R10, base-8, addrReg, asm.DWord))
	if off != 0 {
		insts = append(insts, asm.Add.Imm(addrReg, -off))
	}

	insts = append(insts,
		asm.StoreImm(asm.R10, base-28, int64(size), asm.Word),
		asm.StoreImm(asm.R10, base-32, storeFlag, asm.Word),
	)
	insts = append(insts, hookCall(HookOnMem, base-32, 32)...)
	return insts
}

// onBranchCall selects the taken bb_id at runtime (spec.md scenario B):
// successor 0 when the branch's own condition is true, successor 1
// otherwise. It does this by mirroring inst's test: a copy of the same
// opcode/Dst/Src/Constant, retargeted to skip straight to the
// true-successor store when the condition holds, falling through to the
// false-successor store (then an unconditional jump over the true store)
// otherwise. Neither arm touches a register, so there is nothing to
// clobber and nothing to restore.
func onBranchCall(base int16, funcID, bbID, instID uint32, inst asm.Instruction, b *Block) asm.Instructions {
	trueID := uint32(LoopNone)
	falseID := uint32(LoopNone)
	if len(b.Succs) > 0 {
		trueID = b.Succs[0].BBID
	}
	if len(b.Succs) > 1 {
		falseID = b.Succs[1].BBID
	}

	cond := asm.Instruction{
		OpCode:   inst.OpCode,
		Dst:      inst.Dst,
		Src:      inst.Src,
		Constant: inst.Constant,
		Offset:   2,
	}

	insts := asm.Instructions{
		asm.StoreImm(asm.R10, base-16, int64(funcID), asm.Word),
		asm.StoreImm(asm.R10, base-12, int64(bbID), asm.Word),
		asm.StoreImm(asm.R10, base-8, int64(instID), asm.Word),
		cond,
		asm.StoreImm(asm.R10, base-4, int64(falseID), asm.Word),
		asm.Instruction{OpCode: asm.OpCode(asm.JumpClass).SetJumpOp(asm.Ja), Offset: 1},
		asm.StoreImm(asm.R10, base-4, int64(trueID), asm.Word),
	}
	insts = append(insts, hookCall(HookOnBranch, base-16, 16)...)
	return insts
}

// UnknownFuncID is the target_func_id sentinel stored for a call whose
// symbol never resolved to a Function, which should only happen for a
// call target outside this Module's eligibility filter.
const UnknownFuncID = ^uint32(0)

// onCallCall marshals each declared argument of the callee (resolved via
// its BTF function prototype, the same lookup coverbee's own
// instrumentation uses to count argument registers) into the payload as
// a (kind, bitwidth, value) triple, then calls on_call. Per spec.md §4.2,
// intrinsic/helper calls and calls to a runtime-reserved name never reach
// here: classify already routed them to KindGeneric.
//
// The payload header carries target_func_id instead of the callee's raw
// entry address: inst.Reference() already names the callee symbolically,
// and funcIDs resolves that straight to the same dense id describeFunction
// assigned it, with no load-time relocation step needed. call_site's own
// raw address is recovered the same way every other instruction's address
// is, from the (func_id, bb_id, inst_id) header already present here
// cross-referenced against InstPCMap after load; see DESIGN.md's Open
// Questions entry for why the two pointer fields are carried this way
// rather than as raw addresses.
func onCallCall(base int16, funcID, bbID, instID uint32, inst asm.Instruction, protos map[string]*btf.FuncProto, funcIDs map[string]uint32) asm.Instructions {
	ref := inst.Reference()

	args := classifyCallArgs(protos[ref])

	targetID, ok := funcIDs[ref]
	if !ok {
		targetID = UnknownFuncID
	}

	off := base - 20 - hookRecordBufBytes

	insts := asm.Instructions{
		asm.StoreImm(asm.R10, off, int64(funcID), asm.Word),
		asm.StoreImm(asm.R10, off+4, int64(bbID), asm.Word),
		asm.StoreImm(asm.R10, off+8, int64(instID), asm.Word),
		asm.StoreImm(asm.R10, off+12, int64(targetID), asm.Word),
		asm.StoreImm(asm.R10, off+16, int64(len(args)), asm.Word),
	}

	// Argument triples follow the header at a fixed 16-byte stride
	// (kind u32, bitwidth u32, value u64); R1+i already holds the
	// argument's value per this platform's calling convention, so the
	// marshalling step is a register-to-stack copy, not a bitcast: BPF
	// registers are already 64 bits wide, so the "zero-extend or
	// truncate to 64 bits" step spec.md §4.2 describes is a no-op here.
	for i, arg := range args {
		argOff := off + 20 + int16(i*16)
		insts = append(insts,
			asm.StoreImm(asm.R10, argOff, int64(arg.Kind), asm.Word),
			asm.StoreImm(asm.R10, argOff+4, int64(arg.BitWidth), asm.Word),
			asm.StoreMem(asm.R10, argOff+8, asm.Register(asm.R1+asm.Register(i)), asm.DWord),
		)
	}

	insts = append(insts, hookCall(HookOnCall, off, int32(20+len(args)*16))...)
	return insts
}

// HookArgKind classifies one marshalled call argument, per spec.md §4.2's
// argument marshalling rules.
type HookArgKind uint32

const (
	ArgInteger HookArgKind = iota
	ArgPointer
	ArgFloat
	ArgUnknown
)

// HookArg is one entry of on_call's variadic argument list.
type HookArg struct {
	Kind     HookArgKind
	BitWidth uint32
}

// classifyCallArgs turns proto's declared parameters into one HookArg per
// argument register, the same BTF-driven register count coverbee's own
// instrumentation resolves before deciding whether a subprogram's 5th
// argument register is live. When proto is nil (no BTF, or the callee's
// symbol was never recorded as a subprogram), the call is marshalled as
// a single ArgUnknown argument with a conservative 64-bit width, matching
// spec.md §4.2's "unrepresentable argument" fallback rather than guessing
// a register count that might read past what the callee actually uses.
func classifyCallArgs(proto *btf.FuncProto) []HookArg {
	if proto == nil {
		return []HookArg{{Kind: ArgUnknown, BitWidth: 64}}
	}

	args := make([]HookArg, 0, len(proto.Params))
	for _, p := range proto.Params {
		args = append(args, HookArg{Kind: argKindOf(p.Type), BitWidth: argBitWidth(p.Type)})
	}
	return args
}

// argKindOf classifies a BTF parameter type as integer, pointer, or
// float, falling back to ArgUnknown for anything this pass does not
// need to distinguish further (enums, unions, forward declarations).
// btf.UnderlyingType strips the typedef/const/volatile wrappers BTF
// parameters are routinely declared through.
func argKindOf(t btf.Type) HookArgKind {
	switch btf.UnderlyingType(t).(type) {
	case *btf.Pointer:
		return ArgPointer
	case *btf.Int:
		return ArgInteger
	case *btf.Float:
		return ArgFloat
	default:
		return ArgUnknown
	}
}

// argBitWidth returns t's declared size in bits, defaulting to a
// conservative 64 when the type carries no byte size of its own
// (pointers are always word-sized on this platform).
func argBitWidth(t btf.Type) uint32 {
	switch resolved := btf.UnderlyingType(t).(type) {
	case *btf.Int:
		return resolved.Size * 8
	case *btf.Float:
		return resolved.Size * 8
	case *btf.Pointer:
		return 64
	default:
		return 64
	}
}
