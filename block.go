package bbtrace

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
	"golang.org/x/exp/slices"
)

// programBlocks partitions prog into basic blocks, adapting the same
// jump-labeling technique coverbee's ProgramBlocks uses: every jump
// target gets a synthetic symbol so that cilium/ebpf recomputes jump
// offsets for us once blocks have instructions inserted, and so that
// block boundaries are simply "wherever a symbol or a branch appears".
//
// Unlike coverbee's CFG, which only needs a flat predecessor-free forward
// walk, bbtrace also records each conditional branch's two successors in
// {taken-true, taken-false} order (spec.md §3's instruction descriptor
// requires this) and leaves function-entry detection to the caller.
func programBlocks(prog asm.Instructions) ([]*Block, error) {
	prog = slices.Clone(prog)

	iter := prog.Iterate()
	offToInst := map[asm.RawInstructionOffset]*asm.Instruction{}
	for iter.Next() {
		offToInst[iter.Offset] = iter.Ins
	}

	iter = prog.Iterate()
	for iter.Next() {
		inst := iter.Ins

		branch, _ := isConditionalBranch(*inst)
		if !branch {
			continue
		}

		targetOff := iter.Offset + asm.RawInstructionOffset(inst.Offset+1)
		label := fmt.Sprintf("bb-%d", targetOff)

		target, ok := offToInst[targetOff]
		if !ok {
			return nil, fmt.Errorf("branch at offset %d targets non-existent offset %d", iter.Offset, targetOff)
		}
		*target = target.WithSymbol(label)

		inst.Offset = -1
		*inst = inst.WithReference(label)
	}

	type rawBlock struct {
		insts       asm.Instructions
		branchSym   string // reference of the terminating branch, if any
		hasBranch   bool
		conditional bool
	}

	raw := make([]*rawBlock, 0)
	cur := &rawBlock{}
	for _, inst := range prog {
		if inst.Symbol() != "" && len(cur.insts) > 0 {
			raw = append(raw, cur)
			cur = &rawBlock{}
		}

		cur.insts = append(cur.insts, inst)

		branch, conditional := isConditionalBranch(inst)
		if branch {
			cur.hasBranch = true
			cur.conditional = conditional
			cur.branchSym = inst.Reference()
			raw = append(raw, cur)
			cur = &rawBlock{}
			continue
		}

		if inst.OpCode.JumpOp() == asm.Exit {
			raw = append(raw, cur)
			cur = &rawBlock{}
		}
	}
	if len(cur.insts) > 0 {
		raw = append(raw, cur)
	}

	blocks := make([]*Block, len(raw))
	symToBlock := make(map[string]*Block, len(raw))
	for i, rb := range raw {
		b := &Block{Insts: rb.insts}
		blocks[i] = b
		if sym := blockSymbol(b); sym != "" {
			symToBlock[sym] = b
		}
	}

	for i, rb := range raw {
		b := blocks[i]
		switch {
		case rb.hasBranch && rb.conditional:
			trueTarget := symToBlock[rb.branchSym]
			var falseTarget *Block
			if i+1 < len(blocks) {
				falseTarget = blocks[i+1]
			}
			if trueTarget != nil {
				b.Succs = append(b.Succs, trueTarget)
			}
			if falseTarget != nil {
				b.Succs = append(b.Succs, falseTarget)
			}
		case rb.hasBranch:
			if target := symToBlock[rb.branchSym]; target != nil {
				b.Succs = append(b.Succs, target)
			}
		case i+1 < len(blocks):
			// Falls through to the next block (no terminating branch or
			// exit observed, e.g. the block ends because the next
			// instruction carries a symbol).
			last := rb.insts[len(rb.insts)-1]
			if last.OpCode.JumpOp() != asm.Exit {
				b.Succs = append(b.Succs, blocks[i+1])
			}
		}
	}

	return blocks, nil
}
