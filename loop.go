package bbtrace

// loop is one natural loop in a function's CFG: an arena entry keyed by
// dense loopID, referencing its header and member blocks by index rather
// than holding two-way pointers back to Block, per the arena-of-loops
// design in spec.md §9.
type loop struct {
	loopID  uint32
	header  uint32 // bb_id of the loop header
	members map[uint32]bool
	parent  *loop
	kids    []*loop
}

// assignLoops enumerates fn's natural loops via back-edge detection over
// its dominator tree, then assigns dense loop_ids in the order loops are
// popped from an explicit LIFO stack seeded with the outermost loops, per
// spec.md §4.1. Every block is labeled with its innermost loop's id, or
// LoopNone.
func assignLoops(fn *Function) {
	n := len(fn.Blocks)
	if n == 0 {
		return
	}

	idom := dominatorTree(fn.Blocks)

	headers := map[uint32]*loop{} // bb_id -> loop, merged across back edges to the same header
	var order []uint32            // header discovery order, for determinism

	for _, b := range fn.Blocks {
		for _, succ := range b.Succs {
			if !dominates(idom, succ.BBID, b.BBID) {
				continue // not a back edge
			}

			l, ok := headers[succ.BBID]
			if !ok {
				l = &loop{header: succ.BBID, members: map[uint32]bool{succ.BBID: true}}
				headers[succ.BBID] = l
				order = append(order, succ.BBID)
			}

			naturalLoopBody(fn.Blocks, b.BBID, succ.BBID, l.members)
		}
	}

	if len(headers) == 0 {
		for _, b := range fn.Blocks {
			b.LoopID = LoopNone
		}
		return
	}

	loops := make([]*loop, 0, len(order))
	for _, h := range order {
		loops = append(loops, headers[h])
	}

	nestLoops(loops)

	// Outermost loops, in discovery order, seed the stack; the last one
	// pushed is the first popped.
	var roots []*loop
	for _, l := range loops {
		if l.parent == nil {
			roots = append(roots, l)
		}
	}

	nextID := uint32(0)
	stack := append([]*loop(nil), roots...)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		top.loopID = nextID
		nextID++

		// Push children so they are the next ones popped (depth-first,
		// in the stable order loops were discovered in).
		for i := len(top.kids) - 1; i >= 0; i-- {
			stack = append(stack, top.kids[i])
		}
	}

	innermost := make(map[uint32]*loop, n)
	for _, l := range loops {
		for bb := range l.members {
			cur, ok := innermost[bb]
			if !ok || len(l.members) < len(cur.members) {
				innermost[bb] = l
			}
		}
	}

	for _, b := range fn.Blocks {
		if l, ok := innermost[b.BBID]; ok {
			b.LoopID = l.loopID
		} else {
			b.LoopID = LoopNone
		}
	}

	fn.loops = loops
}

// naturalLoopBody computes the natural loop of the back edge tail->header
// by walking predecessors backward from tail until header is reached,
// adding every block visited along the way to members.
func naturalLoopBody(blocks []*Block, tail, header uint32, members map[uint32]bool) {
	if members[tail] {
		return
	}

	preds := predecessors(blocks)

	worklist := []uint32{tail}
	members[tail] = true

	for len(worklist) > 0 {
		bb := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if bb == header {
			continue
		}

		for _, p := range preds[bb] {
			if !members[p] {
				members[p] = true
				worklist = append(worklist, p)
			}
		}
	}
}

// nestLoops assigns parent/kids relationships: loop A nests inside the
// smallest loop B whose member set is a proper superset of A's.
func nestLoops(loops []*loop) {
	for _, a := range loops {
		var best *loop
		for _, b := range loops {
			if a == b || len(b.members) <= len(a.members) {
				continue
			}
			if !isSubset(a.members, b.members) {
				continue
			}
			if best == nil || len(b.members) < len(best.members) {
				best = b
			}
		}
		if best != nil {
			a.parent = best
			best.kids = append(best.kids, a)
		}
	}
}

func isSubset(a, b map[uint32]bool) bool {
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func predecessors(blocks []*Block) map[uint32][]uint32 {
	preds := make(map[uint32][]uint32, len(blocks))
	for _, b := range blocks {
		for _, succ := range b.Succs {
			preds[succ.BBID] = append(preds[succ.BBID], b.BBID)
		}
	}
	return preds
}

// dominatorTree computes each block's immediate dominator via the
// iterative Cooper-Harvey-Kennedy algorithm. blocks[0] is assumed to be
// the function's entry block and its own (improper) dominator.
//
// No dominator-tree library is present anywhere in the retrieval pack for
// this IR shape, so this is a small hand-rolled implementation; it
// mirrors the textbook fixpoint iteration, the same algorithm
// aclements-go-misc's obj/internal/ssa package builds on (there via an
// internal graph package this module does not have access to).
func dominatorTree(blocks []*Block) []int {
	n := len(blocks)
	idToIdx := make(map[uint32]int, n)
	for i, b := range blocks {
		idToIdx[b.BBID] = i
	}

	rpo := reversePostorder(blocks)
	rpoIndex := make([]int, n)
	for i, idx := range rpo {
		rpoIndex[idx] = i
	}

	preds := predecessors(blocks)

	idom := make([]int, n)
	for i := range idom {
		idom[i] = -1
	}
	idom[0] = 0

	changed := true
	for changed {
		changed = false
		for _, idx := range rpo {
			if idx == 0 {
				continue
			}

			newIdom := -1
			for _, pbb := range preds[blocks[idx].BBID] {
				pIdx, ok := idToIdx[pbb]
				if !ok || idom[pIdx] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = pIdx
					continue
				}
				newIdom = intersect(idom, rpoIndex, newIdom, pIdx)
			}

			if newIdom != -1 && idom[idx] != newIdom {
				idom[idx] = newIdom
				changed = true
			}
		}
	}

	return idom
}

func intersect(idom, rpoIndex []int, a, b int) int {
	for a != b {
		for rpoIndex[a] > rpoIndex[b] {
			a = idom[a]
		}
		for rpoIndex[b] > rpoIndex[a] {
			b = idom[b]
		}
	}
	return a
}

func reversePostorder(blocks []*Block) []int {
	idToIdx := make(map[uint32]int, len(blocks))
	for i, b := range blocks {
		idToIdx[b.BBID] = i
	}

	visited := make([]bool, len(blocks))
	var post []int

	var visit func(idx int)
	visit = func(idx int) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		for _, succ := range blocks[idx].Succs {
			if sidx, ok := idToIdx[succ.BBID]; ok {
				visit(sidx)
			}
		}
		post = append(post, idx)
	}
	visit(0)

	// Any block unreachable from the entry (dead code the verifier would
	// reject anyway) still needs a slot so indices stay dense.
	for i := range blocks {
		visit(i)
	}

	rpo := make([]int, len(post))
	for i, idx := range post {
		rpo[len(post)-1-i] = idx
	}
	return rpo
}

// dominates reports whether block a (by bb_id) dominates block b (by
// bb_id), using the precomputed idom table.
func dominates(idom []int, a, b uint32) bool {
	// idom is indexed by block slice position, but callers only have
	// bb_ids which are assigned densely and in the same order as the
	// slice at construction time, so bb_id doubles as the index here.
	idx := int(b)
	for {
		if uint32(idx) == a {
			return true
		}
		if idx == idom[idx] {
			return false
		}
		idx = idom[idx]
	}
}
