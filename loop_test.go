package bbtrace

import "testing"

// TestAssignLoopsNaturalLoop covers spec scenario C: a single natural
// loop whose header gets loop_id 0, member blocks carry that id, and
// blocks outside the loop carry the LoopNone sentinel.
func TestAssignLoopsNaturalLoop(t *testing.T) {
	entry := &Block{BBID: 0}
	header := &Block{BBID: 1}
	body := &Block{BBID: 2}
	exit := &Block{BBID: 3}

	entry.Succs = []*Block{header}
	header.Succs = []*Block{body, exit} // true: stay in loop, false: leave
	body.Succs = []*Block{header}       // back edge
	exit.Succs = nil

	fn := &Function{Blocks: []*Block{entry, header, body, exit}}
	assignLoops(fn)

	if header.LoopID != 0 {
		t.Errorf("header.LoopID = %d, want 0", header.LoopID)
	}
	if body.LoopID != 0 {
		t.Errorf("body.LoopID = %d, want 0", body.LoopID)
	}
	if entry.LoopID != LoopNone {
		t.Errorf("entry.LoopID = %d, want LoopNone", entry.LoopID)
	}
	if exit.LoopID != LoopNone {
		t.Errorf("exit.LoopID = %d, want LoopNone", exit.LoopID)
	}

	if !isLoopHeader(fn, header) {
		t.Error("expected header block to be recognized as a loop header")
	}
	if isLoopHeader(fn, body) {
		t.Error("did not expect the body block to be recognized as a loop header")
	}
}

// TestAssignLoopsNoLoop covers the common case: every block gets
// LoopNone when the CFG is acyclic.
func TestAssignLoopsNoLoop(t *testing.T) {
	a := &Block{BBID: 0}
	b := &Block{BBID: 1}
	a.Succs = []*Block{b}

	fn := &Function{Blocks: []*Block{a, b}}
	assignLoops(fn)

	if a.LoopID != LoopNone || b.LoopID != LoopNone {
		t.Fatalf("expected both blocks to carry LoopNone, got %d and %d", a.LoopID, b.LoopID)
	}
}

// TestAssignLoopsNestedOrder covers the LIFO popping order spec.md
// requires: outer loop gets the lower loop_id, inner loop the next one.
func TestAssignLoopsNestedOrder(t *testing.T) {
	entry := &Block{BBID: 0}
	outerHeader := &Block{BBID: 1}
	innerHeader := &Block{BBID: 2}
	innerBody := &Block{BBID: 3}
	outerTail := &Block{BBID: 4}
	exit := &Block{BBID: 5}

	entry.Succs = []*Block{outerHeader}
	outerHeader.Succs = []*Block{innerHeader, exit}
	innerHeader.Succs = []*Block{innerBody, outerTail}
	innerBody.Succs = []*Block{innerHeader}
	outerTail.Succs = []*Block{outerHeader}
	exit.Succs = nil

	fn := &Function{Blocks: []*Block{entry, outerHeader, innerHeader, innerBody, outerTail, exit}}
	assignLoops(fn)

	if outerHeader.LoopID != 0 {
		t.Errorf("outerHeader.LoopID = %d, want 0 (outermost loop popped first)", outerHeader.LoopID)
	}
	if innerHeader.LoopID != 1 {
		t.Errorf("innerHeader.LoopID = %d, want 1", innerHeader.LoopID)
	}
	if innerBody.LoopID != 1 {
		t.Errorf("innerBody.LoopID = %d, want 1", innerBody.LoopID)
	}
	if outerTail.LoopID != 0 {
		t.Errorf("outerTail.LoopID = %d, want 0 (member of the outer loop only)", outerTail.LoopID)
	}
}
