package bbtrace

import "testing"

var seedVerifierLog = []string{
	"0: R1=ctx(id=0,off=0,imm=0) R10=fp0\n" +
		"0: (b7) r6 = 1; R6_w=invP1\n" +
		"1: (bf) r7 = r1; R1=ctx(id=0,off=0,imm=0) R7_w=ctx(id=0,off=0,imm=0)\n",
	"func#0 @0\n" +
		"0: R1=ctx(id=0,off=0,imm=0) R10=fp0\n" +
		"22: (85) call pc+4\n" +
		"caller:\n" +
		" frame1: R8_w=pkt(id=0,off=74,r=74,imm=0) R9=invP6 R10=fp0\n" +
		"callee:\n" +
		" frame2: R1_w=pkt(id=0,off=54,r=74,imm=0) R2_w=invP(id=0) R10=fp0\n",
	"returning from callee:\n" +
		" frame2: R0=map_value(id=0,off=0,ks=1,vs=16,imm=0) R10=fp0 fp-8=m???????\n" +
		"to caller at 156:\n" +
		" frame1: R0=map_value(id=0,off=0,ks=1,vs=16,imm=0) R10=fp0 fp-16=mmmmmmmm\n",
	"from 84 to 40: frame1: R0=invP(id=0) R10=fp0 fp-8=pkt_end\n" +
		"25: safe\n",
	"last_idx 26 first_idx 20\n" +
		"regs=4 stack=0 before 25: (bf) r1 = r0\n" +
		"parent didn't have regs=4 stack=0 marks\n",
	"; if (data + nh_off > data_end)\n" +
		"propagating r6\n" +
		"from 42 to 57: safe\n",
	"processed 520 insns (limit 1000000) max_states_per_insn 1 total_states 46 peak_states 46 mark_read 7\n",
}

func FuzzParseVerifierLog(f *testing.F) {
	for _, log := range seedVerifierLog {
		f.Add(log)
	}
	f.Fuzz(func(t *testing.T, log string) {
		parseVerifierLog(log)
	})
}

func TestMergedPerInstructionTracksStackDepth(t *testing.T) {
	// A merged state is recorded against the instruction it precedes, so
	// the slot written by instruction 0 shows up at instruction 1.
	log := "0: (7b) *(u64 *)(r10 -16) = r1; R1=ctx(id=0,off=0,imm=0) R10=fp0 fp-16_w=ctx\n" +
		"1: (95) exit\n"
	states := mergedPerInstruction(log)
	if len(states) < 2 {
		t.Fatal("expected a state for each of the two instructions")
	}
	found := false
	for _, slot := range states[1].Stack {
		if slot.Offset == 16 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fp-16 stack slot to be tracked, got %+v", states[0].Stack)
	}
}
