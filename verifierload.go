package bbtrace

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/davecgh/go-spew/spew"
)

// StackDepths dry-runs coll through the kernel verifier at LogLevel 2 and
// returns each program's maximum used stack offset in bytes, keyed by
// program name (one figure per program, covering its BPF-to-BPF
// subprograms too). Instrument uses this to place its scratch
// buffers below whatever stack the original code already occupies,
// adapting the same verifier-log-driven placement coverbee's own
// instrumentation uses to find a free register/stack slot pair before
// inserting its cover-map update sequence.
//
// coll is never mutated; StackDepths loads a copy and closes it before
// returning. logWriter, when non-nil, receives the same kind of
// ultra-verbose dump coverbee's own --log flag produces: the raw
// per-program verifier log text followed by its parsed statements.
func StackDepths(coll *ebpf.CollectionSpec, opts ebpf.CollectionOptions, logWriter io.Writer) (map[string]int, error) {
	clone := coll.Copy()
	clonedOpts := opts
	clonedOpts.Programs.LogLevel = 2
	if clonedOpts.Programs.LogSize == 0 {
		clonedOpts.Programs.LogSize = 1 << 20
	}

	var (
		cloneColl *ebpf.Collection
		err       error
	)
	const maxAttempts = 5
	for i := 0; i < maxAttempts; i++ {
		cloneColl, err = ebpf.NewCollectionWithOptions(clone, clonedOpts)
		if err == nil {
			break
		}

		const enospc = syscall.Errno(0x1c)
		if !errors.Is(err, enospc) {
			return nil, fmt.Errorf("dry-run load for verifier log: %w", err)
		}
		clonedOpts.Programs.LogSize = clonedOpts.Programs.LogSize << 2
	}
	if err != nil {
		return nil, fmt.Errorf("dry-run load for verifier log: %w", err)
	}
	defer cloneColl.Close()

	depths := make(map[string]int, len(cloneColl.Programs))
	for name, prog := range cloneColl.Programs {
		if logWriter != nil {
			fmt.Fprintln(logWriter, "---", name, "--- raw verifier log ---")
			fmt.Fprintln(logWriter, prog.VerifierLog)

			fmt.Fprintln(logWriter, "---", name, "--- parsed verifier log ---")
			for _, stmt := range parseVerifierLog(prog.VerifierLog) {
				spew.Fdump(logWriter, stmt)
			}
		}

		mergedStates := mergedPerInstruction(prog.VerifierLog)

		max := 0
		for _, state := range mergedStates {
			for _, slot := range state.Stack {
				if slot.Offset > max {
					max = slot.Offset
				}
			}
		}
		depths[name] = max
	}

	return depths, nil
}
