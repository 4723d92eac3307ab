package bbtrace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf/asm"
)

// BlockRecord is one line of the static descriptor file: spec.md §4.3's
// record format, one per eligible block, in block-traversal order.
type BlockRecord struct {
	FuncID   uint32       `json:"func_id"`
	FuncName string       `json:"func_name"`
	BBID     uint32       `json:"bb_id"`
	BBName   string       `json:"bb_name"`
	Header   string       `json:"header"`
	Insts    []InstRecord `json:"insts"`
}

// InstRecord describes one instruction within a BlockRecord.
type InstRecord struct {
	Text    string   `json:"text"`
	Kind    string   `json:"kind"`
	InstID  *uint32  `json:"inst_id,omitempty"`
	Targets []uint32 `json:"targets,omitempty"`
}

// describeFunction builds fn's descriptor records and PC-map entries in a
// single walk, reusing the same classification and inst_id allocation
// instrumentProgram uses, so static-only and instrumented runs always
// agree on this data (spec.md §8, testable property 7).
func describeFunction(fn *Function) ([]BlockRecord, []PCMapEntry, []InstPCEntry) {
	records := make([]BlockRecord, 0, len(fn.Blocks))
	pcs := make([]PCMapEntry, 0, len(fn.Blocks))
	var instPCs []InstPCEntry

	memID, brID, callID := uint32(0), uint32(0), uint32(0)

	for _, b := range fn.Blocks {
		record := BlockRecord{
			FuncID:   fn.FuncID,
			FuncName: fn.Name,
			BBID:     b.BBID,
			BBName:   b.Name,
			Header:   b.Header,
			Insts:    make([]InstRecord, 0, len(b.Insts)),
		}

		for _, inst := range b.Insts {
			kind := classify(inst)
			ir := InstRecord{
				Text: "  " + printInst(inst),
				Kind: kind.String(),
			}

			switch kind {
			case KindLoad, KindStore:
				id := memID
				memID++
				ir.InstID = &id
				instPCs = append(instPCs, InstPCEntry{FuncID: fn.FuncID, BBID: b.BBID, InstID: id})

			case KindBranch:
				id := brID
				brID++
				ir.InstID = &id
				for _, succ := range b.Succs {
					ir.Targets = append(ir.Targets, succ.BBID)
				}

			case KindCall:
				id := callID
				callID++
				ir.InstID = &id
				instPCs = append(instPCs, InstPCEntry{FuncID: fn.FuncID, BBID: b.BBID, InstID: id})
			}

			record.Insts = append(record.Insts, ir)
		}

		records = append(records, record)
		pcs = append(pcs, PCMapEntry{FuncID: fn.FuncID, BBID: b.BBID, Entry: b.isEntry})
	}

	return records, pcs, instPCs
}

func printInst(inst asm.Instruction) string {
	return inst.String()
}

// WriteDescriptor writes records as newline-delimited JSON to
// <dirname(moduleID)>/bbtrace_static/<basename(moduleID)>.bbinfo.jsonl,
// creating the sibling directory if needed. Per spec.md §7, failure here
// is a recoverable diagnostic: the caller is expected to log and continue
// rather than fail the surrounding build.
func WriteDescriptor(moduleID string, records []BlockRecord) error {
	dir := filepath.Join(filepath.Dir(moduleID), "bbtrace_static")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create descriptor dir: %w", err)
	}

	path := filepath.Join(dir, filepath.Base(moduleID)+".bbinfo.jsonl")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create descriptor file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode descriptor record (func_id=%d bb_id=%d): %w", rec.FuncID, rec.BBID, err)
		}
	}

	return w.Flush()
}

// DescriptorPath returns the path WriteDescriptor will use for moduleID,
// for callers that need to read it back without re-running the pass.
func DescriptorPath(moduleID string) string {
	dir := filepath.Join(filepath.Dir(moduleID), "bbtrace_static")
	return filepath.Join(dir, filepath.Base(moduleID)+".bbinfo.jsonl")
}

// ReadDescriptor parses a descriptor file written by WriteDescriptor.
func ReadDescriptor(path string) ([]BlockRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open descriptor file: %w", err)
	}
	defer f.Close()

	var records []BlockRecord
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec BlockRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode descriptor record: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}
