package bbtrace

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
)

// PCMapEntry is one block-level address-map entry: spec.md §4.4's
// `.bbtrace_map`, realized as the bbtrace_pcmap array map. Entry marks the
// function's entry block, whose address is the program's own entry point
// rather than a block-local one (spec.md §9, "entry-block address
// asymmetry") — on this platform that distinction matters because only
// the entry block's offset survives program load unchanged; every other
// block's raw offset shifts by however many hook instructions precede it.
type PCMapEntry struct {
	FuncID uint32
	BBID   uint32
	Entry  bool
}

// InstPCEntry is one instruction-level PC record: spec.md §4.4's
// `.bbtrace_inst`, realized as the bbtrace_instmap array map. One entry
// per instrumented load, store, or call, per spec.md's testable property
// 8.
type InstPCEntry struct {
	FuncID uint32
	BBID   uint32
	InstID uint32
}

// PCMapName and InstMapName are the two address maps' names within the
// instrumented collection, the same way coverbee's own covermap is
// always named "coverbee_covermap" regardless of the input ELF.
const (
	PCMapName   = "bbtrace_pcmap"
	InstMapName = "bbtrace_instmap"
)

// PCMapRecordSize and InstMapRecordSize are the two maps' fixed value
// sizes: three uint32 fields for a block entry; four uint32 fields (the
// fourth reserved, always zero) plus an 8-byte label-address trailer for
// an instruction record. EncodeInstMap writes that trailer as zero, and
// nothing in this package fills it in. Values are packed with
// encoding/binary the same way coverbee reads its own covermap's counters
// back out with nativeEndianess's little-endian path, since both maps run
// only on little-endian targets in practice (x86-64, arm64).
const (
	PCMapRecordSize   = 4 * 3
	InstMapRecordSize = 4*3 + 4 + 8
)

// BuildPCMapSpec returns the array map spec for mod's block-level PC map,
// sized to hold exactly one entry per eligible block — the same pattern
// coverbee uses when it adds its own coverage map to the collection
// (coll.Maps["coverbee_covermap"] = &coverMap).
func BuildPCMapSpec(mod *Module) *ebpf.MapSpec {
	n := 0
	for _, fn := range mod.Functions {
		n += len(fn.Blocks)
	}

	return &ebpf.MapSpec{
		Name:       PCMapName,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  PCMapRecordSize,
		MaxEntries: uint32(n),
	}
}

// BuildInstMapSpec returns the array map spec for the instruction-level
// PC records, sized to hold n of them (one per instrumented memory/call
// site).
func BuildInstMapSpec(n int) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       InstMapName,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  InstMapRecordSize,
		MaxEntries: uint32(n),
	}
}

// EncodePCMap serializes entries in array-index order, ready to Put into
// a loaded bbtrace_pcmap map one key at a time, or compared byte-for-byte
// between a static-only and an instrumented run's symbolic fields (see
// spec.md §8 property 7 and §12 open question 3). A record carries only
// func_id, bb_id and the entry flag, no numeric address, so its bytes are
// identical between modes.
func EncodePCMap(entries []PCMapEntry) []byte {
	buf := make([]byte, len(entries)*PCMapRecordSize)
	for i, e := range entries {
		rec := buf[i*PCMapRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:4], e.FuncID)
		binary.LittleEndian.PutUint32(rec[4:8], e.BBID)
		entryFlag := uint32(0)
		if e.Entry {
			entryFlag = 1
		}
		binary.LittleEndian.PutUint32(rec[8:12], entryFlag)
	}
	return buf
}

// DecodePCMap is EncodePCMap's inverse, used to read a bbtrace_pcmap map's
// raw values back into PCMapEntry values without relying on cilium/ebpf's
// reflection-based struct marshaling to agree with this package's own
// byte layout.
func DecodePCMap(buf []byte) ([]PCMapEntry, error) {
	if len(buf)%PCMapRecordSize != 0 {
		return nil, fmt.Errorf("pcmap buffer length %d is not a multiple of record size %d", len(buf), PCMapRecordSize)
	}

	n := len(buf) / PCMapRecordSize
	entries := make([]PCMapEntry, n)
	for i := range entries {
		rec := buf[i*PCMapRecordSize:]
		entries[i] = PCMapEntry{
			FuncID: binary.LittleEndian.Uint32(rec[0:4]),
			BBID:   binary.LittleEndian.Uint32(rec[4:8]),
			Entry:  binary.LittleEndian.Uint32(rec[8:12]) != 0,
		}
	}
	return entries, nil
}

// EncodeInstMap serializes entries the same way EncodePCMap does.
func EncodeInstMap(entries []InstPCEntry) []byte {
	buf := make([]byte, len(entries)*InstMapRecordSize)
	for i, e := range entries {
		rec := buf[i*InstMapRecordSize:]
		binary.LittleEndian.PutUint32(rec[0:4], e.FuncID)
		binary.LittleEndian.PutUint32(rec[4:8], e.BBID)
		binary.LittleEndian.PutUint32(rec[8:12], e.InstID)
		binary.LittleEndian.PutUint32(rec[12:16], 0) // reserved
		// bytes [16:24) are the label_address trailer, left zero: a
		// numeric address exists on this platform only once the program
		// is loaded, and this package does not fill it in.
	}
	return buf
}

// CheckRoundTrip verifies spec.md §8's round-trip property: every
// func_id in pcMap has a matching BlockRecord, and every (func_id, bb_id)
// pair in pcMap has a matching descriptor record. It returns the first
// mismatch found, or nil.
func CheckRoundTrip(descriptor []BlockRecord, pcMap []PCMapEntry) error {
	byKey := make(map[[2]uint32]bool, len(descriptor))
	byFunc := make(map[uint32]bool, len(descriptor))
	for _, rec := range descriptor {
		byKey[[2]uint32{rec.FuncID, rec.BBID}] = true
		byFunc[rec.FuncID] = true
	}

	for _, e := range pcMap {
		if !byFunc[e.FuncID] {
			return fmt.Errorf("pcmap entry func_id=%d has no descriptor function record", e.FuncID)
		}
		if !byKey[[2]uint32{e.FuncID, e.BBID}] {
			return fmt.Errorf("pcmap entry (func_id=%d, bb_id=%d) has no descriptor block record", e.FuncID, e.BBID)
		}
	}

	return nil
}
