package bbtrace

import "testing"

func TestEncodeDecodePCMapRoundTrip(t *testing.T) {
	entries := []PCMapEntry{
		{FuncID: 0, BBID: 0, Entry: true},
		{FuncID: 0, BBID: 1, Entry: false},
		{FuncID: 1, BBID: 0, Entry: true},
	}

	buf := EncodePCMap(entries)
	if len(buf) != len(entries)*PCMapRecordSize {
		t.Fatalf("encoded buffer length = %d, want %d", len(buf), len(entries)*PCMapRecordSize)
	}

	got, err := DecodePCMap(buf)
	if err != nil {
		t.Fatalf("DecodePCMap: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("decoded %d entries, want %d", len(got), len(entries))
	}
	for i, want := range entries {
		if got[i] != want {
			t.Errorf("entry[%d] = %+v, want %+v", i, got[i], want)
		}
	}
}

func TestDecodePCMapRejectsMisalignedBuffer(t *testing.T) {
	if _, err := DecodePCMap(make([]byte, PCMapRecordSize+1)); err == nil {
		t.Fatal("expected an error for a buffer length that isn't a multiple of the record size")
	}
}

func TestCheckRoundTrip(t *testing.T) {
	descriptor := []BlockRecord{
		{FuncID: 0, BBID: 0},
		{FuncID: 0, BBID: 1},
	}
	pcMap := []PCMapEntry{
		{FuncID: 0, BBID: 0, Entry: true},
		{FuncID: 0, BBID: 1, Entry: false},
	}

	if err := CheckRoundTrip(descriptor, pcMap); err != nil {
		t.Fatalf("expected matching descriptor/pcmap to round-trip cleanly, got: %v", err)
	}
}

func TestCheckRoundTripDetectsOrphanEntry(t *testing.T) {
	descriptor := []BlockRecord{
		{FuncID: 0, BBID: 0},
	}
	pcMap := []PCMapEntry{
		{FuncID: 0, BBID: 0, Entry: true},
		{FuncID: 0, BBID: 1, Entry: false}, // no matching descriptor record
	}

	if err := CheckRoundTrip(descriptor, pcMap); err == nil {
		t.Fatal("expected CheckRoundTrip to report the orphan pcmap entry")
	}
}
