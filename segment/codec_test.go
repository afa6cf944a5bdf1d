package segment

import (
	"path/filepath"
	"testing"
)

func TestWriterFinishFixedEntriesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h, err := NewChannelWriteHandle(filepath.Join(dir, "seg.dat"), nil)
	if err != nil {
		t.Fatalf("NewChannelWriteHandle: %v", err)
	}

	w := NewWriter(h)
	entries := []Entry{
		NewMemPut([]byte("apple"), []byte("red"), true, NoDeadline()),
		NewMemUpdate([]byte("banana"), []byte("yellow"), true, DeadlineAtMillis(999)),
		NewMemRemove([]byte("cherry"), NoDeadline()),
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			t.Fatalf("Add(%q): %v", e.Key(), err)
		}
	}
	stats := w.Stats()
	if stats.KeyValueCount != 3 {
		t.Fatalf("Stats().KeyValueCount = %d", stats.KeyValueCount)
	}

	footer, err := w.Finish(0.01)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if footer.Version != segmentFormatVersion {
		t.Fatalf("Version = %d", footer.Version)
	}
	if footer.KeyValueCount != 3 {
		t.Fatalf("KeyValueCount = %d", footer.KeyValueCount)
	}
	if footer.HasRange {
		t.Fatalf("HasRange should be false: no Range entries were added")
	}
	if !footer.HasBloom() {
		t.Fatalf("expected a bloom block with bloomFPR=0.01")
	}

	readBack, err := ReadFooter(h)
	if err != nil {
		t.Fatalf("ReadFooter: %v", err)
	}
	if readBack != footer {
		t.Fatalf("ReadFooter() = %+v, want %+v", readBack, footer)
	}

	scanner := newIndexScanner(h, footer.IndexOffset, footer.IndexOffset+footer.IndexLength, nil)
	var gotKeys []string
	for {
		rec, ok := scanner.next()
		if !ok {
			break
		}
		gotKeys = append(gotKeys, string(rec.key))
	}
	if scanner.Err() != nil {
		t.Fatalf("scanner error: %v", scanner.Err())
	}
	want := []string{"apple", "banana", "cherry"}
	if len(gotKeys) != len(want) {
		t.Fatalf("decoded keys = %v, want %v", gotKeys, want)
	}
	for i := range want {
		if gotKeys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, gotKeys[i], want[i])
		}
	}
}

func TestWriterFinishRangeEntryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h, err := NewChannelWriteHandle(filepath.Join(dir, "seg.dat"), nil)
	if err != nil {
		t.Fatalf("NewChannelWriteHandle: %v", err)
	}

	w := NewWriter(h)
	fromVal := NewMemPut([]byte("m"), []byte("from"), true, NoDeadline())
	rangeVal := NewMemPut([]byte("m"), []byte("range"), true, NoDeadline())
	rangeEntry := NewMemRange([]byte("m"), []byte("q"), fromVal, rangeVal)

	if err := w.Add(rangeEntry); err != nil {
		t.Fatalf("Add(range): %v", err)
	}
	footer, err := w.Finish(0)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !footer.HasRange {
		t.Fatalf("HasRange should be true")
	}
	if footer.HasBloom() {
		t.Fatalf("bloomFPR=0 should produce no bloom block")
	}

	scanner := newIndexScanner(h, footer.IndexOffset, footer.IndexOffset+footer.IndexLength, nil)
	rec, ok := scanner.next()
	if !ok {
		t.Fatalf("expected one decoded record")
	}
	if rec.tag != TagRange {
		t.Fatalf("tag = %v, want TagRange", rec.tag)
	}
	if string(rec.key) != "m" || string(rec.toKey) != "q" {
		t.Fatalf("key/toKey = %q/%q", rec.key, rec.toKey)
	}
	entry := rec.toEntry(h)
	r, ok := AsRange(entry)
	if !ok {
		t.Fatalf("toEntry() did not produce a RangeEntry")
	}
	fv, has := r.FromValue()
	if !has {
		t.Fatalf("fromValue should be present")
	}
	fvBytes, err := fv.Value()
	if err != nil || string(fvBytes) != "from" {
		t.Fatalf("fromValue bytes = %q, %v", fvBytes, err)
	}
	rvBytes, err := r.RangeValue().Value()
	if err != nil || string(rvBytes) != "range" {
		t.Fatalf("rangeValue bytes = %q, %v", rvBytes, err)
	}
}

func TestFooterChecksumDetectsCorruption(t *testing.T) {
	f := Footer{Version: segmentFormatVersion, KeyValueCount: 5, IndexOffset: 10, IndexLength: 20, BloomOffset: -1}
	buf := encodeFooter(f)
	buf[8] ^= 0xFF // corrupt the key-value count, leaving magic and version intact

	if _, err := decodeFooter(buf); err == nil {
		t.Fatalf("decodeFooter should reject a corrupted footer")
	}
}

func TestFooterVersionMismatch(t *testing.T) {
	f := Footer{Version: segmentFormatVersion + 1, BloomOffset: -1}
	buf := encodeFooter(f)
	if _, err := decodeFooter(buf); err == nil {
		t.Fatalf("decodeFooter should reject an unsupported version")
	}
}

func TestCommonPrefixLen(t *testing.T) {
	tests := []struct {
		a, b []byte
		want int
	}{
		{[]byte("apple"), []byte("apply"), 4},
		{[]byte(""), []byte("apple"), 0},
		{[]byte("apple"), []byte("apple"), 5},
		{nil, []byte("x"), 0},
	}
	for _, tt := range tests {
		if got := commonPrefixLen(tt.a, tt.b); got != tt.want {
			t.Errorf("commonPrefixLen(%q,%q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestEstimateMemorySizeIncludesValue(t *testing.T) {
	small := NewMemPut([]byte("k"), []byte("v"), true, NoDeadline())
	big := NewMemPut([]byte("k"), make([]byte, 1000), true, NoDeadline())
	if estimateMemorySize(big) <= estimateMemorySize(small) {
		t.Fatalf("a bigger value should yield a bigger memory-size estimate")
	}
}
