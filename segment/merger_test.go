package segment

import (
	"fmt"
	"path/filepath"
	"testing"
)

// seqIDs is a deterministic IdGenerator for reproducible test file names.
type seqIDs struct{ n int }

func (g *seqIDs) NextSegmentID() string {
	g.n++
	return fmt.Sprintf("seg%d", g.n)
}

func testMergeConfig(t *testing.T, minSegmentSize int64, forInMemory bool) MergeConfig {
	t.Helper()
	dir := t.TempDir()
	return MergeConfig{
		MinSegmentSize:     minSegmentSize,
		ForInMemory:        forInMemory,
		BloomFPR:           0,
		HasTimeLeftAtLeast: alwaysHasTime,
		Ordering:           DefaultOrdering,
		Paths:              NewFixedPathsDistributor(filepath.Join(dir, "")),
		IDs:                &seqIDs{},
		Cleaner:            defaultCleaner,
	}
}

func entryKeys(t *testing.T, entries []Entry) []string {
	t.Helper()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Key())
	}
	return out
}

func segmentKeys(t *testing.T, seg *Segment) []string {
	t.Helper()
	entries, err := seg.GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	return entryKeys(t, entries)
}

func TestMergeNoCollisionsInterleaves(t *testing.T) {
	cfg := testMergeConfig(t, 1<<20, false) // high threshold: one segment total
	m := NewSegmentMerger(cfg)

	newKV := []Entry{
		NewMemPut([]byte("a"), []byte("1"), true, NoDeadline()),
		NewMemPut([]byte("c"), []byte("3"), true, NoDeadline()),
	}
	oldKV := []Entry{
		NewMemPut([]byte("b"), []byte("2"), true, NoDeadline()),
	}

	segs, err := m.Merge(newKV, oldKV, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	got := segmentKeys(t, segs[0])
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMergeCollisionResolvesViaKVMerger(t *testing.T) {
	cfg := testMergeConfig(t, 1<<20, false)
	m := NewSegmentMerger(cfg)

	newKV := []Entry{NewMemPut([]byte("k"), []byte("new"), true, NoDeadline())}
	oldKV := []Entry{NewMemPut([]byte("k"), []byte("old"), true, NoDeadline())}

	segs, err := m.Merge(newKV, oldKV, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	entries, err := segs[0].GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(entries))
	}
	v, err := entries[0].Value()
	if err != nil || string(v) != "new" {
		t.Fatalf("merged value = %q, %v, want new", v, err)
	}
}

func TestMergeDropsUnconditionalRemoveOnLastLevel(t *testing.T) {
	cfg := testMergeConfig(t, 1<<20, false)
	m := NewSegmentMerger(cfg)

	newKV := []Entry{NewMemRemove([]byte("k"), NoDeadline())}
	oldKV := []Entry{}

	segs, err := m.Merge(newKV, oldKV, true)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("an unconditional tombstone on the last level should produce no segments, got %d", len(segs))
	}
}

func TestSplitRolloverBySizeProducesManySegments(t *testing.T) {
	cfg := testMergeConfig(t, 1, false) // threshold of 1 byte: every entry rolls over
	m := NewSegmentMerger(cfg)

	keyValues := []Entry{
		NewMemPut([]byte("a"), []byte("1"), true, NoDeadline()),
		NewMemPut([]byte("b"), []byte("2"), true, NoDeadline()),
		NewMemPut([]byte("c"), []byte("3"), true, NoDeadline()),
	}
	segs, err := m.Split(keyValues, false)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments with a 1-byte threshold, got %d", len(segs))
	}
	for i, seg := range segs {
		keys := segmentKeys(t, seg)
		if len(keys) != 1 {
			t.Fatalf("segment %d has %d entries, want 1", i, len(keys))
		}
	}
}

func TestSplitFoldsUndersizedTailIntoPrevious(t *testing.T) {
	cfg := testMergeConfig(t, 100, true) // ForInMemory: threshold measured via estimateMemorySize
	m := NewSegmentMerger(cfg)

	big := make([]byte, 80)
	for i := range big {
		big[i] = 'A'
	}
	keyValues := []Entry{
		NewMemPut([]byte("a"), big, true, NoDeadline()),          // ~113 bytes: exceeds threshold alone
		NewMemPut([]byte("b"), []byte("x"), true, NoDeadline()), // ~34 bytes: stays below threshold
	}

	segs, err := m.Split(keyValues, false)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("the undersized trailing segment should have folded into its predecessor, got %d segments", len(segs))
	}
	keys := segmentKeys(t, segs[0])
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("folded segment keys = %v, want [a b]", keys)
	}
}

// TestMergeRangeExpandsAcrossSpan exercises §8 scenario 5: a new-side Range
// covering [c,j) must transform every old key strictly inside its span — not
// just the one old key exactly equal to its fromKey, and not left untouched
// and overlapping the Range on disk — while an old key at or past the
// Range's toKey stays untouched.
func TestMergeRangeExpandsAcrossSpan(t *testing.T) {
	cfg := testMergeConfig(t, 1<<20, false)
	m := NewSegmentMerger(cfg)

	rangeValue := NewMemUpdate([]byte("c"), []byte("up"), true, NoDeadline())
	newKV := []Entry{NewMemRange([]byte("c"), []byte("j"), nil, rangeValue)}
	oldKV := []Entry{
		NewMemPut([]byte("c"), []byte("cv"), true, NoDeadline()),
		NewMemPut([]byte("e"), []byte("ev"), true, NoDeadline()),
		NewMemPut([]byte("j"), []byte("jv"), true, NoDeadline()),
	}

	segs, err := m.Merge(newKV, oldKV, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	entries, err := segs[0].GetAll()
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (Range at c, absorbed e, untouched j), got %d: %v", len(entries), entryKeys(t, entries))
	}

	r, ok := AsRange(entries[0])
	if !ok || string(r.Key()) != "c" || string(r.ToKey()) != "j" {
		t.Fatalf("entries[0] = %v, want the Range(c,j)", entries[0])
	}
	fv, hasFrom := r.FromValue()
	if !hasFrom {
		t.Fatalf("expected the Range to carry a fromValue transformed from old Put(c)")
	}
	if fv.Kind() != KindPut {
		t.Fatalf("fromValue.Kind() = %v, want KindPut (Update-over-Put yields a Put)", fv.Kind())
	}
	fvv, _ := fv.Value()
	if string(fvv) != "up" {
		t.Fatalf("fromValue value = %q, want up", fvv)
	}

	if entries[1].Kind() != KindPut || string(entries[1].Key()) != "e" {
		t.Fatalf("entries[1] = %v, want the absorbed key e as its own Put", entries[1])
	}
	ev, _ := entries[1].Value()
	if string(ev) != "up" {
		t.Fatalf("absorbed Put(e) value = %q, want up (transformed by the Range's rangeValue)", ev)
	}

	if entries[2].Kind() != KindPut || string(entries[2].Key()) != "j" {
		t.Fatalf("entries[2] = %v, want untouched Put(j)", entries[2])
	}
	jv, _ := entries[2].Value()
	if string(jv) != "jv" {
		t.Fatalf("Put(j) value = %q, want jv (untouched — j is not inside [c,j))", jv)
	}
}

func TestMergeSegmentsConcurrentlyLoadsBothInputs(t *testing.T) {
	cfg := testMergeConfig(t, 1<<20, false)

	newerSegs, err := NewSegmentMerger(cfg).Split([]Entry{
		NewMemPut([]byte("a"), []byte("new-a"), true, NoDeadline()),
	}, false)
	if err != nil {
		t.Fatalf("Split(newer): %v", err)
	}
	olderSegs, err := NewSegmentMerger(cfg).Split([]Entry{
		NewMemPut([]byte("b"), []byte("old-b"), true, NoDeadline()),
	}, false)
	if err != nil {
		t.Fatalf("Split(older): %v", err)
	}

	merged, err := MergeSegments(newerSegs[0], olderSegs[0], cfg, false)
	if err != nil {
		t.Fatalf("MergeSegments: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged segment, got %d", len(merged))
	}
	keys := segmentKeys(t, merged[0])
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("merged keys = %v, want [a b]", keys)
	}
}
