package segment

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

// Segment is a read-only sorted run of key-value entries backed by one
// FileHandle. It is safe for concurrent Get/Lower/Higher/GetAll/
// MightContain calls from multiple goroutines; Put/Refresh/Close/Delete
// are expected to be called by a single writer at a time (§5).
type Segment struct {
	open atomic.Bool

	handle   FileHandle
	ordering Ordering

	minKey        []byte
	maxKey        []byte
	maxIsToKey    bool // maxKey is a Range's exclusive toKey, not a Fixed key
	segmentSize   int64
	nearestExpiry Deadline
	removeDeletes bool

	footer atomic.Pointer[Footer]
	bloom  atomic.Pointer[bloom.BloomFilter]

	cache *cache
}

// NewSegment wraps handle as an open Segment using precomputed metadata —
// the shape produced directly by a SegmentMerger output, which already
// knows minKey/maxKey/segmentSize/nearestExpiry from the entries it wrote
// without needing to re-scan the file it just finished writing.
func NewSegment(handle FileHandle, ordering Ordering, minKey, maxKey []byte, maxIsToKey bool, segmentSize int64, nearestExpiry Deadline, removeDeletes bool, onCache OnCacheFunc) *Segment {
	s := &Segment{
		handle: handle, ordering: ordering,
		minKey: minKey, maxKey: maxKey, maxIsToKey: maxIsToKey,
		segmentSize: segmentSize, nearestExpiry: nearestExpiry, removeDeletes: removeDeletes,
		cache: newCache(ordering, onCache),
	}
	s.open.Store(true)
	return s
}

// OpenSegment reopens an existing segment file, recovering minKey/maxKey/
// segmentSize/nearestExpiry by scanning its index block once.
//
// Every segment's footer is mirrored as a header at offset 0 (§4.4), so a
// truncated or bit-flipped tail can still be located: if the trailing
// footer fails to decode, or decodes but the index block it points to
// doesn't scan cleanly, that's a corrupted tail (§7). With
// dropCorruptedTailEntries, Open recovers whatever prefix of entries still
// decoded and returns the Segment anyway; without it, Open fails with
// CorruptedTailEntriesError.
func OpenSegment(handle FileHandle, ordering Ordering, removeDeletes bool, dropCorruptedTailEntries bool, onCache OnCacheFunc) (*Segment, error) {
	s := &Segment{handle: handle, ordering: ordering, removeDeletes: removeDeletes, cache: newCache(ordering, onCache)}
	s.open.Store(true)

	size, err := handle.FileSize()
	if err != nil {
		return nil, err
	}
	s.segmentSize = size

	footer, tailErr := ReadFooter(handle)
	usedHeader := false
	if tailErr != nil {
		headerBuf, err := handle.Read(0, FooterSize)
		if err != nil {
			return nil, tailErr
		}
		header, err := decodeFooter(headerBuf)
		if err != nil {
			return nil, tailErr
		}
		footer = header
		usedHeader = true
	}

	end := footer.IndexOffset + footer.IndexLength
	recs, stoppedAt, clean := scanIndexPrefix(handle, footer.IndexOffset, end)
	if usedHeader || !clean {
		if !dropCorruptedTailEntries {
			return nil, &CorruptedTailEntriesError{Offset: stoppedAt}
		}
		footer.IndexLength = stoppedAt - footer.IndexOffset
		footer.KeyValueCount = int64(len(recs))
		footer.BloomOffset = -1
		footer.BloomLength = 0
		s.segmentSize = stoppedAt
	}
	s.footer.Store(&footer)

	var entries []Entry
	for _, rec := range recs {
		entries = append(entries, rec.toEntry(handle))
	}
	if len(entries) == 0 {
		return s, nil
	}

	s.minKey = append([]byte(nil), entries[0].Key()...)
	last := entries[len(entries)-1]
	if r, ok := AsRange(last); ok {
		s.maxKey = append([]byte(nil), r.ToKey()...)
		s.maxIsToKey = true
	} else {
		s.maxKey = append([]byte(nil), last.Key()...)
	}

	nearest := NoDeadline()
	for _, e := range entries {
		nearest = MinDeadline(nearest, e.Deadline())
		if r, ok := AsRange(e); ok {
			if fv, hasFrom := r.FromValue(); hasFrom {
				nearest = MinDeadline(nearest, fv.Deadline())
			}
		}
	}
	s.nearestExpiry = nearest
	return s, nil
}

func (s *Segment) MinKey() []byte               { return s.minKey }
func (s *Segment) MaxKey() []byte               { return s.maxKey }
func (s *Segment) MaxIsToKey() bool             { return s.maxIsToKey }
func (s *Segment) SegmentSize() int64           { return s.segmentSize }
func (s *Segment) NearestExpiryDeadline() Deadline { return s.nearestExpiry }
func (s *Segment) RemoveDeletes() bool          { return s.removeDeletes }

func (s *Segment) keyInBounds(key []byte) bool {
	if s.minKey != nil && s.ordering(key, s.minKey) < 0 {
		return false
	}
	if s.maxKey == nil {
		return true
	}
	if s.maxIsToKey {
		return s.ordering(key, s.maxKey) < 0
	}
	return s.ordering(key, s.maxKey) <= 0
}

func (s *Segment) loadFooter() (Footer, error) {
	if f := s.footer.Load(); f != nil {
		return *f, nil
	}
	f, err := ReadFooter(s.handle)
	if err != nil {
		return Footer{}, err
	}
	// A losing concurrent loader simply discards its own parse — the
	// footer is content-identical either way, so no CAS retry loop needed.
	s.footer.Store(&f)
	return f, nil
}

// rangeContains reports whether rec is a Range entry whose [fromKey,toKey)
// covers target. rec may be nil.
func rangeContains(rec *indexRecord, target []byte, ordering Ordering) bool {
	if rec == nil || rec.tag != TagRange {
		return false
	}
	return ordering(rec.key, target) <= 0 && ordering(target, rec.toKey) < 0
}

// Get returns the entry at key, or ErrKeyNotFound if none covers it.
func (s *Segment) Get(key []byte) (Entry, error) {
	if !s.keyInBounds(key) {
		return nil, ErrKeyNotFound
	}
	might, err := s.MightContain(key)
	if err != nil {
		return nil, err
	}
	if !might {
		return nil, ErrKeyNotFound
	}

	floorRec, hasFloor := s.cache.floor(key)
	if hasFloor {
		if rangeContains(floorRec, key, s.ordering) || s.ordering(floorRec.key, key) == 0 {
			return floorRec.toEntry(s.handle), nil
		}
	}

	footer, err := s.loadFooter()
	if err != nil {
		return nil, err
	}
	end := footer.IndexOffset + footer.IndexLength

	start := footer.IndexOffset
	var prevKey []byte
	if hasFloor {
		start = floorRec.nextOffset
		prevKey = floorRec.key
	}

	res, err := walkIndex(s.handle, start, end, prevKey, key, s.ordering)
	if err != nil {
		return nil, err
	}

	if res.exact != nil {
		s.cache.put(res.exact)
		return res.exact.toEntry(s.handle), nil
	}
	if rangeContains(res.lower, key, s.ordering) {
		s.cache.put(res.lower)
		return res.lower.toEntry(s.handle), nil
	}
	return nil, ErrKeyNotFound
}

// Lower returns the entry with the greatest key strictly less than key (or
// the Range containing key), or ErrKeyNotFound if none exists.
func (s *Segment) Lower(key []byte) (Entry, error) {
	if s.minKey != nil && s.ordering(key, s.minKey) <= 0 {
		return nil, ErrKeyNotFound
	}

	floorRec, hasFloor := s.cache.floor(key)
	strictFloor := hasFloor && s.ordering(floorRec.key, key) < 0
	if strictFloor {
		if ceilRec, ok := s.cache.ceiling(key); ok && adjacent(floorRec, ceilRec) {
			return floorRec.toEntry(s.handle), nil
		}
	}

	footer, err := s.loadFooter()
	if err != nil {
		return nil, err
	}
	end := footer.IndexOffset + footer.IndexLength

	start := footer.IndexOffset
	var prevKey []byte
	var seed *indexRecord
	if strictFloor {
		start = floorRec.nextOffset
		prevKey = floorRec.key
		seed = floorRec
	}

	res, err := walkIndex(s.handle, start, end, prevKey, key, s.ordering)
	if err != nil {
		return nil, err
	}

	lower := res.lower
	if lower == nil {
		lower = seed
	}
	if lower == nil {
		return nil, ErrKeyNotFound
	}
	s.cache.put(lower)
	return lower.toEntry(s.handle), nil
}

// Higher returns the entry with the least key strictly greater than key
// (or the Range containing key), or ErrKeyNotFound if none exists.
func (s *Segment) Higher(key []byte) (Entry, error) {
	ceilRec, hasCeil := s.cache.ceiling(key)
	strictCeil := hasCeil && s.ordering(ceilRec.key, key) > 0
	if strictCeil {
		if floorRec, ok := s.cache.floor(key); ok && adjacent(floorRec, ceilRec) {
			if rangeContains(floorRec, key, s.ordering) {
				return floorRec.toEntry(s.handle), nil
			}
			return ceilRec.toEntry(s.handle), nil
		}
	}

	footer, err := s.loadFooter()
	if err != nil {
		return nil, err
	}
	end := footer.IndexOffset + footer.IndexLength

	start := footer.IndexOffset
	var prevKey []byte
	var seedLower *indexRecord
	if floorRec, ok := s.cache.floor(key); ok {
		start = floorRec.nextOffset
		prevKey = floorRec.key
		seedLower = floorRec
	}

	res, err := walkIndex(s.handle, start, end, prevKey, key, s.ordering)
	if err != nil {
		return nil, err
	}

	// A Range whose fromKey equals key is an exact match in walkIndex's
	// terms, not a "lower" — but it still contains key, so it must be
	// checked before falling back to a strictly-lower Range.
	if rangeContains(res.exact, key, s.ordering) {
		s.cache.put(res.exact)
		return res.exact.toEntry(s.handle), nil
	}

	lower := res.lower
	if lower == nil {
		lower = seedLower
	}
	if rangeContains(lower, key, s.ordering) {
		s.cache.put(lower)
		return lower.toEntry(s.handle), nil
	}
	if res.higher == nil {
		return nil, ErrKeyNotFound
	}
	s.cache.put(res.higher)
	return res.higher.toEntry(s.handle), nil
}

// GetAll stream-decodes the entire index block and materializes every entry.
func (s *Segment) GetAll() ([]Entry, error) {
	footer, err := s.loadFooter()
	if err != nil {
		return nil, err
	}
	start := footer.IndexOffset
	end := footer.IndexOffset + footer.IndexLength

	scanner := newIndexScanner(s.handle, start, end, nil)
	var out []Entry
	for {
		rec, ok := scanner.next()
		if !ok {
			break
		}
		out = append(out, rec.toEntry(s.handle))
	}
	if scanner.Err() != nil {
		return nil, scanner.Err()
	}
	return out, nil
}

// MightContain reports whether the segment's bloom filter admits key. A
// segment without a bloom filter always returns true (§4.6).
func (s *Segment) MightContain(key []byte) (bool, error) {
	footer, err := s.loadFooter()
	if err != nil {
		return false, err
	}
	if !footer.HasBloom() {
		return true, nil
	}
	bf := s.bloom.Load()
	if bf == nil {
		loaded, err := LoadBloom(s.handle, footer)
		if err != nil {
			return false, err
		}
		s.bloom.Store(loaded)
		bf = loaded
	}
	if bf == nil {
		return true, nil
	}
	return bf.Test(key), nil
}

// GetBloomFilter returns the segment's bloom filter, or nil if it has none.
func (s *Segment) GetBloomFilter() (*bloom.BloomFilter, error) {
	footer, err := s.loadFooter()
	if err != nil {
		return nil, err
	}
	if !footer.HasBloom() {
		return nil, nil
	}
	if bf := s.bloom.Load(); bf != nil {
		return bf, nil
	}
	bf, err := LoadBloom(s.handle, footer)
	if err != nil {
		return nil, err
	}
	s.bloom.Store(bf)
	return bf, nil
}

// GetKeyValueCount returns the segment's footer-recorded entry count.
func (s *Segment) GetKeyValueCount() (int64, error) {
	footer, err := s.loadFooter()
	if err != nil {
		return 0, err
	}
	return footer.KeyValueCount, nil
}

// HasRange reports whether the segment contains any Range entry.
func (s *Segment) HasRange() (bool, error) {
	footer, err := s.loadFooter()
	if err != nil {
		return false, err
	}
	return footer.HasRange, nil
}

// IsFooterDefined reports whether the footer has been loaded yet.
func (s *Segment) IsFooterDefined() bool { return s.footer.Load() != nil }

// IsOpen reports whether the segment's handle is open.
func (s *Segment) IsOpen() bool { return s.open.Load() }

// Close closes the underlying handle exactly once; concurrent Close calls
// race on a single compare-and-swap of the open flag, so only the winner
// actually closes anything.
func (s *Segment) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}
	s.footer.Store(nil)
	s.bloom.Store(nil)
	return s.handle.Close()
}

// Delete removes the segment's backing file.
func (s *Segment) Delete() error {
	s.open.Store(false)
	return s.handle.Delete()
}

// CopyTo copies the segment's backing file to dstPath.
func (s *Segment) CopyTo(dstPath string) error {
	return s.handle.CopyTo(dstPath)
}

// MergeConfig bundles the tunables a Put/Refresh call needs to hand to the
// SegmentMerger, mirroring the teacher's functional-options constructors
// gathered into one struct for a call with this many independent knobs.
type MergeConfig struct {
	MinSegmentSize     int64
	ForInMemory        bool
	BloomFPR           float64
	HasTimeLeftAtLeast func(Deadline) bool
	Ordering           Ordering
	Paths              PathsDistributor
	IDs                IdGenerator
	OnCache            OnCacheFunc
	OnOpen             OnOpenFunc
	Cleaner            *Cleaner
	// OutputHandle opens the FileHandle a new output segment is written
	// through. Defaults to a memory-mapped handle.
	OutputHandle func(path string) (FileHandle, error)
}

// Put reads this segment fully, merges it against newKeyValues via a
// SegmentMerger, and returns the resulting sequence of new segments. Any
// failure while writing the output aborts the merge and deletes whatever
// partial outputs it had already written (handled inside Merge itself).
func (s *Segment) Put(newKeyValues []Entry, cfg MergeConfig) ([]*Segment, error) {
	oldEntries, err := s.GetAll()
	if err != nil {
		return nil, err
	}
	if cfg.Ordering == nil {
		cfg.Ordering = s.ordering
	}
	merger := NewSegmentMerger(cfg)
	return merger.Merge(newKeyValues, oldEntries, s.removeDeletes)
}

// Refresh merges the segment with itself — re-compaction after a format or
// TTL-policy change, with no new entries contributed.
func (s *Segment) Refresh(cfg MergeConfig) ([]*Segment, error) {
	return s.Put(nil, cfg)
}
