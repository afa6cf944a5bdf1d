package segment

import "github.com/google/btree"

type cacheEntry struct {
	key []byte
	rec *indexRecord
}

// OnCacheFunc is called after every insertion into a Segment's index-record
// cache with the cache's new size, so a caller can cap total memory spent
// on cached index records across many open segments.
type OnCacheFunc func(size int)

// NopOnCache is the default OnCacheFunc: no limiting.
func NopOnCache(int) {}

// cache is an ordered key -> decoded index-record cache backed by a
// google/btree, giving real floor/ceiling traversal so Segment.Get/Lower/
// Higher can resume an index-block walk from the nearest previously seen
// record instead of always re-scanning from the block's start.
type cache struct {
	ordering Ordering
	tree     *btree.BTreeG[cacheEntry]
	onCache  OnCacheFunc
}

func newCache(ordering Ordering, onCache OnCacheFunc) *cache {
	if onCache == nil {
		onCache = NopOnCache
	}
	less := func(a, b cacheEntry) bool { return ordering(a.key, b.key) < 0 }
	return &cache{ordering: ordering, tree: btree.NewG(32, less), onCache: onCache}
}

func (c *cache) put(rec *indexRecord) {
	c.tree.ReplaceOrInsert(cacheEntry{key: rec.key, rec: rec})
	c.onCache(c.tree.Len())
}

func (c *cache) get(key []byte) (*indexRecord, bool) {
	item, ok := c.tree.Get(cacheEntry{key: key})
	if !ok {
		return nil, false
	}
	return item.rec, true
}

// floor returns the cached record with the greatest key <= key, if any.
func (c *cache) floor(key []byte) (*indexRecord, bool) {
	var found cacheEntry
	ok := false
	c.tree.DescendLessOrEqual(cacheEntry{key: key}, func(item cacheEntry) bool {
		found = item
		ok = true
		return false
	})
	if !ok {
		return nil, false
	}
	return found.rec, true
}

// ceiling returns the cached record with the least key >= key, if any.
func (c *cache) ceiling(key []byte) (*indexRecord, bool) {
	var found cacheEntry
	ok := false
	c.tree.AscendGreaterOrEqual(cacheEntry{key: key}, func(item cacheEntry) bool {
		found = item
		ok = true
		return false
	})
	if !ok {
		return nil, false
	}
	return found.rec, true
}

// adjacent reports whether b immediately follows a in the index block,
// i.e. a's nextIndexOffset lands exactly where b starts — used to decide
// whether a cached record can serve as a safe resume point without a gap
// of un-cached records between it and the walk's target.
func adjacent(a, b *indexRecord) bool {
	return a != nil && b != nil && a.nextOffset == b.selfOffset
}

func (c *cache) len() int { return c.tree.Len() }
