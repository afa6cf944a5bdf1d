package segment

import "bytes"

// Ordering compares two keys, returning <0, 0, or >0 the way bytes.Compare
// does. The core never assumes lexicographic order internally — every
// Segment and SegmentMerger call takes an Ordering so callers can inject a
// different total order.
type Ordering func(a, b []byte) int

// DefaultOrdering is unsigned lexicographic comparison, matching the wire
// format's key-common-prefix compression (which only makes sense under a
// prefix-respecting order).
func DefaultOrdering(a, b []byte) int { return bytes.Compare(a, b) }
