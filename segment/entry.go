package segment

import "time"

// Tag is the on-disk variant discriminator from the index-record wire
// format (§6).
type Tag uint8

const (
	TagPutV      Tag = 1
	TagPutNoV    Tag = 2
	TagUpdateV   Tag = 3
	TagUpdateNoV Tag = 4
	TagRemove    Tag = 5
	TagRange     Tag = 6
)

func (t Tag) hasValue() bool { return t == TagPutV || t == TagUpdateV }

// Kind is the entry-family discriminator exposed on the ReadOnly
// capability common to every variant.
type Kind uint8

const (
	KindPut Kind = iota
	KindUpdate
	KindRemove
	KindRange
)

// Deadline is an optional absolute expiry. The zero value is "none"
// (immortal).
type Deadline struct {
	millis int64
	set    bool
}

// NoDeadline returns the "none" deadline.
func NoDeadline() Deadline { return Deadline{} }

// DeadlineAt returns a deadline set to t.
func DeadlineAt(t time.Time) Deadline { return Deadline{millis: t.UnixMilli(), set: true} }

// DeadlineAtMillis returns a deadline set to the given unix-millis value.
// A value of zero is treated as "none", matching the wire format's
// convention (deadlineMillis varint; 0 = absent).
func DeadlineAtMillis(ms int64) Deadline {
	if ms == 0 {
		return Deadline{}
	}
	return Deadline{millis: ms, set: true}
}

// IsSet reports whether the deadline is present.
func (d Deadline) IsSet() bool { return d.set }

// Millis returns the unix-millis value; only meaningful when IsSet().
func (d Deadline) Millis() int64 { return d.millis }

// Time returns the deadline as a time.Time; only meaningful when IsSet().
func (d Deadline) Time() time.Time { return time.UnixMilli(d.millis) }

// Expired reports whether the deadline is present and not later than now.
func (d Deadline) Expired(now time.Time) bool {
	return d.set && d.millis <= now.UnixMilli()
}

// HasTimeLeftAtLeast reports whether d's remaining time-to-live from now is
// at least dur. An absent deadline always has infinite time left.
func (d Deadline) HasTimeLeftAtLeast(now time.Time, dur time.Duration) bool {
	if !d.set {
		return true
	}
	return d.millis-now.UnixMilli() >= dur.Milliseconds()
}

// MinDeadline returns the sooner of two optional deadlines, or "none" if
// both are absent.
func MinDeadline(a, b Deadline) Deadline {
	switch {
	case !a.set:
		return b
	case !b.set:
		return a
	case a.millis <= b.millis:
		return a
	default:
		return b
	}
}

// Entry is the ReadOnly capability common to Memory and Persistent
// variants: a key, an optional deadline, a kind discriminator, and a
// fetch-or-get value accessor.
type Entry interface {
	Key() []byte
	Deadline() Deadline
	Kind() Kind
	HasValue() bool
	// Value returns the materialized value, reading it from disk on demand
	// for Persistent variants. Returns (nil, nil) when HasValue() is false.
	Value() ([]byte, error)
}

// RangeEntry is a Range entry: Key() returns fromKey, Kind() is always
// KindRange.
type RangeEntry interface {
	Entry
	ToKey() []byte
	// FromValue is the optional Fixed value applying exactly at fromKey.
	FromValue() (Entry, bool)
	// RangeValue is the Fixed-shaped value applying across [fromKey, toKey).
	RangeValue() Entry
}

// AsRange type-asserts e to a RangeEntry, returning ok=false for Fixed
// entries.
func AsRange(e Entry) (RangeEntry, bool) {
	r, ok := e.(RangeEntry)
	return r, ok
}

// --- memory variants ---

type memEntry struct {
	key      []byte
	kind     Kind
	hasValue bool
	value    []byte
	deadline Deadline
}

func (e *memEntry) Key() []byte       { return e.key }
func (e *memEntry) Deadline() Deadline { return e.deadline }
func (e *memEntry) Kind() Kind         { return e.kind }
func (e *memEntry) HasValue() bool    { return e.hasValue }
func (e *memEntry) Value() ([]byte, error) {
	if !e.hasValue {
		return nil, nil
	}
	return e.value, nil
}

// NewMemPut returns an in-memory Put. value may be nil to mean "no value".
func NewMemPut(key, value []byte, hasValue bool, dl Deadline) Entry {
	return &memEntry{key: key, kind: KindPut, hasValue: hasValue, value: value, deadline: dl}
}

// NewMemUpdate returns an in-memory Update.
func NewMemUpdate(key, value []byte, hasValue bool, dl Deadline) Entry {
	return &memEntry{key: key, kind: KindUpdate, hasValue: hasValue, value: value, deadline: dl}
}

// NewMemRemove returns an in-memory Remove (tombstone), optionally carrying
// a pending-expiry deadline rather than an immediate delete.
func NewMemRemove(key []byte, dl Deadline) Entry {
	return &memEntry{key: key, kind: KindRemove, deadline: dl}
}

type memRange struct {
	fromKey    []byte
	toKey      []byte
	fromValue  Entry // nil if absent
	rangeValue Entry
}

func (e *memRange) Key() []byte        { return e.fromKey }
func (e *memRange) Deadline() Deadline { return e.rangeValue.Deadline() }
func (e *memRange) Kind() Kind         { return KindRange }
func (e *memRange) HasValue() bool     { return e.rangeValue.HasValue() }
func (e *memRange) Value() ([]byte, error) { return e.rangeValue.Value() }
func (e *memRange) ToKey() []byte      { return e.toKey }
func (e *memRange) FromValue() (Entry, bool) {
	if e.fromValue == nil {
		return nil, false
	}
	return e.fromValue, true
}
func (e *memRange) RangeValue() Entry { return e.rangeValue }

// NewMemRange returns an in-memory Range covering [fromKey, toKey).
// fromValue may be nil to mean "no value exactly at fromKey".
func NewMemRange(fromKey, toKey []byte, fromValue, rangeValue Entry) Entry {
	return &memRange{fromKey: fromKey, toKey: toKey, fromValue: fromValue, rangeValue: rangeValue}
}

// --- persistent variants: value materialized lazily from a FileHandle ---

type persistEntry struct {
	key         []byte
	kind        Kind
	deadline    Deadline
	hasValue    bool
	valueOffset int64
	valueLength int
	handle      FileHandle
}

func (e *persistEntry) Key() []byte        { return e.key }
func (e *persistEntry) Deadline() Deadline { return e.deadline }
func (e *persistEntry) Kind() Kind         { return e.kind }
func (e *persistEntry) HasValue() bool     { return e.hasValue }
func (e *persistEntry) Value() ([]byte, error) {
	if !e.hasValue {
		return nil, nil
	}
	return e.handle.Read(e.valueOffset, e.valueLength)
}

type persistRange struct {
	fromKey    []byte
	toKey      []byte
	fromValue  *persistEntry // nil if absent
	rangeValue *persistEntry
}

func (e *persistRange) Key() []byte        { return e.fromKey }
func (e *persistRange) Deadline() Deadline { return e.rangeValue.Deadline() }
func (e *persistRange) Kind() Kind         { return KindRange }
func (e *persistRange) HasValue() bool     { return e.rangeValue.HasValue() }
func (e *persistRange) Value() ([]byte, error) { return e.rangeValue.Value() }
func (e *persistRange) ToKey() []byte      { return e.toKey }
func (e *persistRange) FromValue() (Entry, bool) {
	if e.fromValue == nil {
		return nil, false
	}
	return e.fromValue, true
}
func (e *persistRange) RangeValue() Entry { return e.rangeValue }

// materializeToMemory copies a Persistent entry's value(s) into a Memory
// entry, used by the SegmentMerger when an entry must outlive its source
// segment's file handle.
func materializeToMemory(e Entry) (Entry, error) {
	if r, ok := AsRange(e); ok {
		fv, hasFrom := r.FromValue()
		var memFrom Entry
		if hasFrom {
			v, err := fv.Value()
			if err != nil {
				return nil, err
			}
			memFrom = &memEntry{key: r.Key(), kind: fv.Kind(), hasValue: fv.HasValue(), value: v, deadline: fv.Deadline()}
		}
		rv := r.RangeValue()
		v, err := rv.Value()
		if err != nil {
			return nil, err
		}
		memRangeVal := &memEntry{key: r.Key(), kind: rv.Kind(), hasValue: rv.HasValue(), value: v, deadline: rv.Deadline()}
		return &memRange{fromKey: r.Key(), toKey: r.ToKey(), fromValue: memFrom, rangeValue: memRangeVal}, nil
	}

	v, err := e.Value()
	if err != nil {
		return nil, err
	}
	return &memEntry{key: e.Key(), kind: e.Kind(), hasValue: e.HasValue(), value: v, deadline: e.Deadline()}, nil
}
