package segment

import (
	"testing"
	"time"
)

func TestDeadlineExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	tests := []struct {
		name string
		d    Deadline
		want bool
	}{
		{"none", NoDeadline(), false},
		{"future", DeadlineAt(now.Add(time.Hour)), false},
		{"past", DeadlineAt(now.Add(-time.Hour)), true},
		{"exactly now", DeadlineAt(now), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeadlineAtMillisZeroIsNone(t *testing.T) {
	d := DeadlineAtMillis(0)
	if d.IsSet() {
		t.Fatalf("DeadlineAtMillis(0) should be unset")
	}
	d2 := DeadlineAtMillis(123)
	if !d2.IsSet() || d2.Millis() != 123 {
		t.Fatalf("DeadlineAtMillis(123) = %+v", d2)
	}
}

func TestHasTimeLeftAtLeast(t *testing.T) {
	now := time.Unix(1000, 0)
	none := NoDeadline()
	if !none.HasTimeLeftAtLeast(now, 24*time.Hour) {
		t.Fatalf("unset deadline should always have time left")
	}

	soon := DeadlineAt(now.Add(time.Second))
	if soon.HasTimeLeftAtLeast(now, time.Minute) {
		t.Fatalf("1s-away deadline should not satisfy a 1m requirement")
	}
	if !soon.HasTimeLeftAtLeast(now, 500*time.Millisecond) {
		t.Fatalf("1s-away deadline should satisfy a 500ms requirement")
	}
}

func TestMinDeadline(t *testing.T) {
	a := DeadlineAtMillis(100)
	b := DeadlineAtMillis(200)
	none := NoDeadline()

	if got := MinDeadline(a, b); got.Millis() != 100 {
		t.Errorf("MinDeadline(100,200) = %v", got.Millis())
	}
	if got := MinDeadline(b, a); got.Millis() != 100 {
		t.Errorf("MinDeadline(200,100) = %v", got.Millis())
	}
	if got := MinDeadline(none, a); got.Millis() != 100 {
		t.Errorf("MinDeadline(none,100) = %v", got.Millis())
	}
	if got := MinDeadline(a, none); got.Millis() != 100 {
		t.Errorf("MinDeadline(100,none) = %v", got.Millis())
	}
	if got := MinDeadline(none, none); got.IsSet() {
		t.Errorf("MinDeadline(none,none) should be unset")
	}
}

func TestMemEntryRoundTrip(t *testing.T) {
	e := NewMemPut([]byte("k"), []byte("v"), true, DeadlineAtMillis(42))
	if e.Kind() != KindPut {
		t.Fatalf("Kind() = %v", e.Kind())
	}
	if string(e.Key()) != "k" {
		t.Fatalf("Key() = %q", e.Key())
	}
	v, err := e.Value()
	if err != nil || string(v) != "v" {
		t.Fatalf("Value() = %q, %v", v, err)
	}
	if !e.HasValue() {
		t.Fatalf("HasValue() should be true")
	}
	if e.Deadline().Millis() != 42 {
		t.Fatalf("Deadline() = %v", e.Deadline())
	}
}

func TestMemEntryNoValue(t *testing.T) {
	e := NewMemRemove([]byte("k"), NoDeadline())
	if e.HasValue() {
		t.Fatalf("Remove should have no value")
	}
	v, err := e.Value()
	if err != nil || v != nil {
		t.Fatalf("Value() on no-value entry = %v, %v", v, err)
	}
}

func TestMemRangeAsRange(t *testing.T) {
	from := NewMemPut([]byte("a"), []byte("fv"), true, NoDeadline())
	rangeVal := NewMemPut([]byte("a"), []byte("rv"), true, NoDeadline())
	e := NewMemRange([]byte("a"), []byte("z"), from, rangeVal)

	if e.Kind() != KindRange {
		t.Fatalf("Kind() = %v", e.Kind())
	}
	r, ok := AsRange(e)
	if !ok {
		t.Fatalf("AsRange() failed on a Range entry")
	}
	if string(r.ToKey()) != "z" {
		t.Fatalf("ToKey() = %q", r.ToKey())
	}
	fv, has := r.FromValue()
	if !has || fv != from {
		t.Fatalf("FromValue() = %v, %v", fv, has)
	}
	if r.RangeValue() != rangeVal {
		t.Fatalf("RangeValue() mismatch")
	}
}

func TestMemRangeNoFromValue(t *testing.T) {
	rangeVal := NewMemPut([]byte("a"), []byte("rv"), true, NoDeadline())
	e := NewMemRange([]byte("a"), []byte("z"), nil, rangeVal)
	r, _ := AsRange(e)
	if _, has := r.FromValue(); has {
		t.Fatalf("FromValue() should report absent")
	}
}

func TestAsRangeOnFixedEntry(t *testing.T) {
	e := NewMemPut([]byte("k"), []byte("v"), true, NoDeadline())
	if _, ok := AsRange(e); ok {
		t.Fatalf("AsRange() should fail on a Fixed entry")
	}
}

func TestMaterializeToMemoryFixed(t *testing.T) {
	h := NewMemoryHandle("mem", []byte("hello"))
	persisted := &persistEntry{key: []byte("k"), kind: KindPut, hasValue: true, valueOffset: 0, valueLength: 5, handle: h}

	mem, err := materializeToMemory(persisted)
	if err != nil {
		t.Fatalf("materializeToMemory: %v", err)
	}
	v, err := mem.Value()
	if err != nil || string(v) != "hello" {
		t.Fatalf("materialized Value() = %q, %v", v, err)
	}

	// closing the source handle must not affect the materialized copy.
	_ = h.Close()
	v2, err := mem.Value()
	if err != nil || string(v2) != "hello" {
		t.Fatalf("materialized entry should survive source handle close: %q, %v", v2, err)
	}
}

func TestMaterializeToMemoryRange(t *testing.T) {
	h := NewMemoryHandle("mem", []byte("FROMRANGEVAL"))
	fv := &persistEntry{key: []byte("a"), kind: KindPut, hasValue: true, valueOffset: 0, valueLength: 4, handle: h}
	rv := &persistEntry{key: []byte("a"), kind: KindPut, hasValue: true, valueOffset: 4, valueLength: 8, handle: h}
	r := &persistRange{fromKey: []byte("a"), toKey: []byte("z"), fromValue: fv, rangeValue: rv}

	mem, err := materializeToMemory(r)
	if err != nil {
		t.Fatalf("materializeToMemory: %v", err)
	}
	mr, ok := AsRange(mem)
	if !ok {
		t.Fatalf("materialized Range lost its RangeEntry shape")
	}
	memFrom, has := mr.FromValue()
	if !has {
		t.Fatalf("materialized Range lost fromValue")
	}
	fvv, _ := memFrom.Value()
	if string(fvv) != "FROM" {
		t.Fatalf("fromValue = %q", fvv)
	}
	rvv, _ := mr.RangeValue().Value()
	if string(rvv) != "RANGEVAL" {
		t.Fatalf("rangeValue = %q", rvv)
	}
}
