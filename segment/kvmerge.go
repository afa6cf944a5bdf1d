package segment

import "time"

// resolveFixed merges a new Fixed entry over an old Fixed entry sharing the
// same key, per the exhaustive Fixed×Fixed table (§4.7).
func resolveFixed(newE, oldE Entry, now time.Time, hasTimeLeftAtLeast func(Deadline) bool) Entry {
	switch newE.Kind() {
	case KindPut:
		return clonePut(newE)
	case KindUpdate:
		return resolveUpdate(newE, oldE)
	default: // KindRemove
		return resolveRemove(newE, oldE, now, hasTimeLeftAtLeast)
	}
}

func clonePut(e Entry) Entry {
	v, _ := e.Value()
	return NewMemPut(e.Key(), v, e.HasValue(), e.Deadline())
}

// resolveUpdate implements the "new = Update" row: a Put always wins
// outright over anything, so that case never reaches here (handled in
// resolveFixed); this only merges Update-over-Put, Update-over-Update, and
// Update-over-Remove.
func resolveUpdate(newE, oldE Entry) Entry {
	if oldE.Kind() == KindRemove {
		return NewMemRemove(oldE.Key(), oldE.Deadline())
	}

	nv, _ := newE.Value()
	ov, _ := oldE.Value()
	value, hasValue := ov, oldE.HasValue()
	if newE.HasValue() {
		value, hasValue = nv, true
	}

	if oldE.Kind() == KindUpdate {
		return NewMemUpdate(newE.Key(), value, hasValue, MinDeadline(newE.Deadline(), oldE.Deadline()))
	}

	// old is Put: effDeadline is new's deadline if set, else old's — this
	// also covers the "value-less, deadline-less Update" no-op case, which
	// falls out of the same rule (value=ov, effDeadline=d1).
	effDeadline := newE.Deadline()
	if !effDeadline.IsSet() {
		effDeadline = oldE.Deadline()
	}
	return NewMemPut(newE.Key(), value, hasValue, effDeadline)
}

// resolveRemove implements the "new = Remove(dr0)" row. hasTimeLeftAtLeast
// is the injected predicate from §6/§4.7 that decides whether dr0 carries
// enough runway to just accelerate the old entry's expiry rather than
// removing it outright.
func resolveRemove(newE, oldE Entry, now time.Time, hasTimeLeftAtLeast func(Deadline) bool) Entry {
	if oldE.Kind() == KindRemove {
		return NewMemRemove(oldE.Key(), MinDeadline(newE.Deadline(), oldE.Deadline()))
	}

	dr0 := newE.Deadline()
	d1 := oldE.Deadline()

	if !dr0.IsSet() {
		return NewMemRemove(oldE.Key(), NoDeadline())
	}
	if dr0.Expired(now) {
		return NewMemRemove(oldE.Key(), dr0)
	}
	if hasTimeLeftAtLeast == nil || !hasTimeLeftAtLeast(dr0) {
		return NewMemRemove(oldE.Key(), dr0)
	}

	v, _ := oldE.Value()
	effDeadline := MinDeadline(dr0, d1)
	if oldE.Kind() == KindUpdate {
		return NewMemUpdate(oldE.Key(), v, oldE.HasValue(), effDeadline)
	}
	return NewMemPut(oldE.Key(), v, oldE.HasValue(), effDeadline)
}

// resolveCollision merges newE and oldE, which share a colliding key; one
// or both may be a Range. A Range always dominates an overlapping Fixed
// entry — its effective per-key value is fromValue when present at fromKey,
// else rangeValue — but the merge still operates on that effective Fixed
// value through the same table, and the result keeps the Range's shape.
func resolveCollision(newE, oldE Entry, now time.Time, hasTimeLeftAtLeast func(Deadline) bool) Entry {
	if newR, ok := AsRange(newE); ok {
		effNew := newR.RangeValue()
		if fv, has := newR.FromValue(); has {
			effNew = fv
		}
		resolved := resolveFixed(effNew, oldE, now, hasTimeLeftAtLeast)
		return NewMemRange(newR.Key(), newR.ToKey(), resolved, newR.RangeValue())
	}
	if oldR, ok := AsRange(oldE); ok {
		effOld := oldR.RangeValue()
		if fv, has := oldR.FromValue(); has {
			effOld = fv
		}
		resolved := resolveFixed(newE, effOld, now, hasTimeLeftAtLeast)
		return NewMemRange(oldR.Key(), oldR.ToKey(), resolved, oldR.RangeValue())
	}
	return resolveFixed(newE, oldE, now, hasTimeLeftAtLeast)
}

// retarget rewraps a Fixed-shaped entry — typically a Range's rangeValue,
// whose own Key() is the range's fromKey — under a different key, so it can
// stand in for "the value at this specific key" when a Range is expanded
// across every key its span covers.
func retarget(e Entry, key []byte) Entry {
	v, _ := e.Value()
	switch e.Kind() {
	case KindPut:
		return NewMemPut(key, v, e.HasValue(), e.Deadline())
	case KindUpdate:
		return NewMemUpdate(key, v, e.HasValue(), e.Deadline())
	default:
		return NewMemRemove(key, e.Deadline())
	}
}

// dropOnLastLevel reports whether a Fixed-shaped entry has nothing left to
// resolve into once there is no level below it to fall back on.
func dropOnLastLevel(e Entry, now time.Time) bool {
	switch e.Kind() {
	case KindRemove:
		return !e.Deadline().IsSet()
	case KindUpdate:
		return true
	case KindPut:
		return e.Deadline().IsSet() && e.Deadline().Expired(now)
	default:
		return false
	}
}

// applyLastLevelPolicy drops entries (or Range sub-values) that can no
// longer resolve to anything meaningful once isLastLevel is true (§4.7).
func applyLastLevelPolicy(e Entry, isLastLevel bool, now time.Time) (Entry, bool) {
	if !isLastLevel {
		return e, true
	}
	if r, ok := AsRange(e); ok {
		if dropOnLastLevel(r.RangeValue(), now) {
			return nil, false
		}
		if fv, hasFrom := r.FromValue(); hasFrom && dropOnLastLevel(fv, now) {
			return NewMemRange(r.Key(), r.ToKey(), nil, r.RangeValue()), true
		}
		return e, true
	}
	if dropOnLastLevel(e, now) {
		return nil, false
	}
	return e, true
}
