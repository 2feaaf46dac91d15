package partmap

import "sort"

// Interval is a half-open byte range [Start, End).
type Interval struct {
	Start int64
	End   int64
}

// Ranges is a sorted, non-overlapping, coalesced set of durably-written
// byte intervals — the in-memory structure a PartMap persists and a
// Scheduler consults to turn "what's left" into the fresh Pending set.
type Ranges struct {
	items []Interval
}

// NewRanges creates an empty set.
func NewRanges() *Ranges {
	return &Ranges{}
}

// Insert records [start, end) as covered, absorbing and coalescing any
// interval it touches or overlaps in place.
func (r *Ranges) Insert(start, end int64) {
	if start >= end {
		return
	}

	// lo..hi is the run of existing intervals [start,end) touches: every
	// interval whose End reaches at least start, up to the first whose
	// Start lands past end.
	lo := sort.Search(len(r.items), func(i int) bool { return r.items[i].End >= start })
	hi := lo
	for hi < len(r.items) && r.items[hi].Start <= end {
		if r.items[hi].Start < start {
			start = r.items[hi].Start
		}
		if r.items[hi].End > end {
			end = r.items[hi].End
		}
		hi++
	}

	switch absorbed := hi - lo; {
	case absorbed == 1:
		r.items[lo] = Interval{Start: start, End: end}
	case absorbed == 0:
		r.items = append(r.items, Interval{})
		copy(r.items[lo+1:], r.items[lo:])
		r.items[lo] = Interval{Start: start, End: end}
	default:
		r.items[lo] = Interval{Start: start, End: end}
		r.items = append(r.items[:lo+1], r.items[hi:]...)
	}
}

// Present reports whether every byte of [start, end) already lands inside
// a single recorded interval. Intervals never overlap, so at most one
// candidate — the rightmost whose Start doesn't exceed start — can cover it.
func (r *Ranges) Present(start, end int64) bool {
	if start >= end {
		return true
	}
	idx := sort.Search(len(r.items), func(i int) bool { return r.items[i].Start > start }) - 1
	if idx < 0 {
		return false
	}
	return r.items[idx].End >= end
}

// FindMissing walks the recorded intervals once and collects every gap
// inside [start, end) not yet covered.
func (r *Ranges) FindMissing(start, end int64) []Interval {
	if start >= end {
		return nil
	}

	var gaps []Interval
	cursor := start
	for _, iv := range r.items {
		if iv.End <= cursor {
			continue
		}
		if iv.Start >= end {
			break
		}
		if iv.Start > cursor {
			gaps = append(gaps, Interval{Start: cursor, End: iv.Start})
		}
		if iv.End > cursor {
			cursor = iv.End
		}
	}
	if cursor < end {
		gaps = append(gaps, Interval{Start: cursor, End: end})
	}
	return gaps
}

// Size totals the bytes covered across every recorded interval.
func (r *Ranges) Size() int64 {
	var total int64
	for _, iv := range r.items {
		total += iv.End - iv.Start
	}
	return total
}

// Count reports how many disjoint intervals are currently recorded.
func (r *Ranges) Count() int {
	return len(r.items)
}

// Items hands back a defensive copy of the recorded intervals, in order,
// for the PartMap encoder to serialize.
func (r *Ranges) Items() []Interval {
	out := make([]Interval, len(r.items))
	copy(out, r.items)
	return out
}

// FromItems replaces the contents wholesale with a copy of items. No
// sorting or coalescing happens here, so items must already be sorted and
// disjoint (as Items returns them).
func (r *Ranges) FromItems(items []Interval) {
	r.items = make([]Interval, len(items))
	copy(r.items, items)
}
