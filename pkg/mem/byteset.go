// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mem

import (
	"fmt"
	"sort"
)

// ByteSet is a set of addresses stored as sorted disjoint half-open
// intervals. The zero value is an empty set.
type ByteSet struct {
	intervals []interval
}

type interval struct {
	start, limit uint64
}

// Add inserts [start, limit) into the set.
func (s *ByteSet) Add(start, limit uint64) {
	if start >= limit {
		panic(fmt.Sprintf("invalid interval [0x%x, 0x%x)", start, limit))
	}
	// Find the run of existing intervals that touch or overlap [start, limit)
	// and coalesce them into one.
	i := sort.Search(len(s.intervals), func(i int) bool {
		return s.intervals[i].limit >= start
	})
	j := i
	for j < len(s.intervals) && s.intervals[j].start <= limit {
		if s.intervals[j].start < start {
			start = s.intervals[j].start
		}
		if s.intervals[j].limit > limit {
			limit = s.intervals[j].limit
		}
		j++
	}
	out := append([]interval(nil), s.intervals[:i]...)
	out = append(out, interval{start, limit})
	out = append(out, s.intervals[j:]...)
	s.intervals = out
}

// Remove deletes [start, limit) from the set.
func (s *ByteSet) Remove(start, limit uint64) {
	if start >= limit {
		panic(fmt.Sprintf("invalid interval [0x%x, 0x%x)", start, limit))
	}
	var out []interval
	for _, iv := range s.intervals {
		if iv.limit <= start || iv.start >= limit {
			out = append(out, iv)
			continue
		}
		if iv.start < start {
			out = append(out, interval{iv.start, start})
		}
		if iv.limit > limit {
			out = append(out, interval{limit, iv.limit})
		}
	}
	s.intervals = out
}

// Contains reports whether addr is in the set.
func (s *ByteSet) Contains(addr uint64) bool {
	i := sort.Search(len(s.intervals), func(i int) bool {
		return s.intervals[i].limit > addr
	})
	return i < len(s.intervals) && s.intervals[i].start <= addr
}

// Empty reports whether the set contains no addresses.
func (s *ByteSet) Empty() bool {
	return len(s.intervals) == 0
}

// NumBytes returns the total number of addresses in the set.
func (s *ByteSet) NumBytes() uint64 {
	var n uint64
	for _, iv := range s.intervals {
		n += iv.limit - iv.start
	}
	return n
}

// Iterate calls fn for each disjoint interval in ascending order.
func (s *ByteSet) Iterate(fn func(start, limit uint64)) {
	for _, iv := range s.intervals {
		fn(iv.start, iv.limit)
	}
}

// Copy returns an independent copy of the set.
func (s *ByteSet) Copy() ByteSet {
	return ByteSet{intervals: append([]interval(nil), s.intervals...)}
}
