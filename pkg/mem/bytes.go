// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mem

import (
	"bytes"
	"fmt"
)

// Bytes is a run of memory contents at a fixed address. The contents
// are either a literal byte string or a fill byte repeated a given
// number of times. The run is never empty.
type Bytes struct {
	start     uint64
	numBytes  uint64
	repeating bool
	fill      byte
	values    []byte
}

// MakeBytes makes a literal-content run starting at start.
func MakeBytes(start uint64, values []byte) (Bytes, error) {
	if len(values) == 0 {
		return Bytes{}, fmt.Errorf("empty byte run at 0x%x", start)
	}
	if start+uint64(len(values)) < start {
		return Bytes{}, fmt.Errorf("byte run at 0x%x wraps the address space", start)
	}
	return Bytes{
		start:    start,
		numBytes: uint64(len(values)),
		values:   append([]byte(nil), values...),
	}, nil
}

// MakeRepeatingBytes makes a run of numBytes copies of fill at start.
func MakeRepeatingBytes(start, numBytes uint64, fill byte) (Bytes, error) {
	if numBytes == 0 {
		return Bytes{}, fmt.Errorf("empty byte run at 0x%x", start)
	}
	if start+numBytes < start {
		return Bytes{}, fmt.Errorf("byte run at 0x%x wraps the address space", start)
	}
	return Bytes{
		start:     start,
		numBytes:  numBytes,
		repeating: true,
		fill:      fill,
	}, nil
}

func (b Bytes) Start() uint64    { return b.start }
func (b Bytes) Limit() uint64    { return b.start + b.numBytes }
func (b Bytes) NumBytes() uint64 { return b.numBytes }
func (b Bytes) Repeating() bool  { return b.repeating }
func (b Bytes) Fill() byte       { return b.fill }

// Values materializes the contents as a byte slice.
// For repeating runs this allocates numBytes bytes.
func (b Bytes) Values() []byte {
	if b.repeating {
		return bytes.Repeat([]byte{b.fill}, int(b.numBytes))
	}
	return append([]byte(nil), b.values...)
}

// Overlaps reports whether the two runs share any address.
func (b Bytes) Overlaps(other Bytes) bool {
	return b.start < other.Limit() && other.start < b.Limit()
}

// Adjacent reports whether other starts exactly where b ends.
func (b Bytes) Adjacent(other Bytes) bool {
	return b.Limit() == other.start
}

// CanMerge reports whether b and other form one contiguous run that
// keeps the same representation.
func (b Bytes) CanMerge(other Bytes) bool {
	if !b.Adjacent(other) {
		return false
	}
	if b.repeating != other.repeating {
		return false
	}
	if b.repeating && b.fill != other.fill {
		return false
	}
	return true
}

// Merge returns the concatenation of b and other.
// Callers must check CanMerge first.
func (b Bytes) Merge(other Bytes) Bytes {
	if !b.CanMerge(other) {
		panic(fmt.Sprintf("cannot merge byte runs at 0x%x and 0x%x", b.start, other.start))
	}
	merged := b
	merged.numBytes += other.numBytes
	if !b.repeating {
		merged.values = append(append([]byte(nil), b.values...), other.values...)
	}
	return merged
}

func (b Bytes) Copy() Bytes {
	cp := b
	cp.values = append([]byte(nil), b.values...)
	return cp
}

func (b Bytes) String() string {
	if b.repeating {
		return fmt.Sprintf("[0x%x, 0x%x) fill 0x%02x", b.start, b.Limit(), b.fill)
	}
	return fmt.Sprintf("[0x%x, 0x%x) %v bytes", b.start, b.Limit(), b.numBytes)
}

// SortAndMergeBytes normalizes a list of non-overlapping runs: sorts by
// start address and merges adjacent runs with compatible representation.
func SortAndMergeBytes(list []Bytes) []Bytes {
	if len(list) == 0 {
		return nil
	}
	sorted := append([]Bytes(nil), list...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].start < sorted[j-1].start; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	merged := sorted[:1]
	for _, b := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.CanMerge(b) {
			*last = last.Merge(b)
		} else {
			merged = append(merged, b)
		}
	}
	return merged
}
