// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mem

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
)

// Mapping is a page-aligned half-open address range [Start, Limit)
// with a permission set. The range never wraps the address space and
// never has zero size.
type Mapping struct {
	start uint64
	limit uint64
	perms Perms
}

// IsPageAligned reports whether addr is a multiple of the page size.
func IsPageAligned(addr uint64) bool {
	return addr%arch.PageSize == 0
}

// RoundUpToPage rounds addr up to the next page boundary.
// Panics if the rounding overflows the address space.
func RoundUpToPage(addr uint64) uint64 {
	rounded := (addr + arch.PageSize - 1) &^ uint64(arch.PageSize-1)
	if rounded < addr {
		panic(fmt.Sprintf("address 0x%x overflows when rounded up", addr))
	}
	return rounded
}

// RoundDownToPage rounds addr down to the previous page boundary.
func RoundDownToPage(addr uint64) uint64 {
	return addr &^ uint64(arch.PageSize - 1)
}

// CanMakeRanged reports whether MakeRanged would accept [start, limit).
func CanMakeRanged(start, limit uint64) bool {
	return start < limit && IsPageAligned(start) && IsPageAligned(limit)
}

// MakeRanged makes a mapping for [start, limit). Both bounds must be
// page-aligned and the range must be non-empty.
func MakeRanged(start, limit uint64, perms Perms) (Mapping, error) {
	if !CanMakeRanged(start, limit) {
		return Mapping{}, fmt.Errorf("invalid mapping range [0x%x, 0x%x)", start, limit)
	}
	return Mapping{start: start, limit: limit, perms: perms}, nil
}

// MustMakeRanged is like MakeRanged but panics on invalid ranges.
// For statically known ranges.
func MustMakeRanged(start, limit uint64, perms Perms) Mapping {
	m, err := MakeRanged(start, limit, perms)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Mapping) Start() uint64 { return m.start }
func (m Mapping) Limit() uint64 { return m.limit }
func (m Mapping) NumBytes() uint64 {
	return m.limit - m.start
}
func (m Mapping) NumPages() uint64 {
	return m.NumBytes() / arch.PageSize
}
func (m Mapping) Perms() Perms { return m.perms }

// SetPerms replaces the mapping's permission set.
func (m *Mapping) SetPerms(perms Perms) {
	m.perms = perms
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.start && addr < m.limit
}

// Overlaps reports whether the two mappings share any address.
func (m Mapping) Overlaps(other Mapping) bool {
	return m.start < other.limit && other.start < m.limit
}

func (m Mapping) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) %v", m.start, m.limit, m.perms)
}
