// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mem

// ReservedMappings is the set of address ranges snapshots must never
// map: ranges the runner occupies itself or that the kernel treats
// specially. Mapping over these would corrupt the runner or fail.
type ReservedMappings struct {
	ranges []Mapping
}

// Overlaps reports whether [start, limit) intersects any reserved range.
func (r *ReservedMappings) Overlaps(start, limit uint64) bool {
	for _, m := range r.ranges {
		if start < m.Limit() && m.Start() < limit {
			return true
		}
	}
	return false
}

// OverlapsMapping reports whether m intersects any reserved range.
func (r *ReservedMappings) OverlapsMapping(m Mapping) bool {
	return r.Overlaps(m.Start(), m.Limit())
}

var reserved = &ReservedMappings{
	ranges: []Mapping{
		// Null page guard. Kernels refuse low mappings (mmap_min_addr).
		MustMakeRanged(0, 0x10000, NoPerms),
		// Address range the runner binary itself is linked at.
		MustMakeRanged(0x32300000, 0x34000000, NoPerms),
		// Runner stack, vdso and kernel-reserved top of the address space.
		MustMakeRanged(0x7fff00000000, 0x800000000000, NoPerms),
	},
}

// ReservedMemoryMappings returns the process-wide reserved range set.
func ReservedMemoryMappings() *ReservedMappings {
	return reserved
}
