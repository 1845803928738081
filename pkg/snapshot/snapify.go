// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
)

// SnapifyMode selects the canonicalization target.
type SnapifyMode int

const (
	// MakeMode prepares a snapshot for the making pipeline: the code
	// page is padded with trap instructions so a runaway execution
	// faults instead of sliding into unmapped memory.
	MakeMode SnapifyMode = iota
	// RunMode prepares a fully made snapshot for replay.
	RunMode
)

// SnapifyOptions key the canonicalization by architecture and mode.
type SnapifyOptions struct {
	Arch arch.Arch
	Mode SnapifyMode
}

// V2InputMakeOpts returns the options used before driving the runner
// in make mode.
func V2InputMakeOpts(a arch.Arch) SnapifyOptions {
	return SnapifyOptions{Arch: a, Mode: MakeMode}
}

// V2InputRunOpts returns the options used before replaying a made
// snapshot.
func V2InputRunOpts(a arch.Arch) SnapifyOptions {
	return SnapifyOptions{Arch: a, Mode: RunMode}
}

// trapFill is the byte that, repeated, encodes a trapping instruction
// stream: INT3 on x86_64, and on aarch64 the all-zero word decodes as
// udf #0.
func trapFill(a arch.Arch) byte {
	if a == arch.AArch64 {
		return 0x00
	}
	return 0xCC
}

// Snapify canonicalizes a snapshot: deep-copies it, sorts and merges
// its memory byte runs, pads the executable mapping with trap
// instructions in make mode, and validates completeness for the mode.
func Snapify(s *Snapshot, opts SnapifyOptions) (*Snapshot, error) {
	if s.Arch() != opts.Arch {
		return nil, fmt.Errorf("snapify options are %v, snapshot is %v", opts.Arch, s.Arch())
	}
	cp := s.Copy()
	cp.memoryBytes = mem.SortAndMergeBytes(cp.memoryBytes)

	if opts.Mode == MakeMode {
		if err := padExecutableMapping(cp); err != nil {
			return nil, err
		}
		cp.memoryBytes = mem.SortAndMergeBytes(cp.memoryBytes)
	}

	mode := NormalState
	if opts.Mode == MakeMode {
		mode = UndefinedEndState
	}
	if err := cp.IsComplete(mode); err != nil {
		return nil, err
	}
	return cp, nil
}

// padExecutableMapping fills the uncovered tail of every executable
// mapping with the trap byte.
func padExecutableMapping(s *Snapshot) error {
	fill := trapFill(s.Arch())
	for _, m := range s.mappings {
		if !m.Perms().Has(mem.PermX) {
			continue
		}
		var uncovered mem.ByteSet
		uncovered.Add(m.Start(), m.Limit())
		for _, b := range s.memoryBytes {
			if b.Start() < m.Limit() && m.Start() < b.Limit() {
				lo, hi := max(b.Start(), m.Start()), min(b.Limit(), m.Limit())
				uncovered.Remove(lo, hi)
			}
		}
		var err error
		uncovered.Iterate(func(start, limit uint64) {
			if err != nil {
				return
			}
			pad, mkErr := mem.MakeRepeatingBytes(start, limit-start, fill)
			if mkErr != nil {
				err = mkErr
				return
			}
			err = s.AddMemoryBytes(pad)
		})
		if err != nil {
			return fmt.Errorf("failed to pad executable mapping %v: %w", m, err)
		}
	}
	return nil
}
