// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package snapshot defines the in-memory snapshot model: a reproducible
// description of a short CPU execution as initial memory plus registers
// plus the expected state at the point where execution stops.
package snapshot

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/hash"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
)

// Snapshot is identified by a content-derived id (SHA-1 of the raw
// instruction bytes it was lifted from, see pkg/hash).
type Snapshot struct {
	id               string
	arch             arch.Arch
	mappings         []mem.Mapping
	negativeMappings []mem.Mapping
	memoryBytes      []mem.Bytes
	registers        *RegisterState
	endStates        []EndState
	traceData        []TraceData
}

// TraceData is metadata produced by the tracing stage: the dynamic
// instruction count and the joined disassembly listing, tagged with
// the platform it was captured on.
type TraceData struct {
	NumInstructions int
	Disassembly     string
	Platforms       []arch.PlatformID
}

func New(id string, a arch.Arch) (*Snapshot, error) {
	if !hash.ValidID(id) {
		return nil, fmt.Errorf("invalid snapshot id %q", id)
	}
	if a != arch.X86_64 && a != arch.AArch64 {
		return nil, fmt.Errorf("unsupported architecture %v", a)
	}
	return &Snapshot{id: id, arch: a}, nil
}

func (s *Snapshot) ID() string      { return s.id }
func (s *Snapshot) Arch() arch.Arch { return s.arch }

func (s *Snapshot) MemoryMappings() []mem.Mapping         { return s.mappings }
func (s *Snapshot) NegativeMemoryMappings() []mem.Mapping { return s.negativeMappings }
func (s *Snapshot) MemoryBytes() []mem.Bytes              { return s.memoryBytes }
func (s *Snapshot) Registers() *RegisterState             { return s.registers }
func (s *Snapshot) ExpectedEndStates() []EndState         { return s.endStates }
func (s *Snapshot) TraceData() []TraceData                { return s.traceData }

// NumPages returns the total page count across all memory mappings.
func (s *Snapshot) NumPages() uint64 {
	var n uint64
	for _, m := range s.mappings {
		n += m.NumPages()
	}
	return n
}

// CanAddMemoryMapping checks that m does not overlap existing mappings
// or the reserved ranges.
func (s *Snapshot) CanAddMemoryMapping(m mem.Mapping) error {
	for _, have := range s.mappings {
		if have.Overlaps(m) {
			return fmt.Errorf("mapping %v overlaps existing mapping %v", m, have)
		}
	}
	if mem.ReservedMemoryMappings().OverlapsMapping(m) {
		return fmt.Errorf("mapping %v overlaps reserved memory", m)
	}
	return nil
}

func (s *Snapshot) AddMemoryMapping(m mem.Mapping) error {
	if err := s.CanAddMemoryMapping(m); err != nil {
		return err
	}
	s.mappings = append(s.mappings, m)
	return nil
}

// CanAddNegativeMemoryMapping checks that m does not overlap positive
// mappings. Negative mappings may overlap each other.
func (s *Snapshot) CanAddNegativeMemoryMapping(m mem.Mapping) error {
	for _, have := range s.mappings {
		if have.Overlaps(m) {
			return fmt.Errorf("negative mapping %v overlaps mapping %v", m, have)
		}
	}
	return nil
}

func (s *Snapshot) AddNegativeMemoryMapping(m mem.Mapping) error {
	if err := s.CanAddNegativeMemoryMapping(m); err != nil {
		return err
	}
	s.negativeMappings = append(s.negativeMappings, m)
	return nil
}

func (s *Snapshot) ClearNegativeMemoryMappings() {
	s.negativeMappings = nil
}

// CanAddMemoryBytes checks that b lies fully inside the mapped ranges
// (it may span adjacent mappings) and does not overlap existing byte
// runs.
func (s *Snapshot) CanAddMemoryBytes(b mem.Bytes) error {
	if !s.mappedContains(b.Start(), b.Limit()) {
		return fmt.Errorf("memory bytes %v not contained in any mapping", b)
	}
	for _, have := range s.memoryBytes {
		if have.Overlaps(b) {
			return fmt.Errorf("memory bytes %v overlap existing %v", b, have)
		}
	}
	return nil
}

func (s *Snapshot) AddMemoryBytes(b mem.Bytes) error {
	if err := s.CanAddMemoryBytes(b); err != nil {
		return err
	}
	s.memoryBytes = append(s.memoryBytes, b)
	return nil
}

// mappedContains reports whether [start, limit) is covered by the
// mappings. A run may span several adjacent mappings.
func (s *Snapshot) mappedContains(start, limit uint64) bool {
	var set mem.ByteSet
	set.Add(start, limit)
	for _, m := range s.mappings {
		if m.Start() < limit && start < m.Limit() {
			lo, hi := max(start, m.Start()), min(limit, m.Limit())
			set.Remove(lo, hi)
		}
	}
	return set.Empty()
}

func (s *Snapshot) SetRegisters(r *RegisterState) error {
	if r.Arch() != s.arch {
		return fmt.Errorf("register state is %v, snapshot is %v", r.Arch(), s.arch)
	}
	s.registers = r
	return nil
}

// CanAddExpectedEndState validates es against the snapshot: its memory
// bytes must be covered by mappings and a complete end state must
// carry registers of the right architecture.
func (s *Snapshot) CanAddExpectedEndState(es EndState) error {
	for _, b := range es.MemoryBytes() {
		if !s.mappedContains(b.Start(), b.Limit()) {
			return fmt.Errorf("end state memory bytes %v not contained in any mapping", b)
		}
	}
	if regs := es.Registers(); regs != nil && regs.Arch() != s.arch {
		return fmt.Errorf("end state registers are %v, snapshot is %v", regs.Arch(), s.arch)
	}
	return nil
}

func (s *Snapshot) AddExpectedEndState(es EndState) error {
	if err := s.CanAddExpectedEndState(es); err != nil {
		return err
	}
	s.endStates = append(s.endStates, es)
	return nil
}

func (s *Snapshot) ClearExpectedEndStates() {
	s.endStates = nil
}

// AddNegativeMemoryMappingsFor records the page faulted by a SIGSEGV
// end state as memory that must stay unmapped when the snapshot plays.
func (s *Snapshot) AddNegativeMemoryMappingsFor(es EndState) error {
	ep := es.Endpoint()
	if ep.Kind() != SignalEndpoint || ep.SigNum() != SigSegv {
		return nil
	}
	switch ep.SigCause() {
	case SegvCantRead, SegvCantWrite, SegvCantExec:
	default:
		return nil
	}
	start := mem.RoundDownToPage(ep.SigAddress())
	m, err := mem.MakeRanged(start, start+arch.PageSize, mem.NoPerms)
	if err != nil {
		return err
	}
	return s.AddNegativeMemoryMapping(m)
}

func (s *Snapshot) SetTraceData(td []TraceData) {
	s.traceData = td
}

// CompletenessMode selects how strict IsComplete is.
type CompletenessMode int

const (
	// NormalState requires at least one fully recorded end state.
	NormalState CompletenessMode = iota
	// UndefinedEndState accepts the undefined end-state sentinel.
	UndefinedEndState
	// MakingState accepts a snapshot with no end states at all.
	MakingState
)

// IsComplete checks structural invariants: disjoint mappings, byte runs
// covered by mappings, registers present, and end states per mode.
func (s *Snapshot) IsComplete(mode CompletenessMode) error {
	if len(s.mappings) == 0 {
		return fmt.Errorf("snapshot %v has no memory mappings", s.id)
	}
	for i, a := range s.mappings {
		for _, b := range s.mappings[i+1:] {
			if a.Overlaps(b) {
				return fmt.Errorf("snapshot %v mappings %v and %v overlap", s.id, a, b)
			}
		}
	}
	for _, b := range s.memoryBytes {
		if !s.mappedContains(b.Start(), b.Limit()) {
			return fmt.Errorf("snapshot %v memory bytes %v not contained in any mapping", s.id, b)
		}
	}
	if s.registers == nil {
		return fmt.Errorf("snapshot %v has no register state", s.id)
	}
	if mode == MakingState {
		return nil
	}
	if len(s.endStates) == 0 {
		return fmt.Errorf("snapshot %v has no expected end states", s.id)
	}
	if mode == NormalState {
		for _, es := range s.endStates {
			if !es.IsComplete() {
				return fmt.Errorf("snapshot %v has an undefined end state", s.id)
			}
		}
	}
	return nil
}

// Copy returns an independent deep copy.
func (s *Snapshot) Copy() *Snapshot {
	cp := &Snapshot{
		id:               s.id,
		arch:             s.arch,
		mappings:         append([]mem.Mapping(nil), s.mappings...),
		negativeMappings: append([]mem.Mapping(nil), s.negativeMappings...),
	}
	for _, b := range s.memoryBytes {
		cp.memoryBytes = append(cp.memoryBytes, b.Copy())
	}
	if s.registers != nil {
		regs := s.registers.Copy()
		cp.registers = &regs
	}
	for _, es := range s.endStates {
		cp.endStates = append(cp.endStates, es.Copy())
	}
	for _, td := range s.traceData {
		cp.traceData = append(cp.traceData, TraceData{
			NumInstructions: td.NumInstructions,
			Disassembly:     td.Disassembly,
			Platforms:       append([]arch.PlatformID(nil), td.Platforms...),
		})
	}
	return cp
}
