// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"unsafe"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
)

// builder accumulates the corpus image. All structs are laid out with
// natural alignment; every recorded offset is from the file start.
type builder struct {
	buf []byte
}

func (b *builder) align(n int) {
	for len(b.buf)%n != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *builder) reserve(n int) uint64 {
	off := uint64(len(b.buf))
	b.buf = append(b.buf, make([]byte, n)...)
	return off
}

func appendStruct[T any](b *builder, v *T) uint64 {
	b.align(int(unsafe.Alignof(*v)))
	off := uint64(len(b.buf))
	b.buf = append(b.buf, unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))...)
	return off
}

// Write serializes snaps into the relocatable corpus format. The
// result is padded to a page multiple and ready for Relocate.
func Write(snaps []*snapshot.Snapshot) ([]byte, error) {
	b := &builder{}
	b.reserve(int(corpusTypeSize))
	slotsOff := b.reserve(8 * len(snaps))

	for i, s := range snaps {
		snapOff, err := writeSnap(b, s)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize snapshot %v: %w", s.ID(), err)
		}
		slot := (*uint64)(unsafe.Pointer(&b.buf[slotsOff+uint64(i)*8]))
		*slot = snapOff
	}

	b.align(arch.PageSize)
	hdr := (*Corpus)(unsafe.Pointer(&b.buf[0]))
	hdr.Magic = CorpusMagic
	hdr.CorpusTypeSize = corpusTypeSize
	hdr.SnapTypeSize = snapTypeSize
	hdr.RegisterStateTypeSize = registerStateTypeSize
	hdr.Snaps = Array{Size: uint64(len(snaps)), Elements: slotsOff}
	if len(snaps) == 0 {
		hdr.Snaps.Elements = 0
	}
	return b.buf, nil
}

// WriteFile serializes snaps to path.
func WriteFile(path string, snaps []*snapshot.Snapshot) error {
	data, err := Write(snaps)
	if err != nil {
		return err
	}
	return osutil.WriteFile(path, data)
}

func writeSnap(b *builder, s *snapshot.Snapshot) (uint64, error) {
	if s.Registers() == nil {
		return 0, fmt.Errorf("no register state")
	}
	endStates := s.ExpectedEndStates()
	if len(endStates) == 0 {
		return 0, fmt.Errorf("no expected end state")
	}
	es := endStates[0]

	idOff := uint64(len(b.buf))
	b.buf = append(b.buf, s.ID()...)
	b.buf = append(b.buf, 0)

	var snap Snap
	snap.ID = idOff
	snap.MemoryMappings = writeMappings(b, s.MemoryMappings())

	var err error
	if snap.MemoryBytes, err = writeMemoryBytes(b, s.MemoryBytes()); err != nil {
		return 0, err
	}
	if snap.EndStateMemoryBytes, err = writeMemoryBytes(b, es.MemoryBytes()); err != nil {
		return 0, err
	}

	regs := corpusRegisters(s.Registers())
	snap.Registers = appendStruct(b, &regs)

	endRegs, err := endStateRegisters(s, &es)
	if err != nil {
		return 0, err
	}
	snap.EndStateRegisters = appendStruct(b, endRegs)

	return appendStruct(b, &snap), nil
}

func writeMappings(b *builder, mappings []mem.Mapping) Array {
	if len(mappings) == 0 {
		return Array{}
	}
	b.align(8)
	arr := Array{Size: uint64(len(mappings)), Elements: uint64(len(b.buf))}
	for _, m := range mappings {
		mm := MemoryMapping{
			StartAddress: m.Start(),
			NumBytes:     m.NumBytes(),
			Perms:        uint32(m.Perms()),
		}
		appendStruct(b, &mm)
	}
	return arr
}

func writeMemoryBytes(b *builder, runs []mem.Bytes) (Array, error) {
	if len(runs) == 0 {
		return Array{}, nil
	}
	// Literal contents go first so the entry structs can point at them.
	valueOffs := make([]uint64, len(runs))
	for i, run := range runs {
		if run.Repeating() {
			continue
		}
		valueOffs[i] = uint64(len(b.buf))
		b.buf = append(b.buf, run.Values()...)
	}
	b.align(8)
	arr := Array{Size: uint64(len(runs)), Elements: uint64(len(b.buf))}
	for i, run := range runs {
		entry := MemoryBytes{
			Start: run.Start(),
			Size:  run.NumBytes(),
		}
		if run.Repeating() {
			entry.Flags = memoryBytesRepeating
			entry.Fill = uint64(run.Fill())
		} else {
			entry.ByteValues = Array{Size: run.NumBytes(), Elements: valueOffs[i]}
		}
		appendStruct(b, &entry)
	}
	return arr, nil
}

func corpusRegisters(rs *snapshot.RegisterState) RegisterState {
	out := RegisterState{Arch: archTagX86_64}
	if rs.Arch() == arch.AArch64 {
		out.Arch = archTagAArch64
	}
	copy(out.GRegs[:], rs.GRegs())
	copy(out.FPRegs[:], rs.FPRegs())
	return out
}

// endStateRegisters produces the end state register bank. For the
// undefined end state sentinel a zeroed bank with the instruction
// pointer at the endpoint address stands in, so the runner still has
// a concrete stop address.
func endStateRegisters(s *snapshot.Snapshot, es *snapshot.EndState) (*RegisterState, error) {
	if regs := es.Registers(); regs != nil {
		out := corpusRegisters(regs)
		return &out, nil
	}
	ep := es.Endpoint()
	if ep.Kind() != snapshot.InstructionEndpoint {
		return nil, fmt.Errorf("undefined end state with a signal endpoint")
	}
	var regs *snapshot.RegisterState
	switch s.Arch() {
	case arch.AArch64:
		u := snapshot.AArch64Regs{PC: ep.InstructionAddress()}
		regs = u.ToRegisterState()
	default:
		u := snapshot.X86_64Regs{RIP: ep.InstructionAddress()}
		regs = u.ToRegisterState()
	}
	out := corpusRegisters(regs)
	return &out, nil
}
