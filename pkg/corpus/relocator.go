// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Error is the closed relocation error enum.
type Error int

const (
	Ok Error = iota
	EmptyCorpus
	OutOfBound
	Alignment
	BadData
	Mprotect
)

func (e Error) Error() string {
	switch e {
	case Ok:
		return "ok"
	case EmptyCorpus:
		return "empty corpus"
	case OutOfBound:
		return "offset out of bounds"
	case Alignment:
		return "misaligned offset"
	case BadData:
		return "bad corpus data"
	case Mprotect:
		return "mprotect failed"
	default:
		return "unknown relocation error"
	}
}

// relocator rewrites every offset-typed field in [start, limit) to a
// live pointer and validates each target. Single pass; no pointer is
// followed twice.
type relocator struct {
	data  []byte
	start uint64
	limit uint64
}

func newRelocator(data []byte) *relocator {
	start := uint64(uintptr(unsafe.Pointer(&data[0])))
	return &relocator{
		data:  data,
		start: start,
		limit: start + uint64(len(data)),
	}
}

// validate checks that a T at live address addr lies fully inside the
// mapping with natural alignment.
func validate[T any](r *relocator, addr uint64) Error {
	var t T
	size := uint64(unsafe.Sizeof(t))
	align := uint64(unsafe.Alignof(t))
	if addr < r.start || addr+size < addr || addr+size > r.limit {
		return OutOfBound
	}
	if addr%align != 0 {
		return Alignment
	}
	return Ok
}

// adjustPointer rewrites *p from a file offset to a live address and
// validates the target as a T.
func adjustPointer[T any](r *relocator, p *uint64) Error {
	addr := r.start + *p
	if addr < r.start {
		return OutOfBound
	}
	if err := validate[T](r, addr); err != Ok {
		return err
	}
	*p = addr
	return Ok
}

// adjustArray rewrites a counted array of T. Empty arrays get a null
// Elements pointer. The tail element is validated so a hostile Size
// cannot escape the mapping.
func adjustArray[T any](r *relocator, a *Array) Error {
	if a.Size == 0 {
		a.Elements = 0
		return Ok
	}
	var t T
	size := uint64(unsafe.Sizeof(t))
	if a.Size > uint64(len(r.data))/size {
		return OutOfBound
	}
	if err := adjustPointer[T](r, &a.Elements); err != Ok {
		return err
	}
	last := a.Elements + (a.Size-1)*size
	return validate[T](r, last)
}

func (r *relocator) relocateMemoryBytesArray(a *Array) Error {
	if err := adjustArray[MemoryBytes](r, a); err != Ok {
		return err
	}
	for i := uint64(0); i < a.Size; i++ {
		entry := (*MemoryBytes)(unsafe.Pointer(uintptr(a.Elements + i*uint64(unsafe.Sizeof(MemoryBytes{})))))
		if entry.Repeating() {
			continue
		}
		if entry.ByteValues.Size != entry.Size {
			return BadData
		}
		if err := adjustArray[byte](r, &entry.ByteValues); err != Ok {
			return err
		}
	}
	return Ok
}

// relocateID adjusts a NUL-terminated string pointer and checks the
// terminator is inside the mapping.
func (r *relocator) relocateID(p *uint64) Error {
	if err := adjustPointer[byte](r, p); err != Ok {
		return err
	}
	for addr := *p; addr < r.limit; addr++ {
		if *(*byte)(unsafe.Pointer(uintptr(addr))) == 0 {
			return Ok
		}
	}
	return BadData
}

func (r *relocator) relocateCorpus() Error {
	if err := validate[Corpus](r, r.start); err != Ok {
		return err
	}
	c := (*Corpus)(unsafe.Pointer(&r.data[0]))
	if c.Magic != CorpusMagic {
		return BadData
	}
	if c.CorpusTypeSize != corpusTypeSize ||
		c.SnapTypeSize != snapTypeSize ||
		c.RegisterStateTypeSize != registerStateTypeSize {
		return BadData
	}
	if err := adjustArray[uint64](r, &c.Snaps); err != Ok {
		return err
	}
	for i := uint64(0); i < c.Snaps.Size; i++ {
		slot := (*uint64)(unsafe.Pointer(uintptr(c.Snaps.Elements + i*8)))
		if err := adjustPointer[Snap](r, slot); err != Ok {
			return err
		}
		snap := (*Snap)(unsafe.Pointer(uintptr(*slot)))
		if err := r.relocateID(&snap.ID); err != Ok {
			return err
		}
		if err := adjustArray[MemoryMapping](r, &snap.MemoryMappings); err != Ok {
			return err
		}
		if err := adjustPointer[RegisterState](r, &snap.Registers); err != Ok {
			return err
		}
		if err := adjustPointer[RegisterState](r, &snap.EndStateRegisters); err != Ok {
			return err
		}
		if err := r.relocateMemoryBytesArray(&snap.MemoryBytes); err != Ok {
			return err
		}
		if err := r.relocateMemoryBytesArray(&snap.EndStateMemoryBytes); err != Ok {
			return err
		}
	}
	return Ok
}

// MappedCorpus owns a relocated, read-only corpus mapping. All
// pointers reachable from Corpus() stay valid until Close.
type MappedCorpus struct {
	data   []byte
	mapped bool
}

// Relocate rewrites all offsets in data in place, write-protects the
// mapping and returns an owning handle. On any error the mapping is
// released and a nil handle returned. mapped says whether data came
// from mmap (and so must be munmap'ed and may be mprotect'ed).
func Relocate(data []byte, mapped bool) (*MappedCorpus, Error) {
	release := func() {
		if mapped {
			unix.Munmap(data)
		}
	}
	if len(data) == 0 {
		return nil, EmptyCorpus
	}
	r := newRelocator(data)
	if err := r.relocateCorpus(); err != Ok {
		release()
		return nil, err
	}
	if mapped {
		if err := unix.Mprotect(data, unix.PROT_READ); err != nil {
			release()
			return nil, Mprotect
		}
	}
	return &MappedCorpus{data: data, mapped: mapped}, Ok
}

// Close unmaps the corpus. All pointers into it become invalid.
func (mc *MappedCorpus) Close() error {
	if mc.mapped {
		data := mc.data
		mc.data = nil
		return unix.Munmap(data)
	}
	mc.data = nil
	return nil
}

// Corpus returns the relocated header view.
func (mc *MappedCorpus) Corpus() *Corpus {
	return (*Corpus)(unsafe.Pointer(&mc.data[0]))
}

// NumSnaps returns the number of snaps in the corpus.
func (mc *MappedCorpus) NumSnaps() int {
	return int(mc.Corpus().Snaps.Size)
}

// SnapAt returns the i-th snap view.
func (mc *MappedCorpus) SnapAt(i int) *Snap {
	c := mc.Corpus()
	slot := *(*uint64)(unsafe.Pointer(uintptr(c.Snaps.Elements + uint64(i)*8)))
	return (*Snap)(unsafe.Pointer(uintptr(slot)))
}

// IDOf reads a snap's NUL-terminated id string.
func IDOf(s *Snap) string {
	var out []byte
	for addr := s.ID; ; addr++ {
		b := *(*byte)(unsafe.Pointer(uintptr(addr)))
		if b == 0 {
			return string(out)
		}
		out = append(out, b)
	}
}

// MappingsOf returns a snap's memory mappings as a slice view.
func MappingsOf(s *Snap) []MemoryMapping {
	if s.MemoryMappings.Size == 0 {
		return nil
	}
	return unsafe.Slice((*MemoryMapping)(unsafe.Pointer(uintptr(s.MemoryMappings.Elements))), s.MemoryMappings.Size)
}

// MemoryBytesOf returns a snap's memory bytes entries as a slice view.
func MemoryBytesOf(s *Snap) []MemoryBytes {
	if s.MemoryBytes.Size == 0 {
		return nil
	}
	return unsafe.Slice((*MemoryBytes)(unsafe.Pointer(uintptr(s.MemoryBytes.Elements))), s.MemoryBytes.Size)
}

// ValuesOf materializes a memory bytes entry's contents.
func ValuesOf(b *MemoryBytes) []byte {
	if b.Repeating() {
		out := make([]byte, b.Size)
		for i := range out {
			out[i] = byte(b.Fill)
		}
		return out
	}
	if b.ByteValues.Size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(b.ByteValues.Elements))), b.ByteValues.Size)
}

// RegistersOf returns a snap's initial register state view.
func RegistersOf(s *Snap) *RegisterState {
	return (*RegisterState)(unsafe.Pointer(uintptr(s.Registers)))
}

// EndStateRegistersOf returns a snap's end state register view.
func EndStateRegistersOf(s *Snap) *RegisterState {
	return (*RegisterState)(unsafe.Pointer(uintptr(s.EndStateRegisters)))
}
