// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus implements the position-independent binary corpus
// format the runner loads at startup, its serializer, and the
// relocator that rewrites file offsets to live pointers.
package corpus

import (
	"unsafe"

	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
)

// CorpusMagic is the first 8-byte field of every corpus file. Like all
// fields it is stored little-endian; its hex digits, read most
// significant byte first, spell "\x7fSNAPCOR".
const CorpusMagic = uint64(0x7f534e4150434f52)

// All pointer-typed fields are stored as byte offsets from the start
// of the corpus; after relocation they hold live addresses inside the
// corpus mapping. All fields are little-endian.

// Array is a counted sequence of T. Elements is a *T (offset form
// before relocation). An empty array has Elements == 0.
type Array struct {
	Size     uint64
	Elements uint64
}

// Corpus is the file header. The three type-size fields refuse a
// corpus generated for a differently-configured runner.
type Corpus struct {
	Magic                 uint64
	CorpusTypeSize        uint64
	SnapTypeSize          uint64
	RegisterStateTypeSize uint64
	Snaps                 Array // of *Snap
}

// Snap is one snapshot in corpus form.
type Snap struct {
	ID                  uint64 // *byte, NUL-terminated
	MemoryMappings      Array  // of MemoryMapping
	MemoryBytes         Array  // of MemoryBytes
	EndStateMemoryBytes Array  // of MemoryBytes
	Registers           uint64 // *RegisterState
	EndStateRegisters   uint64 // *RegisterState
}

// MemoryMapping is a page-aligned range with permissions.
// Perms uses the pkg/mem bit values.
type MemoryMapping struct {
	StartAddress uint64
	NumBytes     uint64
	Perms        uint32
	_            uint32
}

const memoryBytesRepeating = uint64(1)

// MemoryBytes is a contents run: literal bytes via ByteValues, or Fill
// repeated Size times when the repeating flag is set.
type MemoryBytes struct {
	Start      uint64
	Size       uint64
	Flags      uint64
	Fill       uint64
	ByteValues Array // of byte; unused for repeating runs
}

func (b *MemoryBytes) Repeating() bool {
	return b.Flags&memoryBytesRepeating != 0
}

// RegisterState is the fixed-size register bank pair. Architectures
// with smaller banks use a prefix and zero the rest.
type RegisterState struct {
	Arch   uint64
	GRegs  [snapshot.AArch64GRegsSize]byte
	FPRegs [snapshot.AArch64FPRegsSize]byte
}

const (
	archTagX86_64  = uint64(1)
	archTagAArch64 = uint64(2)
)

var (
	corpusTypeSize        = uint64(unsafe.Sizeof(Corpus{}))
	snapTypeSize          = uint64(unsafe.Sizeof(Snap{}))
	registerStateTypeSize = uint64(unsafe.Sizeof(RegisterState{}))
)
