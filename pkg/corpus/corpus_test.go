// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/hash"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
)

// Header field offsets in the serialized corpus.
const (
	offMagic         = 0
	offCorpusSize    = 8
	offSnapsSize     = 32
	offSnapsElements = 40
)

// alignedCopy copies data into an 8-byte-aligned buffer, the way an
// mmap'ed corpus is aligned.
func alignedCopy(data []byte) []byte {
	buf := make([]uint64, (len(data)+7)/8)
	out := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), len(data))
	copy(out, data)
	return out
}

func testSnap(t *testing.T, seed string) *snapshot.Snapshot {
	t.Helper()
	const codeStart = uint64(0x30000000)
	const stackStart = uint64(0x20000000)
	s, err := snapshot.New(hash.String([]byte(seed)), arch.X86_64)
	require.NoError(t, err)
	require.NoError(t, s.AddMemoryMapping(
		mem.MustMakeRanged(codeStart, codeStart+arch.PageSize, mem.RX())))
	require.NoError(t, s.AddMemoryMapping(
		mem.MustMakeRanged(stackStart, stackStart+arch.PageSize, mem.RW())))
	code, err := mem.MakeBytes(codeStart, []byte{0x90, 0x90, 0xCC})
	require.NoError(t, err)
	require.NoError(t, s.AddMemoryBytes(code))
	pad, err := mem.MakeRepeatingBytes(codeStart+3, arch.PageSize-3, 0xCC)
	require.NoError(t, err)
	require.NoError(t, s.AddMemoryBytes(pad))

	u := snapshot.X86_64Regs{RIP: codeStart, RSP: stackStart + arch.PageSize}
	require.NoError(t, s.SetRegisters(u.ToRegisterState()))

	end := snapshot.X86_64Regs{RIP: codeStart + 2, RSP: stackStart + arch.PageSize}
	es := snapshot.MakeEndState(snapshot.MakeInstructionEndpoint(codeStart+2), end.ToRegisterState())
	stackBytes, err := mem.MakeBytes(stackStart, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	es.AddMemoryBytes(stackBytes)
	require.NoError(t, s.AddExpectedEndState(es))
	return s
}

func TestWriteRelocateRoundTrip(t *testing.T) {
	s1 := testSnap(t, "one")
	s2 := testSnap(t, "two")
	data, err := Write([]*snapshot.Snapshot{s1, s2})
	require.NoError(t, err)
	assert.Zero(t, len(data)%arch.PageSize)

	mc, relErr := Relocate(alignedCopy(data), false)
	require.Equal(t, Ok, relErr)
	defer mc.Close()
	require.Equal(t, 2, mc.NumSnaps())

	for i, want := range []*snapshot.Snapshot{s1, s2} {
		snap := mc.SnapAt(i)
		assert.Equal(t, want.ID(), IDOf(snap))

		mappings := MappingsOf(snap)
		require.Len(t, mappings, 2)
		assert.Equal(t, want.MemoryMappings()[0].Start(), mappings[0].StartAddress)
		assert.Equal(t, want.MemoryMappings()[0].NumBytes(), mappings[0].NumBytes)
		assert.Equal(t, uint32(mem.RX()), mappings[0].Perms)

		runs := MemoryBytesOf(snap)
		require.Len(t, runs, 2)
		assert.Equal(t, []byte{0x90, 0x90, 0xCC}, ValuesOf(&runs[0]))
		assert.True(t, runs[1].Repeating())
		assert.Equal(t, uint64(0xCC), runs[1].Fill)
		assert.Equal(t, uint64(arch.PageSize-3), runs[1].Size)

		regs := RegistersOf(snap)
		assert.Equal(t, archTagX86_64, regs.Arch)
		assert.Equal(t, want.Registers().GRegs(),
			regs.GRegs[:snapshot.X86_64GRegsSize])

		endRegs := EndStateRegistersOf(snap)
		assert.Equal(t, want.ExpectedEndStates()[0].Registers().GRegs(),
			endRegs.GRegs[:snapshot.X86_64GRegsSize])
	}
}

func TestWriteUndefinedEndState(t *testing.T) {
	const codeStart = uint64(0x30000000)
	s, err := snapshot.New(hash.String([]byte("undef")), arch.X86_64)
	require.NoError(t, err)
	require.NoError(t, s.AddMemoryMapping(
		mem.MustMakeRanged(codeStart, codeStart+arch.PageSize, mem.RX())))
	code, err := mem.MakeBytes(codeStart, []byte{0x90})
	require.NoError(t, err)
	require.NoError(t, s.AddMemoryBytes(code))
	u := snapshot.X86_64Regs{RIP: codeStart}
	require.NoError(t, s.SetRegisters(u.ToRegisterState()))
	require.NoError(t, s.AddExpectedEndState(snapshot.MakeUndefinedEndState(codeStart+1)))

	data, err := Write([]*snapshot.Snapshot{s})
	require.NoError(t, err)
	mc, relErr := Relocate(alignedCopy(data), false)
	require.Equal(t, Ok, relErr)
	defer mc.Close()

	// The undefined end state serializes as a zeroed register bank with
	// the instruction pointer at the endpoint address.
	endRegs := EndStateRegistersOf(mc.SnapAt(0))
	rs, err := snapshot.MakeRegisterState(arch.X86_64,
		endRegs.GRegs[:snapshot.X86_64GRegsSize],
		endRegs.FPRegs[:snapshot.X86_64FPRegsSize])
	require.NoError(t, err)
	assert.Equal(t, codeStart+1, rs.InstructionPointer())
}

func TestWriteIncompleteSnapshot(t *testing.T) {
	s, err := snapshot.New(hash.String([]byte("incomplete")), arch.X86_64)
	require.NoError(t, err)
	_, err = Write([]*snapshot.Snapshot{s})
	assert.Error(t, err)
}

func TestWriteEmptyCorpus(t *testing.T) {
	data, err := Write(nil)
	require.NoError(t, err)
	mc, relErr := Relocate(alignedCopy(data), false)
	require.Equal(t, Ok, relErr)
	defer mc.Close()
	assert.Equal(t, 0, mc.NumSnaps())
	assert.Equal(t, CorpusMagic, mc.Corpus().Magic)
}

func TestRelocateEmptyData(t *testing.T) {
	mc, err := Relocate(nil, false)
	assert.Nil(t, mc)
	assert.Equal(t, EmptyCorpus, err)
}

func validCorpus(t *testing.T) []byte {
	t.Helper()
	data, err := Write([]*snapshot.Snapshot{testSnap(t, "corrupt-me")})
	require.NoError(t, err)
	return data
}

func TestRelocateBadMagic(t *testing.T) {
	data := alignedCopy(validCorpus(t))
	binary.LittleEndian.PutUint64(data[offMagic:], 0xdeadbeef)
	mc, err := Relocate(data, false)
	assert.Nil(t, mc)
	assert.Equal(t, BadData, err)
}

func TestRelocateTypeSizeMismatch(t *testing.T) {
	data := alignedCopy(validCorpus(t))
	binary.LittleEndian.PutUint64(data[offCorpusSize:],
		binary.LittleEndian.Uint64(data[offCorpusSize:])+8)
	mc, err := Relocate(data, false)
	assert.Nil(t, mc)
	assert.Equal(t, BadData, err)
}

func TestRelocateOutOfBound(t *testing.T) {
	data := alignedCopy(validCorpus(t))
	binary.LittleEndian.PutUint64(data[offSnapsElements:], uint64(len(data)))
	mc, err := Relocate(data, false)
	assert.Nil(t, mc)
	assert.Equal(t, OutOfBound, err)
}

func TestRelocateMisaligned(t *testing.T) {
	data := alignedCopy(validCorpus(t))
	binary.LittleEndian.PutUint64(data[offSnapsElements:],
		binary.LittleEndian.Uint64(data[offSnapsElements:])+1)
	mc, err := Relocate(data, false)
	assert.Nil(t, mc)
	assert.Equal(t, Alignment, err)
}

func TestRelocateSizeOverflow(t *testing.T) {
	data := alignedCopy(validCorpus(t))
	binary.LittleEndian.PutUint64(data[offSnapsSize:], ^uint64(0))
	mc, err := Relocate(data, false)
	assert.Nil(t, mc)
	assert.Equal(t, OutOfBound, err)
}

func TestRelocateTwoBuffersIndependently(t *testing.T) {
	data := validCorpus(t)
	a, errA := Relocate(alignedCopy(data), false)
	require.Equal(t, Ok, errA)
	defer a.Close()
	b, errB := Relocate(alignedCopy(data), false)
	require.Equal(t, Ok, errB)
	defer b.Close()

	assert.Equal(t, IDOf(a.SnapAt(0)), IDOf(b.SnapAt(0)))
	assert.NotEqual(t, a.SnapAt(0).ID, b.SnapAt(0).ID)
	assert.Equal(t, MappingsOf(a.SnapAt(0)), MappingsOf(b.SnapAt(0)))
}

func TestErrorStrings(t *testing.T) {
	for _, e := range []Error{Ok, EmptyCorpus, OutOfBound, Alignment, BadData, Mprotect} {
		assert.NotEmpty(t, e.Error())
	}
}
