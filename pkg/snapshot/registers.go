// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
)

// Fixed register bank sizes. Snapshots store register state as raw
// little-endian banks in the layout the runner consumes directly.
const (
	X86_64GRegsSize  = 176
	X86_64FPRegsSize = 512

	AArch64GRegsSize  = 288
	AArch64FPRegsSize = 528
)

// Byte offsets of individual registers inside the gregs bank.
const (
	x86_64RSPOffset = 120
	x86_64RIPOffset = 128

	aarch64SPOffset = 248
	aarch64PCOffset = 256
)

// RegisterState is a per-architecture register snapshot stored as raw
// general-purpose and floating-point register banks.
type RegisterState struct {
	arch   arch.Arch
	gregs  []byte
	fpregs []byte
}

func gregsSize(a arch.Arch) int {
	if a == arch.AArch64 {
		return AArch64GRegsSize
	}
	return X86_64GRegsSize
}

func fpregsSize(a arch.Arch) int {
	if a == arch.AArch64 {
		return AArch64FPRegsSize
	}
	return X86_64FPRegsSize
}

// MakeRegisterState wraps raw register banks. The banks must have the
// exact size for the architecture.
func MakeRegisterState(a arch.Arch, gregs, fpregs []byte) (*RegisterState, error) {
	if len(gregs) != gregsSize(a) {
		return nil, fmt.Errorf("bad gregs size for %v: %v", a, len(gregs))
	}
	if len(fpregs) != fpregsSize(a) {
		return nil, fmt.Errorf("bad fpregs size for %v: %v", a, len(fpregs))
	}
	return &RegisterState{
		arch:   a,
		gregs:  append([]byte(nil), gregs...),
		fpregs: append([]byte(nil), fpregs...),
	}, nil
}

// MakeRegisterStateGRegs wraps a gregs bank with a zeroed
// floating-point bank.
func MakeRegisterStateGRegs(a arch.Arch, gregs []byte) (*RegisterState, error) {
	return MakeRegisterState(a, gregs, make([]byte, fpregsSize(a)))
}

func (r *RegisterState) Arch() arch.Arch { return r.arch }
func (r *RegisterState) GRegs() []byte   { return r.gregs }
func (r *RegisterState) FPRegs() []byte  { return r.fpregs }

// InstructionPointer extracts RIP (x86_64) or PC (aarch64).
func (r *RegisterState) InstructionPointer() uint64 {
	if r.arch == arch.AArch64 {
		return binary.LittleEndian.Uint64(r.gregs[aarch64PCOffset:])
	}
	return binary.LittleEndian.Uint64(r.gregs[x86_64RIPOffset:])
}

// StackPointer extracts RSP (x86_64) or SP (aarch64).
func (r *RegisterState) StackPointer() uint64 {
	if r.arch == arch.AArch64 {
		return binary.LittleEndian.Uint64(r.gregs[aarch64SPOffset:])
	}
	return binary.LittleEndian.Uint64(r.gregs[x86_64RSPOffset:])
}

// Equal reports bit-exact equality of two register states.
func (r *RegisterState) Equal(other *RegisterState) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.arch == other.arch &&
		bytes.Equal(r.gregs, other.gregs) &&
		bytes.Equal(r.fpregs, other.fpregs)
}

func (r *RegisterState) Copy() RegisterState {
	return RegisterState{
		arch:   r.arch,
		gregs:  append([]byte(nil), r.gregs...),
		fpregs: append([]byte(nil), r.fpregs...),
	}
}

// X86_64Regs is the named view of the x86_64 gregs bank. Field order
// matches the bank layout.
type X86_64Regs struct {
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RDI, RSI, RBP, RBX, RDX, RAX, RCX    uint64
	RSP, RIP, EFlags                     uint64
	FSBase, GSBase                       uint64
	CS, GS, FS, SS, DS, ES               uint16
}

// ToRegisterState serializes the named registers into a RegisterState
// with a zeroed floating-point bank.
func (u *X86_64Regs) ToRegisterState() *RegisterState {
	gregs := make([]byte, X86_64GRegsSize)
	le := binary.LittleEndian
	fields := []uint64{
		u.R8, u.R9, u.R10, u.R11, u.R12, u.R13, u.R14, u.R15,
		u.RDI, u.RSI, u.RBP, u.RBX, u.RDX, u.RAX, u.RCX,
		u.RSP, u.RIP, u.EFlags,
		u.FSBase, u.GSBase,
	}
	for i, v := range fields {
		le.PutUint64(gregs[i*8:], v)
	}
	off := len(fields) * 8
	for _, v := range []uint16{u.CS, u.GS, u.FS, u.SS, u.DS, u.ES} {
		le.PutUint16(gregs[off:], v)
		off += 2
	}
	return &RegisterState{
		arch:   arch.X86_64,
		gregs:  gregs,
		fpregs: make([]byte, X86_64FPRegsSize),
	}
}

// DecodeX86_64Regs parses the named view back out of a RegisterState.
func DecodeX86_64Regs(r *RegisterState) (X86_64Regs, error) {
	if r.arch != arch.X86_64 {
		return X86_64Regs{}, fmt.Errorf("register state is %v, not x86_64", r.arch)
	}
	le := binary.LittleEndian
	var u X86_64Regs
	fields := []*uint64{
		&u.R8, &u.R9, &u.R10, &u.R11, &u.R12, &u.R13, &u.R14, &u.R15,
		&u.RDI, &u.RSI, &u.RBP, &u.RBX, &u.RDX, &u.RAX, &u.RCX,
		&u.RSP, &u.RIP, &u.EFlags,
		&u.FSBase, &u.GSBase,
	}
	for i, p := range fields {
		*p = le.Uint64(r.gregs[i*8:])
	}
	off := len(fields) * 8
	for _, p := range []*uint16{&u.CS, &u.GS, &u.FS, &u.SS, &u.DS, &u.ES} {
		*p = le.Uint16(r.gregs[off:])
		off += 2
	}
	return u, nil
}

// AArch64Regs is the named view of the aarch64 gregs bank.
type AArch64Regs struct {
	X      [31]uint64
	SP     uint64
	PC     uint64
	PState uint64
	TPIDR  uint64
	TPIDRO uint64
}

// ToRegisterState serializes the named registers into a RegisterState
// with a zeroed floating-point bank.
func (u *AArch64Regs) ToRegisterState() *RegisterState {
	gregs := make([]byte, AArch64GRegsSize)
	le := binary.LittleEndian
	for i, v := range u.X {
		le.PutUint64(gregs[i*8:], v)
	}
	le.PutUint64(gregs[aarch64SPOffset:], u.SP)
	le.PutUint64(gregs[aarch64PCOffset:], u.PC)
	le.PutUint64(gregs[264:], u.PState)
	le.PutUint64(gregs[272:], u.TPIDR)
	le.PutUint64(gregs[280:], u.TPIDRO)
	return &RegisterState{
		arch:   arch.AArch64,
		gregs:  gregs,
		fpregs: make([]byte, AArch64FPRegsSize),
	}
}

// DecodeAArch64Regs parses the named view back out of a RegisterState.
func DecodeAArch64Regs(r *RegisterState) (AArch64Regs, error) {
	if r.arch != arch.AArch64 {
		return AArch64Regs{}, fmt.Errorf("register state is %v, not aarch64", r.arch)
	}
	le := binary.LittleEndian
	var u AArch64Regs
	for i := range u.X {
		u.X[i] = le.Uint64(r.gregs[i*8:])
	}
	u.SP = le.Uint64(r.gregs[aarch64SPOffset:])
	u.PC = le.Uint64(r.gregs[aarch64PCOffset:])
	u.PState = le.Uint64(r.gregs[264:])
	u.TPIDR = le.Uint64(r.gregs[272:])
	u.TPIDRO = le.Uint64(r.gregs[280:])
	return u, nil
}
