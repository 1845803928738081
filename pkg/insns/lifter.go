// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package insns

import (
	"encoding/binary"
	"fmt"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/hash"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
)

// InstructionsToSnapshotID returns the id of the snapshot that
// InstructionsToSnapshot would produce for insns: the SHA-1 of the raw
// bytes as 40 lowercase hex characters.
func InstructionsToSnapshotID(insns []byte) string {
	return hash.String(insns)
}

// InstructionsToSnapshot lifts raw instruction bytes into a preliminary
// two-page snapshot: one executable page holding the instructions and
// one writable data/stack page, with a register state pointing at them
// and a single undefined end state after the last instruction.
// The code page position is derived from the instruction bytes, so
// identical inputs produce identical snapshots.
func InstructionsToSnapshot(insns []byte, cfg FuzzingConfig) (*snapshot.Snapshot, error) {
	if err := checkInstructions(insns, cfg); err != nil {
		return nil, err
	}
	codeStart := placeCodePage(insns, cfg.CodeRange)
	var regs *snapshot.RegisterState
	switch cfg.Arch {
	case arch.X86_64:
		u := snapshot.X86_64Regs{
			RIP: codeStart,
			RSP: cfg.Data1Range.StartAddress + arch.PageSize,
		}
		regs = u.ToRegisterState()
	case arch.AArch64:
		u := snapshot.AArch64Regs{
			PC: codeStart,
			SP: cfg.StackRange.StartAddress + cfg.StackRange.NumBytes,
		}
		regs = u.ToRegisterState()
	default:
		return nil, fmt.Errorf("unsupported architecture %v", cfg.Arch)
	}
	return buildSnapshot(insns, cfg.Arch, regs)
}

// InstructionsToSnapshotWithRegs lifts insns using a caller-supplied
// register state. The executable mapping is placed at the instruction
// pointer and the writable mapping ends at the stack pointer (the
// stack grows down into one page).
func InstructionsToSnapshotWithRegs(insns []byte, cfg FuzzingConfig, regs *snapshot.RegisterState) (*snapshot.Snapshot, error) {
	if err := checkInstructions(insns, cfg); err != nil {
		return nil, err
	}
	if regs.Arch() != cfg.Arch {
		return nil, fmt.Errorf("register state is %v, config is %v", regs.Arch(), cfg.Arch)
	}
	cp := regs.Copy()
	return buildSnapshot(insns, cfg.Arch, &cp)
}

func checkInstructions(insns []byte, cfg FuzzingConfig) error {
	if len(insns) == 0 {
		return fmt.Errorf("empty instruction sequence")
	}
	if uint64(len(insns)) > arch.PageSize {
		return fmt.Errorf("instruction sequence of %v bytes does not fit one page", len(insns))
	}
	if cfg.Arch == arch.AArch64 {
		return checkFilterAArch64(insns, cfg.Filter)
	}
	return nil
}

// placeCodePage picks a page inside codeRange deterministically from
// the instruction bytes.
func placeCodePage(insns []byte, codeRange AddressRange) uint64 {
	sig := hash.Hash(insns)
	numPages := codeRange.NumBytes / arch.PageSize
	page := binary.LittleEndian.Uint64(sig[:8]) % numPages
	return codeRange.StartAddress + page*arch.PageSize
}

func buildSnapshot(insns []byte, a arch.Arch, regs *snapshot.RegisterState) (*snapshot.Snapshot, error) {
	ip := regs.InstructionPointer()
	sp := regs.StackPointer()
	if !mem.IsPageAligned(ip) {
		return nil, fmt.Errorf("instruction pointer 0x%x is not page-aligned", ip)
	}
	if sp < arch.PageSize || !mem.IsPageAligned(sp) {
		return nil, fmt.Errorf("stack pointer 0x%x is not page-aligned", sp)
	}

	s, err := snapshot.New(InstructionsToSnapshotID(insns), a)
	if err != nil {
		return nil, err
	}
	codePage, err := mem.MakeRanged(ip, ip+arch.PageSize, mem.RX())
	if err != nil {
		return nil, err
	}
	stackPage, err := mem.MakeRanged(sp-arch.PageSize, sp, mem.RW())
	if err != nil {
		return nil, err
	}
	if codePage.Overlaps(stackPage) {
		return nil, fmt.Errorf("code page %v overlaps stack page %v", codePage, stackPage)
	}
	if err := s.AddMemoryMapping(codePage); err != nil {
		return nil, err
	}
	if err := s.AddMemoryMapping(stackPage); err != nil {
		return nil, err
	}
	code, err := mem.MakeBytes(ip, insns)
	if err != nil {
		return nil, err
	}
	if err := s.AddMemoryBytes(code); err != nil {
		return nil, err
	}
	if err := s.SetRegisters(regs); err != nil {
		return nil, err
	}
	if err := s.AddExpectedEndState(snapshot.MakeUndefinedEndState(ip + uint64(len(insns)))); err != nil {
		return nil, err
	}
	return s, nil
}
