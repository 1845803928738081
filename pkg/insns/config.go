// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package insns lifts raw instruction bytes into preliminary snapshots
// ready for the making pipeline.
package insns

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
)

// AddressRange is a byte range [StartAddress, StartAddress+NumBytes).
type AddressRange struct {
	StartAddress uint64
	NumBytes     uint64
}

func (r AddressRange) Limit() uint64 {
	return r.StartAddress + r.NumBytes
}

func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.StartAddress && addr < r.Limit()
}

// InstructionFilter rejects instruction classes the fuzzing campaign
// does not want to feed into the maker.
type InstructionFilter struct {
	SVEInstructionsAllowed       bool
	LoadStoreInstructionsAllowed bool
}

// FuzzingConfig says where the lifter places code and data and which
// instructions it accepts. Data1Range is used on x86_64, StackRange on
// aarch64.
type FuzzingConfig struct {
	Arch       arch.Arch
	CodeRange  AddressRange
	Data1Range AddressRange
	StackRange AddressRange
	Filter     InstructionFilter
}

// DefaultFuzzingConfig returns the standard layout for a.
func DefaultFuzzingConfig(a arch.Arch) (FuzzingConfig, error) {
	switch a {
	case arch.X86_64:
		return FuzzingConfig{
			Arch:       a,
			CodeRange:  AddressRange{0x30000000, 0x80000000},
			Data1Range: AddressRange{0x10000, 0x800000},
			Filter: InstructionFilter{
				SVEInstructionsAllowed:       true,
				LoadStoreInstructionsAllowed: true,
			},
		}, nil
	case arch.AArch64:
		return FuzzingConfig{
			Arch:      a,
			CodeRange: AddressRange{0x30000000, 0x80000000},
			StackRange: AddressRange{0x100000, 0x10000},
			Filter: InstructionFilter{
				SVEInstructionsAllowed:       true,
				LoadStoreInstructionsAllowed: true,
			},
		}, nil
	default:
		return FuzzingConfig{}, fmt.Errorf("no fuzzing config for %v", a)
	}
}
