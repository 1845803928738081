// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package insns

import (
	"encoding/binary"
	"fmt"
)

// AArch64 instructions are classified by the top-level encoding group
// in bits [28:25] of the 4-byte little-endian word.

func extractBits(ins uint32, start, end int) uint32 {
	return ins << (31 - end) >> (31 - end + start)
}

// isSVE reports whether ins is in the SVE encoding space (op0 0b0010).
func isSVE(ins uint32) bool {
	return extractBits(ins, 25, 28) == 0b0010
}

// isSVEMemory reports whether an SVE instruction is a load or store.
// SVE memory encodings carry 0b10 in bits [31:30].
func isSVEMemory(ins uint32) bool {
	return extractBits(ins, 30, 31) == 0b10
}

// isLoadStore reports whether ins is in the general loads-and-stores
// group (op0 0bx1x0).
func isLoadStore(ins uint32) bool {
	return extractBits(ins, 27, 27) == 1 && extractBits(ins, 25, 25) == 0
}

// checkFilterAArch64 applies the instruction filter to every 4-byte
// word in insns.
func checkFilterAArch64(insns []byte, filter InstructionFilter) error {
	if len(insns) == 0 || len(insns)%4 != 0 {
		return fmt.Errorf("aarch64 instruction stream has bad length %v", len(insns))
	}
	for off := 0; off < len(insns); off += 4 {
		ins := binary.LittleEndian.Uint32(insns[off:])
		sve := isSVE(ins)
		loadStore := isLoadStore(ins) || (sve && isSVEMemory(ins))
		if sve && !filter.SVEInstructionsAllowed {
			return fmt.Errorf("SVE instruction %#08x at offset %v not allowed", ins, off)
		}
		if loadStore && !filter.LoadStoreInstructionsAllowed {
			return fmt.Errorf("load/store instruction %#08x at offset %v not allowed", ins, off)
		}
	}
	return nil
}
