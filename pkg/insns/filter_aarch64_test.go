// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package insns

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckFilterAArch64(t *testing.T) {
	nop := []byte{0x1f, 0x20, 0x03, 0xd5}    // nop
	sve := []byte{0x0b, 0xf9, 0x3f, 0x04}    // sve compute
	ldumax := []byte{0xe1, 0x60, 0x25, 0xb8} // atomic load/store
	ldsve := []byte{0x00, 0xa0, 0xe0, 0xa5}  // sve load

	tests := []struct {
		insns     []byte
		sve       bool // rejected when SVE disallowed
		loadStore bool // rejected when load/store disallowed
	}{
		{nop, false, false},
		{sve, true, false},
		{ldumax, false, true},
		{ldsve, true, true},
	}
	allow := InstructionFilter{SVEInstructionsAllowed: true, LoadStoreInstructionsAllowed: true}
	noSVE := InstructionFilter{SVEInstructionsAllowed: false, LoadStoreInstructionsAllowed: true}
	noLS := InstructionFilter{SVEInstructionsAllowed: true, LoadStoreInstructionsAllowed: false}
	for i, test := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.NoError(t, checkFilterAArch64(test.insns, allow))
			err := checkFilterAArch64(test.insns, noSVE)
			if test.sve {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			err = checkFilterAArch64(test.insns, noLS)
			if test.loadStore {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckFilterAArch64BadLength(t *testing.T) {
	filter := InstructionFilter{SVEInstructionsAllowed: true, LoadStoreInstructionsAllowed: true}
	assert.Error(t, checkFilterAArch64(nil, filter))
	assert.Error(t, checkFilterAArch64([]byte{0x1f, 0x20, 0x03}, filter))
}

func TestExtractBits(t *testing.T) {
	assert.Equal(t, uint32(0b0010), extractBits(0x043ff90b, 25, 28))
	assert.Equal(t, uint32(0b10), extractBits(0xa5e0a000, 30, 31))
	assert.Equal(t, uint32(1), extractBits(0xb82560e1, 27, 27))
	assert.Equal(t, uint32(0), extractBits(0xb82560e1, 25, 25))
}
