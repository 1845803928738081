// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
)

func TestRunReplyRoundTrip(t *testing.T) {
	u := snapshot.X86_64Regs{RIP: 0x30000002, RSP: 0x20001000, RAX: 42}
	es := snapshot.MakeEndState(snapshot.MakeInstructionEndpoint(0x30000002), u.ToRegisterState())
	b, err := mem.MakeBytes(0x20000ff0, []byte{1, 2, 3})
	require.NoError(t, err)
	es.AddMemoryBytes(b)
	in := &RunResult{Outcome: AsExpected, ActualEndState: &es}

	var buf bytes.Buffer
	require.NoError(t, writeRunReply(&buf, in))
	out, err := parseRunReply(&buf)
	require.NoError(t, err)

	assert.Equal(t, AsExpected, out.Outcome)
	require.NotNil(t, out.ActualEndState)
	ep := out.ActualEndState.Endpoint()
	assert.Equal(t, snapshot.InstructionEndpoint, ep.Kind())
	assert.Equal(t, uint64(0x30000002), ep.InstructionAddress())
	assert.True(t, out.ActualEndState.Registers().Equal(es.Registers()))
	require.Len(t, out.ActualEndState.MemoryBytes(), 1)
	got := out.ActualEndState.MemoryBytes()[0]
	assert.Equal(t, uint64(0x20000ff0), got.Start())
	assert.Equal(t, []byte{1, 2, 3}, got.Values())
}

func TestRunReplySignalEndpoint(t *testing.T) {
	ep := snapshot.MakeSignalEndpoint(snapshot.SigSegv, snapshot.SegvCantWrite, 0x40000008, 0x30000004)
	es := snapshot.MakeEndState(ep, nil)
	in := &RunResult{Outcome: ExecutionMisbehave, ActualEndState: &es}

	var buf bytes.Buffer
	require.NoError(t, writeRunReply(&buf, in))
	out, err := parseRunReply(&buf)
	require.NoError(t, err)

	assert.Equal(t, ExecutionMisbehave, out.Outcome)
	gotEp := out.ActualEndState.Endpoint()
	assert.Equal(t, snapshot.SignalEndpoint, gotEp.Kind())
	assert.Equal(t, snapshot.SigSegv, gotEp.SigNum())
	assert.Equal(t, snapshot.SegvCantWrite, gotEp.SigCause())
	assert.Equal(t, uint64(0x40000008), gotEp.SigAddress())
	assert.Equal(t, uint64(0x30000004), gotEp.SigInstructionAddress())
	// No register bank means the undefined sentinel.
	assert.False(t, out.ActualEndState.IsComplete())
}

func TestRunReplyWithoutEndState(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRunReply(&buf, &RunResult{Outcome: ExecutionRunaway}))
	out, err := parseRunReply(&buf)
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunaway, out.Outcome)
	assert.Nil(t, out.ActualEndState)
}

func TestParseRunReplyBadMagic(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(0x1234))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	_, err := parseRunReply(&buf)
	assert.Error(t, err)
}

func TestParseRunReplyBadOutcome(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, replyMagic)
	binary.Write(&buf, binary.LittleEndian, uint32(PlatformMismatch)+1)
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	_, err := parseRunReply(&buf)
	assert.Error(t, err)
}

func TestParseRunReplyTruncated(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, replyMagic)
	_, err := parseRunReply(&buf)
	assert.Error(t, err)
}

func TestStepReplyRoundTrip(t *testing.T) {
	u := snapshot.X86_64Regs{RAX: 7, RIP: 0x30000000}
	regs, err := snapshot.MakeRegisterStateGRegs(arch.X86_64, u.ToRegisterState().GRegs())
	require.NoError(t, err)
	in := StepRecord{Address: 0x30000000, Instruction: []byte{0x0f, 0x31}, Registers: regs}

	var buf bytes.Buffer
	require.NoError(t, writeStepReply(&buf, in))
	require.NoError(t, writeStepDone(&buf))

	step, done, err := parseStepReply(&buf, arch.X86_64)
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, in.Address, step.Address)
	assert.Equal(t, in.Instruction, step.Instruction)
	assert.True(t, in.Registers.Equal(step.Registers))

	_, done, err = parseStepReply(&buf, arch.X86_64)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestParseStepReplyBadInsnSize(t *testing.T) {
	var buf bytes.Buffer
	sr := stepReply{magic: stepMagic, insnSize: 17}
	require.NoError(t, writeStruct(&buf, &sr))
	_, _, err := parseStepReply(&buf, arch.X86_64)
	assert.Error(t, err)
}

func TestOutcomeStrings(t *testing.T) {
	for o := AsExpected; o <= PlatformMismatch; o++ {
		assert.NotEmpty(t, o.String())
	}
	assert.True(t, (&RunResult{Outcome: AsExpected}).Success())
	assert.False(t, (&RunResult{Outcome: ExecutionRunaway}).Success())
}
