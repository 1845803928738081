// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package maker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/insns"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
	"github.com/snapfuzz/snapfuzz/pkg/runner"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
	"github.com/snapfuzz/snapfuzz/pkg/tracer"
)

// fakeDriver scripts runner responses for one pipeline stage.
type fakeDriver struct {
	makeResult   *runner.RunResult
	verifyResult *runner.RunResult
	traceSteps   []runner.StepRecord
	traceResult  *runner.RunResult
	err          error

	madeSnap *snapshot.Snapshot
	closed   bool
}

func (d *fakeDriver) MakeOne(id string, maxPagesToAdd int) (*runner.RunResult, error) {
	return d.makeResult, d.err
}

func (d *fakeDriver) VerifyOneRepeatedly(id string, numAttempts int) (*runner.RunResult, error) {
	return d.verifyResult, d.err
}

func (d *fakeDriver) TraceOne(id string, stepFn runner.StepFunc) (*runner.RunResult, error) {
	for _, step := range d.traceSteps {
		if err := stepFn(step); err != nil {
			return nil, err
		}
	}
	return d.traceResult, d.err
}

func (d *fakeDriver) Close() { d.closed = true }

func makerWith(t *testing.T, d *fakeDriver) *SnapMaker {
	t.Helper()
	m, err := NewWithDriverFactory(DefaultOptions("/bin/true"),
		func(runnerPath string, snap *snapshot.Snapshot) (Driver, error) {
			d.madeSnap = snap
			return d, nil
		})
	require.NoError(t, err)
	return m
}

func candidate(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	cfg, err := insns.DefaultFuzzingConfig(arch.X86_64)
	require.NoError(t, err)
	s, err := insns.InstructionsToSnapshot([]byte{0x90, 0x90}, cfg)
	require.NoError(t, err)
	return s
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{RunnerPath: "r", MaxPagesToAdd: -1, NumVerifyAttempts: 1})
	assert.Error(t, err)
	_, err = New(Options{RunnerPath: "r", NumVerifyAttempts: 0})
	assert.Error(t, err)
	_, err = New(DefaultOptions("r"))
	assert.NoError(t, err)
}

func endStateAt(s *snapshot.Snapshot, addr uint64, extraBytes []mem.Bytes) *snapshot.EndState {
	u := snapshot.X86_64Regs{RIP: addr, RSP: s.Registers().StackPointer()}
	es := snapshot.MakeEndState(snapshot.MakeInstructionEndpoint(addr), u.ToRegisterState())
	for _, b := range extraBytes {
		es.AddMemoryBytes(b)
	}
	return &es
}

func TestMakeFixable(t *testing.T) {
	s := candidate(t)
	stop := s.Registers().InstructionPointer() + 2
	d := &fakeDriver{makeResult: &runner.RunResult{
		Outcome:        runner.RegisterStateMismatch,
		ActualEndState: endStateAt(s, stop, nil),
	}}
	m := makerWith(t, d)

	out, err := m.Make(s)
	require.NoError(t, err)
	assert.True(t, d.closed)

	require.Len(t, out.ExpectedEndStates(), 1)
	es := out.ExpectedEndStates()[0]
	assert.False(t, es.IsComplete())
	assert.Equal(t, stop, es.Endpoint().InstructionAddress())
}

func TestMakeGrowsMemory(t *testing.T) {
	s := candidate(t)
	stop := s.Registers().InstructionPointer() + 2
	touched, err := mem.MakeBytes(0x40000000, make([]byte, arch.PageSize))
	require.NoError(t, err)
	d := &fakeDriver{makeResult: &runner.RunResult{
		Outcome:        runner.MemoryMismatch,
		ActualEndState: endStateAt(s, stop, []mem.Bytes{touched}),
	}}
	m := makerWith(t, d)

	out, err := m.Make(s)
	require.NoError(t, err)

	var grown *mem.Mapping
	for i := range out.MemoryMappings() {
		mp := &out.MemoryMappings()[i]
		if mp.Start() == 0x40000000 {
			grown = mp
		}
	}
	require.NotNil(t, grown)
	assert.Equal(t, mem.RW(), grown.Perms())
	assert.Equal(t, uint64(arch.PageSize), grown.NumBytes())
}

func TestMakeClassification(t *testing.T) {
	segv := func(cause snapshot.SigCause) *snapshot.EndState {
		es := snapshot.MakeEndState(
			snapshot.MakeSignalEndpoint(snapshot.SigSegv, cause, 0x40000000, 0x30000000), nil)
		return &es
	}
	trap := snapshot.MakeEndState(
		snapshot.MakeSignalEndpoint(snapshot.SigTrap, snapshot.GenericSigCause, 0, 0x30000000), nil)
	ill := snapshot.MakeEndState(
		snapshot.MakeSignalEndpoint(snapshot.SigIll, snapshot.GenericSigCause, 0, 0x30000000), nil)

	tests := []struct {
		name   string
		result *runner.RunResult
		reason StopReason
	}{
		{"trap", &runner.RunResult{Outcome: runner.ExecutionMisbehave, ActualEndState: &trap}, SigTrap},
		{"cant-read", &runner.RunResult{Outcome: runner.ExecutionMisbehave, ActualEndState: segv(snapshot.SegvCantRead)}, CannotAddMemory},
		{"cant-write", &runner.RunResult{Outcome: runner.ExecutionMisbehave, ActualEndState: segv(snapshot.SegvCantWrite)}, CannotAddMemory},
		{"general-protection", &runner.RunResult{Outcome: runner.ExecutionMisbehave, ActualEndState: segv(snapshot.SegvGeneralProtection)}, GeneralProtectionSigSegv},
		{"cant-exec", &runner.RunResult{Outcome: runner.ExecutionMisbehave, ActualEndState: segv(snapshot.SegvCantExec)}, HardSigSegv},
		{"other-signal", &runner.RunResult{Outcome: runner.ExecutionMisbehave, ActualEndState: &ill}, Signal},
		{"runaway", &runner.RunResult{Outcome: runner.ExecutionRunaway}, TimeBudget},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := makerWith(t, &fakeDriver{makeResult: test.result})
			_, err := m.Make(candidate(t))
			require.Error(t, err)
			var stop *StopError
			require.ErrorAs(t, err, &stop)
			assert.Equal(t, test.reason, stop.Reason)
		})
	}
}

func TestMakeUnlikelySuccess(t *testing.T) {
	m := makerWith(t, &fakeDriver{makeResult: &runner.RunResult{Outcome: runner.AsExpected}})
	_, err := m.Make(candidate(t))
	require.Error(t, err)
	var stop *StopError
	assert.False(t, errors.As(err, &stop))
	assert.Contains(t, err.Error(), "unlikely")
}

func TestAddWritableMemoryForEndState(t *testing.T) {
	s := candidate(t)
	page, err := mem.MakeBytes(0x40000000, make([]byte, arch.PageSize))
	require.NoError(t, err)
	inMapped, err := mem.MakeBytes(s.Registers().InstructionPointer(), []byte{1})
	require.NoError(t, err)
	es := snapshot.MakeEndState(snapshot.MakeInstructionEndpoint(0), nil)
	es.AddMemoryBytes(page)
	es.AddMemoryBytes(inMapped)

	before := len(s.MemoryMappings())
	require.NoError(t, AddWritableMemoryForEndState(s, &es))
	// Only the unmapped page is added.
	assert.Len(t, s.MemoryMappings(), before+1)

	// Partial pages are rejected.
	odd, err := mem.MakeBytes(0x50000100, []byte{1})
	require.NoError(t, err)
	bad := snapshot.MakeEndState(snapshot.MakeInstructionEndpoint(0), nil)
	bad.AddMemoryBytes(odd)
	assert.Error(t, AddWritableMemoryForEndState(s, &bad))

	// Reserved memory is rejected.
	reserved, err := mem.MakeBytes(0x32300000, make([]byte, arch.PageSize))
	require.NoError(t, err)
	res := snapshot.MakeEndState(snapshot.MakeInstructionEndpoint(0), nil)
	res.AddMemoryBytes(reserved)
	assert.Error(t, AddWritableMemoryForEndState(s, &res))
}

func madeSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	s := candidate(t)
	stop := s.Registers().InstructionPointer() + 2
	d := &fakeDriver{makeResult: &runner.RunResult{
		Outcome:        runner.RegisterStateMismatch,
		ActualEndState: endStateAt(s, stop, nil),
	}}
	out, err := makerWith(t, d).Make(s)
	require.NoError(t, err)
	return out
}

func TestRecordEndState(t *testing.T) {
	s := madeSnapshot(t)
	stop := s.Registers().InstructionPointer() + 2
	d := &fakeDriver{makeResult: &runner.RunResult{
		Outcome:        runner.RegisterStateMismatch,
		ActualEndState: endStateAt(s, stop, nil),
	}}
	m := makerWith(t, d)

	out, err := m.RecordEndState(s)
	require.NoError(t, err)
	require.Len(t, out.ExpectedEndStates(), 1)
	es := out.ExpectedEndStates()[0]
	assert.True(t, es.IsComplete())
	assert.Equal(t, stop, es.Endpoint().InstructionAddress())
	assert.True(t, es.HasPlatform(arch.CurrentPlatformID()))
	assert.NoError(t, out.IsComplete(snapshot.NormalState))
}

func TestRecordEndStateRecordsNegativeMappings(t *testing.T) {
	s := madeSnapshot(t)
	ep := snapshot.MakeSignalEndpoint(snapshot.SigSegv, snapshot.SegvCantWrite,
		0x41000004, s.Registers().InstructionPointer()+1)
	u := snapshot.X86_64Regs{RIP: s.Registers().InstructionPointer() + 1}
	es := snapshot.MakeEndState(ep, u.ToRegisterState())
	d := &fakeDriver{makeResult: &runner.RunResult{
		Outcome:        runner.ExecutionMisbehave,
		ActualEndState: &es,
	}}
	m := makerWith(t, d)

	out, err := m.RecordEndState(s)
	require.NoError(t, err)
	require.Len(t, out.NegativeMemoryMappings(), 1)
	assert.Equal(t, uint64(0x41000000), out.NegativeMemoryMappings()[0].Start())
}

func TestRecordEndStateUndefined(t *testing.T) {
	s := madeSnapshot(t)
	undef := snapshot.MakeEndState(snapshot.MakeInstructionEndpoint(0x30000000), nil)
	d := &fakeDriver{makeResult: &runner.RunResult{
		Outcome:        runner.RegisterStateMismatch,
		ActualEndState: &undef,
	}}
	m := makerWith(t, d)
	_, err := m.RecordEndState(s)
	assert.Error(t, err)
}

func recordedSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	s := madeSnapshot(t)
	stop := s.Registers().InstructionPointer() + 2
	d := &fakeDriver{makeResult: &runner.RunResult{
		Outcome:        runner.RegisterStateMismatch,
		ActualEndState: endStateAt(s, stop, nil),
	}}
	out, err := makerWith(t, d).RecordEndState(s)
	require.NoError(t, err)
	return out
}

func TestVerifyPlaysDeterministically(t *testing.T) {
	s := recordedSnapshot(t)
	ok := makerWith(t, &fakeDriver{verifyResult: &runner.RunResult{Outcome: runner.AsExpected}})
	assert.NoError(t, ok.VerifyPlaysDeterministically(s))

	bad := makerWith(t, &fakeDriver{verifyResult: &runner.RunResult{
		Outcome:        runner.RegisterStateMismatch,
		ActualEndState: endStateAt(s, s.Registers().InstructionPointer()+1, nil),
	}})
	err := bad.VerifyPlaysDeterministically(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-deterministic")
}

func TestCheckTrace(t *testing.T) {
	s := recordedSnapshot(t)
	d := &fakeDriver{
		traceSteps: []runner.StepRecord{
			{Address: s.Registers().InstructionPointer(), Instruction: []byte{0x90}},
			{Address: s.Registers().InstructionPointer() + 1, Instruction: []byte{0x90}},
		},
		traceResult: &runner.RunResult{Outcome: runner.AsExpected},
	}
	m := makerWith(t, d)

	out, err := m.CheckTrace(s, tracer.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, out.TraceData(), 1)
	td := out.TraceData()[0]
	assert.Equal(t, 2, td.NumInstructions)
	assert.Contains(t, td.Disassembly, "nop")
	assert.Equal(t, []arch.PlatformID{arch.CurrentPlatformID()}, td.Platforms)
}

func TestCheckTraceRejectsNonDeterministicInsn(t *testing.T) {
	s := recordedSnapshot(t)
	d := &fakeDriver{
		traceSteps: []runner.StepRecord{
			{Address: s.Registers().InstructionPointer(), Instruction: []byte{0x0f, 0x31}},
		},
		traceResult: &runner.RunResult{Outcome: runner.AsExpected},
	}
	m := makerWith(t, d)
	_, err := m.CheckTrace(s, tracer.DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-deterministic")
}

func TestCheckTraceDivergence(t *testing.T) {
	s := recordedSnapshot(t)
	d := &fakeDriver{traceResult: &runner.RunResult{Outcome: runner.MemoryMismatch}}
	m := makerWith(t, d)
	_, err := m.CheckTrace(s, tracer.DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverged")
}

func TestStopErrorMessage(t *testing.T) {
	err := &StopError{Reason: CannotAddMemory, SnapID: "abc", Detail: "SIGSEGV/cant-read"}
	assert.Contains(t, err.Error(), "abc")
	assert.Contains(t, err.Error(), "cannot-add-memory")
	assert.Contains(t, err.Error(), "SIGSEGV/cant-read")
}
