// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package maker turns preliminary snapshots into deterministic,
// runner-compatible ones. The pipeline is strictly sequential:
// Make grows writable memory until execution stops at a concrete
// endpoint, RecordEndState captures the observed end state,
// VerifyPlaysDeterministically replays it repeatedly, and CheckTrace
// screens the instruction stream.
package maker

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
	"github.com/snapfuzz/snapfuzz/pkg/runner"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
	"github.com/snapfuzz/snapfuzz/pkg/stat"
	"github.com/snapfuzz/snapfuzz/pkg/tracer"
)

// StopReason says why making stopped before producing a snapshot.
type StopReason int

const (
	// Endpoint: execution stopped at a concrete endpoint; fixable.
	Endpoint StopReason = iota
	SigTrap
	CannotAddMemory
	GeneralProtectionSigSegv
	HardSigSegv
	Signal
	TimeBudget
)

func (r StopReason) String() string {
	switch r {
	case Endpoint:
		return "endpoint"
	case SigTrap:
		return "sig-trap"
	case CannotAddMemory:
		return "cannot-add-memory"
	case GeneralProtectionSigSegv:
		return "general-protection-sigsegv"
	case HardSigSegv:
		return "hard-sigsegv"
	case Signal:
		return "signal"
	case TimeBudget:
		return "time-budget"
	default:
		return fmt.Sprintf("stop-reason(%d)", int(r))
	}
}

// StopError reports a terminal stop reason: the candidate is not
// compatible with the runner and should be discarded.
type StopError struct {
	Reason StopReason
	SnapID string
	Detail string
}

func (e *StopError) Error() string {
	msg := fmt.Sprintf("making %v stopped: %v", e.SnapID, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Options configure a SnapMaker.
type Options struct {
	// RunnerPath locates the runner binary. Required.
	RunnerPath string
	// MaxPagesToAdd bounds how many pages the runner may add per
	// execution in make mode.
	MaxPagesToAdd int
	// NumVerifyAttempts is how many replays must match bit-exactly.
	NumVerifyAttempts int
}

// DefaultOptions returns the standard options for runnerPath.
func DefaultOptions(runnerPath string) Options {
	return Options{
		RunnerPath:        runnerPath,
		MaxPagesToAdd:     5,
		NumVerifyAttempts: 5,
	}
}

func (o *Options) Validate() error {
	if o.RunnerPath == "" {
		return fmt.Errorf("empty runner path")
	}
	if o.MaxPagesToAdd < 0 {
		return fmt.Errorf("negative max pages to add: %v", o.MaxPagesToAdd)
	}
	if o.NumVerifyAttempts <= 0 {
		return fmt.Errorf("non-positive verify attempts: %v", o.NumVerifyAttempts)
	}
	return nil
}

// Driver is the runner interface the maker drives. Satisfied by
// *runner.Driver.
type Driver interface {
	MakeOne(id string, maxPagesToAdd int) (*runner.RunResult, error)
	VerifyOneRepeatedly(id string, numAttempts int) (*runner.RunResult, error)
	TraceOne(id string, stepFn runner.StepFunc) (*runner.RunResult, error)
	Close()
}

// DriverFactory builds a driver for one snapshot.
type DriverFactory func(runnerPath string, snap *snapshot.Snapshot) (Driver, error)

func defaultDriverFactory(runnerPath string, snap *snapshot.Snapshot) (Driver, error) {
	return runner.FromSnapshot(runnerPath, snap)
}

var (
	statMade            = stat.New("snapshots made", "Snapshots that passed the make stage", stat.Rate{})
	statUnlikelySuccess = stat.New("unlikely successes", "Undefined end state snapshots that ran to completion")
	statVerifyFailures  = stat.New("verify failures", "Non-deterministic snapshots rejected by verify")
)

// SnapMaker holds no mutable state beyond its options; its operations
// are self-contained and may run concurrently on disjoint snapshots.
type SnapMaker struct {
	opts      Options
	newDriver DriverFactory
}

func New(opts Options) (*SnapMaker, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid maker options: %w", err)
	}
	return &SnapMaker{opts: opts, newDriver: defaultDriverFactory}, nil
}

// NewWithDriverFactory is New with a custom driver factory.
func NewWithDriverFactory(opts Options, factory DriverFactory) (*SnapMaker, error) {
	m, err := New(opts)
	if err != nil {
		return nil, err
	}
	m.newDriver = factory
	return m, nil
}

// Make drives the runner until execution stops at a concrete endpoint,
// growing writable memory as needed. The result has exactly one
// undefined end state anchored at the observed endpoint; it is later
// refined by RecordEndState.
func (m *SnapMaker) Make(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	endStates := s.ExpectedEndStates()
	if len(endStates) == 0 {
		return nil, fmt.Errorf("snapshot %v has no expected end states", s.ID())
	}
	origAddr := endpointAddress(endStates[0].Endpoint())

	cp := s.Copy()
	cp.ClearExpectedEndStates()
	cp.ClearNegativeMemoryMappings()
	if err := cp.AddExpectedEndState(snapshot.MakeUndefinedEndState(origAddr)); err != nil {
		return nil, err
	}
	cp, err := snapshot.Snapify(cp, snapshot.V2InputMakeOpts(cp.Arch()))
	if err != nil {
		return nil, err
	}

	driver, err := m.newDriver(m.opts.RunnerPath, cp)
	if err != nil {
		return nil, err
	}
	defer driver.Close()
	res, err := driver.MakeOne(cp.ID(), m.opts.MaxPagesToAdd)
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case runner.AsExpected:
		// The undefined end state cannot legitimately be reached.
		statUnlikelySuccess.Add(1)
		return nil, fmt.Errorf("internal: unlikely: snapshot %v had an undefined end state yet ran successfully", cp.ID())
	case runner.MemoryMismatch, runner.RegisterStateMismatch:
		// Fixable: execution stopped at a concrete endpoint.
	case runner.ExecutionMisbehave:
		return nil, m.classifyMisbehave(cp.ID(), res)
	case runner.ExecutionRunaway:
		return nil, &StopError{Reason: TimeBudget, SnapID: cp.ID()}
	case runner.EndpointMismatch, runner.PlatformMismatch:
		return nil, fmt.Errorf("internal: unsupported outcome %v making %v", res.Outcome, cp.ID())
	default:
		return nil, fmt.Errorf("internal: unknown outcome %v making %v", res.Outcome, cp.ID())
	}

	if res.ActualEndState == nil {
		return nil, fmt.Errorf("internal: outcome %v for %v carries no end state", res.Outcome, cp.ID())
	}
	if err := AddWritableMemoryForEndState(cp, res.ActualEndState); err != nil {
		return nil, err
	}
	cp.ClearExpectedEndStates()
	anchor := endpointAddress(res.ActualEndState.Endpoint())
	if err := cp.AddExpectedEndState(snapshot.MakeUndefinedEndState(anchor)); err != nil {
		return nil, err
	}
	statMade.Add(1)
	return cp, nil
}

func endpointAddress(ep snapshot.Endpoint) uint64 {
	if ep.Kind() == snapshot.InstructionEndpoint {
		return ep.InstructionAddress()
	}
	return ep.SigInstructionAddress()
}

func (m *SnapMaker) classifyMisbehave(id string, res *runner.RunResult) error {
	if res.ActualEndState == nil {
		return fmt.Errorf("internal: misbehaved execution of %v carries no end state", id)
	}
	ep := res.ActualEndState.Endpoint()
	if ep.Kind() != snapshot.SignalEndpoint {
		return fmt.Errorf("internal: misbehaved execution of %v stopped without a signal", id)
	}
	detail := fmt.Sprintf("%v/%v", ep.SigNum(), ep.SigCause())
	switch {
	case ep.SigNum() == snapshot.SigTrap:
		return &StopError{Reason: SigTrap, SnapID: id, Detail: detail}
	case ep.SigNum() == snapshot.SigSegv:
		switch ep.SigCause() {
		case snapshot.SegvCantRead, snapshot.SegvCantWrite:
			// The runner already tried growing pages.
			return &StopError{Reason: CannotAddMemory, SnapID: id, Detail: detail}
		case snapshot.SegvGeneralProtection:
			return &StopError{Reason: GeneralProtectionSigSegv, SnapID: id, Detail: detail}
		default:
			return &StopError{Reason: HardSigSegv, SnapID: id, Detail: detail}
		}
	default:
		return &StopError{Reason: Signal, SnapID: id, Detail: detail}
	}
}

// AddWritableMemoryForEndState adds RW mappings covering the end state
// memory bytes that no existing mapping covers, zero-filled. Iteration
// continues past the first failure to collect status; the first error
// wins and the caller discards the snapshot on error.
func AddWritableMemoryForEndState(s *snapshot.Snapshot, es *snapshot.EndState) error {
	var missing mem.ByteSet
	for _, b := range es.MemoryBytes() {
		missing.Add(b.Start(), b.Limit())
	}
	for _, m := range s.MemoryMappings() {
		missing.Remove(m.Start(), m.Limit())
	}
	var firstErr error
	saveErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	missing.Iterate(func(start, limit uint64) {
		if !mem.IsPageAligned(start) || !mem.IsPageAligned(limit) {
			saveErr(fmt.Errorf("end state touches non-page-aligned range [0x%x, 0x%x)", start, limit))
			return
		}
		if mem.ReservedMemoryMappings().Overlaps(start, limit) {
			saveErr(fmt.Errorf("end state touches reserved range [0x%x, 0x%x)", start, limit))
			return
		}
		mapping, err := mem.MakeRanged(start, limit, mem.RW())
		if err != nil {
			saveErr(err)
			return
		}
		if err := s.AddMemoryMapping(mapping); err != nil {
			saveErr(err)
			return
		}
		zero, err := mem.MakeRepeatingBytes(start, limit-start, 0)
		if err != nil {
			saveErr(err)
			return
		}
		if err := s.AddMemoryBytes(zero); err != nil {
			saveErr(err)
		}
	})
	return firstErr
}

// RecordEndState runs the snapshot once with page growth disabled and
// installs the observed end state as the unique expected one.
func (m *SnapMaker) RecordEndState(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
	cp, err := snapshot.Snapify(s, snapshot.V2InputMakeOpts(s.Arch()))
	if err != nil {
		return nil, err
	}
	driver, err := m.newDriver(m.opts.RunnerPath, cp)
	if err != nil {
		return nil, err
	}
	defer driver.Close()
	res, err := driver.MakeOne(cp.ID(), 0)
	if err != nil {
		return nil, err
	}
	if res.Success() {
		if err := cp.IsComplete(snapshot.NormalState); err != nil {
			return nil, fmt.Errorf("internal: %v ran as expected but is incomplete: %w", cp.ID(), err)
		}
		return cp, nil
	}
	es := res.ActualEndState
	if es == nil {
		return nil, fmt.Errorf("internal: recording end state of %v produced no end state", cp.ID())
	}
	if !es.IsComplete() {
		return nil, fmt.Errorf("internal: recording end state of %v produced an undefined end state", cp.ID())
	}
	es.SetPlatforms([]arch.PlatformID{arch.CurrentPlatformID()})
	cp.ClearExpectedEndStates()
	if err := cp.AddNegativeMemoryMappingsFor(*es); err != nil {
		return nil, err
	}
	if err := cp.AddExpectedEndState(*es); err != nil {
		return nil, err
	}
	if err := cp.IsComplete(snapshot.NormalState); err != nil {
		return nil, err
	}
	return cp, nil
}

// VerifyPlaysDeterministically replays the snapshot repeatedly and
// fails unless every replay reaches the expected end state bit-exactly.
func (m *SnapMaker) VerifyPlaysDeterministically(s *snapshot.Snapshot) error {
	cp, err := snapshot.Snapify(s, snapshot.V2InputRunOpts(s.Arch()))
	if err != nil {
		return err
	}
	driver, err := m.newDriver(m.opts.RunnerPath, cp)
	if err != nil {
		return err
	}
	defer driver.Close()
	res, err := driver.VerifyOneRepeatedly(cp.ID(), m.opts.NumVerifyAttempts)
	if err != nil {
		return err
	}
	if !res.Success() {
		statVerifyFailures.Add(1)
		if log.V(1) && res.ActualEndState != nil && len(cp.ExpectedEndStates()) > 0 {
			expected := cp.ExpectedEndStates()[0]
			diff := cmp.Diff(describeEndState(&expected), describeEndState(res.ActualEndState))
			log.Logf(1, "verify mismatch for %v (-expected +actual):\n%s", cp.ID(), diff)
		}
		return fmt.Errorf("Verify() failed, non-deterministic snapshot?")
	}
	return nil
}

// endStateView is the exported projection of an end state used for
// diffing in failure logs.
type endStateView struct {
	Endpoint    string
	GRegs       []byte
	FPRegs      []byte
	MemoryBytes []string
}

func describeEndState(es *snapshot.EndState) endStateView {
	view := endStateView{Endpoint: es.Endpoint().String()}
	if regs := es.Registers(); regs != nil {
		view.GRegs = regs.GRegs()
		view.FPRegs = regs.FPRegs()
	}
	for _, b := range es.MemoryBytes() {
		view.MemoryBytes = append(view.MemoryBytes, b.String())
	}
	return view
}

// CheckTrace single-steps the snapshot and attaches trace metadata.
// Dynamic tracing exists only on x86_64; on aarch64 the input is
// returned unchanged.
// TODO: static disassembly screening for aarch64.
func (m *SnapMaker) CheckTrace(s *snapshot.Snapshot, opts tracer.Options) (*snapshot.Snapshot, error) {
	if s.Arch() != arch.X86_64 {
		return s, nil
	}
	cp, err := snapshot.Snapify(s, snapshot.V2InputRunOpts(s.Arch()))
	if err != nil {
		return nil, err
	}
	driver, err := m.newDriver(m.opts.RunnerPath, cp)
	if err != nil {
		return nil, err
	}
	defer driver.Close()
	tr := tracer.New(opts)
	res, err := driver.TraceOne(cp.ID(), tr.Step)
	result := tr.Result()
	if err != nil {
		if result.EarlyTerminationReason != "" {
			return nil, fmt.Errorf("tracing %v failed: %v", cp.ID(), result.EarlyTerminationReason)
		}
		return nil, fmt.Errorf("tracing %v failed: %w", cp.ID(), err)
	}
	if !res.Success() {
		return nil, fmt.Errorf("tracing %v diverged: outcome %v", cp.ID(), res.Outcome)
	}
	cp.SetTraceData([]snapshot.TraceData{{
		NumInstructions: result.InstructionsExecuted,
		Disassembly:     strings.Join(result.Disassembly, "\n"),
		Platforms:       []arch.PlatformID{arch.CurrentPlatformID()},
	}})
	return cp, nil
}
