// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package runner drives the external runner binary: it hands the
// runner a corpus with the snapshot under test and decodes the
// reported outcome.
package runner

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/corpus"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
	"github.com/snapfuzz/snapfuzz/pkg/stat"
)

// Outcome classifies a single snapshot execution.
type Outcome int

const (
	AsExpected Outcome = iota
	MemoryMismatch
	RegisterStateMismatch
	ExecutionMisbehave
	ExecutionRunaway
	EndpointMismatch
	PlatformMismatch
)

func (o Outcome) String() string {
	switch o {
	case AsExpected:
		return "as-expected"
	case MemoryMismatch:
		return "memory-mismatch"
	case RegisterStateMismatch:
		return "register-state-mismatch"
	case ExecutionMisbehave:
		return "execution-misbehave"
	case ExecutionRunaway:
		return "execution-runaway"
	case EndpointMismatch:
		return "endpoint-mismatch"
	case PlatformMismatch:
		return "platform-mismatch"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RunResult is what the runner reported for one execution.
// ActualEndState is present for all mismatch outcomes.
type RunResult struct {
	Outcome        Outcome
	ActualEndState *snapshot.EndState
}

func (r *RunResult) Success() bool {
	return r.Outcome == AsExpected
}

// StepRecord is one single-stepped instruction reported during tracing.
type StepRecord struct {
	Address     uint64
	Instruction []byte
	Registers   *snapshot.RegisterState
}

// StepFunc is invoked for every traced instruction. Returning an error
// aborts the trace and kills the runner.
type StepFunc func(StepRecord) error

var (
	statExecs    = stat.New("runner execs", "Total runner executions", stat.Rate{}, stat.Prometheus("snapfuzz_runner_execs"))
	statTimeouts = stat.New("runner timeouts", "Runner executions killed on timeout")
)

// DefaultTimeout bounds a single runner invocation.
const DefaultTimeout = 10 * time.Second

// Driver runs one snapshot through the runner binary. Each operation
// spawns a fresh runner subprocess scoped to the call.
type Driver struct {
	runnerPath string
	corpusPath string
	ownsCorpus bool
	snapArch   arch.Arch
	timeout    time.Duration
}

// FromSnapshot builds a driver for snap: the snapshot is serialized
// into a single-snap corpus in a temp file. Close removes the file.
func FromSnapshot(runnerPath string, snap *snapshot.Snapshot) (*Driver, error) {
	path, err := osutil.TempFile("snapfuzz-corpus")
	if err != nil {
		return nil, err
	}
	if err := corpus.WriteFile(path, []*snapshot.Snapshot{snap}); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write corpus for %v: %w", snap.ID(), err)
	}
	return &Driver{
		runnerPath: runnerPath,
		corpusPath: path,
		ownsCorpus: true,
		snapArch:   snap.Arch(),
		timeout:    DefaultTimeout,
	}, nil
}

// ForCorpus builds a driver over an existing corpus file.
func ForCorpus(runnerPath, corpusPath string, a arch.Arch) *Driver {
	return &Driver{
		runnerPath: runnerPath,
		corpusPath: corpusPath,
		snapArch:   a,
		timeout:    DefaultTimeout,
	}
}

// SetTimeout overrides the per-invocation time budget.
func (d *Driver) SetTimeout(timeout time.Duration) {
	d.timeout = timeout
}

// Close releases the temp corpus, if the driver owns one.
func (d *Driver) Close() {
	if d.ownsCorpus {
		os.Remove(d.corpusPath)
	}
}

// MakeOne executes the snapshot in make mode: the runner may add up to
// maxPagesToAdd writable pages to satisfy faulting accesses before
// reporting the outcome.
func (d *Driver) MakeOne(id string, maxPagesToAdd int) (*RunResult, error) {
	args := []string{
		"--mode=make",
		"--snap_id=" + id,
		"--max_pages_to_add=" + strconv.Itoa(maxPagesToAdd),
		d.corpusPath,
	}
	return d.run(args, nil)
}

// VerifyOneRepeatedly replays the snapshot numAttempts times and
// reports the first divergence, or AsExpected if all replays match.
func (d *Driver) VerifyOneRepeatedly(id string, numAttempts int) (*RunResult, error) {
	args := []string{
		"--mode=verify",
		"--snap_id=" + id,
		"--num_iterations=" + strconv.Itoa(numAttempts),
		d.corpusPath,
	}
	return d.run(args, nil)
}

// TraceOne single-steps the snapshot, invoking stepFn for every
// executed instruction. An error from stepFn aborts the trace.
func (d *Driver) TraceOne(id string, stepFn StepFunc) (*RunResult, error) {
	args := []string{
		"--mode=trace",
		"--snap_id=" + id,
		d.corpusPath,
	}
	return d.run(args, stepFn)
}

// run spawns the runner, parses its stdout reply and reaps the process
// on all paths.
func (d *Driver) run(args []string, stepFn StepFunc) (*RunResult, error) {
	statExecs.Add(1)
	cmd := osutil.Command(d.runnerPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %v", err)
	}
	cmd.Stderr = log.VerboseWriter(2)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runner %v: %v", d.runnerPath, err)
	}
	done := make(chan bool)
	hanged := make(chan bool, 1)
	timer := time.NewTimer(d.timeout)
	go func() {
		select {
		case <-timer.C:
			hanged <- true
			cmd.Process.Kill()
		case <-done:
			hanged <- false
			timer.Stop()
		}
	}()

	res, parseErr := d.parseReply(stdout, cmd.Process.Kill, stepFn)
	io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	close(done)
	if <-hanged {
		statTimeouts.Add(1)
		return nil, fmt.Errorf("runner %q timed out after %v", args, d.timeout)
	}
	if parseErr != nil {
		if waitErr != nil {
			return nil, fmt.Errorf("runner %q failed: %v (%v)", args, parseErr, waitErr)
		}
		return nil, fmt.Errorf("runner %q failed: %v", args, parseErr)
	}
	// The reply is authoritative; a non-zero exit merely mirrors a
	// non-as-expected outcome.
	return res, nil
}

func (d *Driver) parseReply(r io.Reader, kill func() error, stepFn StepFunc) (*RunResult, error) {
	if stepFn == nil {
		return parseRunReply(r)
	}
	for {
		step, done, err := parseStepReply(r, d.snapArch)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		if err := stepFn(step); err != nil {
			kill()
			return nil, err
		}
	}
	return parseRunReply(r)
}
