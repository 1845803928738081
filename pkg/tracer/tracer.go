// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tracer implements the disassembling single-step tracer used
// by the trace-checking stage on x86_64. It rejects snapshots whose
// instruction stream cannot replay deterministically: timestamp and
// random-number reads, locked accesses that straddle a cache line, and
// runaway executions past the instruction budget.
package tracer

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/runner"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
)

// Options configure a trace run.
type Options struct {
	// InstructionCountBudget bounds the dynamic instruction count.
	InstructionCountBudget int
	// FilterSplitLock rejects locked accesses crossing a cache line.
	FilterSplitLock bool
	// FilterNonDeterministicInsns rejects RDTSC and friends.
	FilterNonDeterministicInsns bool
}

// DefaultOptions returns the options used by the making pipeline.
func DefaultOptions() Options {
	return Options{
		InstructionCountBudget:      1000,
		FilterSplitLock:             true,
		FilterNonDeterministicInsns: true,
	}
}

// Result summarizes a completed trace.
type Result struct {
	InstructionsExecuted   int
	Disassembly            []string
	EarlyTerminationReason string
}

const cacheLineSize = 64

// Tracer consumes single-step records from the runner and accumulates
// a disassembly listing. Its Step method is handed to
// runner.Driver.TraceOne as the step callback.
type Tracer struct {
	opts   Options
	result Result
}

func New(opts Options) *Tracer {
	if opts.InstructionCountBudget <= 0 {
		opts.InstructionCountBudget = DefaultOptions().InstructionCountBudget
	}
	return &Tracer{opts: opts}
}

func (t *Tracer) Result() Result {
	return t.result
}

// Step decodes and screens one executed instruction. A non-nil return
// aborts the trace; the reason is kept in the result.
func (t *Tracer) Step(step runner.StepRecord) error {
	t.result.InstructionsExecuted++
	if t.result.InstructionsExecuted > t.opts.InstructionCountBudget {
		return t.terminate("exceeded instruction count budget of %v", t.opts.InstructionCountBudget)
	}
	if t.opts.FilterNonDeterministicInsns && isRDSEED(step.Instruction) {
		return t.terminate("non-deterministic instruction RDSEED at 0x%x", step.Address)
	}
	inst, err := x86asm.Decode(step.Instruction, 64)
	if err != nil {
		return t.terminate("failed to decode instruction at 0x%x: %v", step.Address, err)
	}
	text := x86asm.IntelSyntax(inst, step.Address, nil)
	t.result.Disassembly = append(t.result.Disassembly, fmt.Sprintf("0x%x: %s", step.Address, text))
	log.Logf(3, "step 0x%x: %s", step.Address, text)

	if t.opts.FilterNonDeterministicInsns && nonDeterministic(inst.Op) {
		return t.terminate("non-deterministic instruction %v at 0x%x", inst.Op, step.Address)
	}
	if t.opts.FilterSplitLock {
		if split, err := splitLockAccess(inst, step); err != nil {
			return t.terminate("%v", err)
		} else if split {
			return t.terminate("split-lock access at 0x%x: %s", step.Address, text)
		}
	}
	return nil
}

func (t *Tracer) terminate(msg string, args ...interface{}) error {
	t.result.EarlyTerminationReason = fmt.Sprintf(msg, args...)
	return fmt.Errorf("%s", t.result.EarlyTerminationReason)
}

func nonDeterministic(op x86asm.Op) bool {
	switch op {
	case x86asm.RDTSC, x86asm.RDTSCP, x86asm.RDRAND:
		return true
	}
	return false
}

// isRDSEED matches RDSEED (0F C7 /7 with a register operand, optionally
// after 66 or REX prefixes); x86asm has no opcode for it.
func isRDSEED(insn []byte) bool {
	i := 0
	for i < len(insn) && (insn[i] == 0x66 || insn[i]&0xf0 == 0x40) {
		i++
	}
	return len(insn) >= i+3 && insn[i] == 0x0f && insn[i+1] == 0xc7 &&
		insn[i+2]>>6 == 3 && insn[i+2]>>3&7 == 7
}

// splitLockAccess reports whether a LOCK-prefixed memory access
// straddles a cache line boundary. Such accesses assert a bus lock
// and perform machine-globally visibly differently across platforms.
func splitLockAccess(inst x86asm.Inst, step runner.StepRecord) (bool, error) {
	if !hasLockPrefix(inst) || inst.MemBytes == 0 {
		return false, nil
	}
	var memArg *x86asm.Mem
	for _, arg := range inst.Args {
		if m, ok := arg.(x86asm.Mem); ok {
			memArg = &m
			break
		}
	}
	if memArg == nil {
		return false, nil
	}
	if step.Registers == nil {
		return false, fmt.Errorf("locked access at 0x%x with no register context", step.Address)
	}
	ea, err := effectiveAddress(*memArg, step)
	if err != nil {
		return false, err
	}
	return ea%cacheLineSize+uint64(inst.MemBytes) > cacheLineSize, nil
}

func hasLockPrefix(inst x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if p&0xff == 0xf0 {
			return true
		}
	}
	// XCHG with memory locks implicitly.
	if inst.Op == x86asm.XCHG && inst.MemBytes != 0 {
		return true
	}
	return false
}

func effectiveAddress(m x86asm.Mem, step runner.StepRecord) (uint64, error) {
	regs, err := snapshot.DecodeX86_64Regs(step.Registers)
	if err != nil {
		return 0, err
	}
	addr := uint64(m.Disp)
	if m.Base != 0 {
		v, err := regValue(m.Base, &regs, step.Address)
		if err != nil {
			return 0, err
		}
		addr += v
	}
	if m.Index != 0 {
		v, err := regValue(m.Index, &regs, step.Address)
		if err != nil {
			return 0, err
		}
		addr += v * uint64(m.Scale)
	}
	return addr, nil
}

func regValue(reg x86asm.Reg, regs *snapshot.X86_64Regs, rip uint64) (uint64, error) {
	switch reg {
	case x86asm.RAX:
		return regs.RAX, nil
	case x86asm.RCX:
		return regs.RCX, nil
	case x86asm.RDX:
		return regs.RDX, nil
	case x86asm.RBX:
		return regs.RBX, nil
	case x86asm.RSP:
		return regs.RSP, nil
	case x86asm.RBP:
		return regs.RBP, nil
	case x86asm.RSI:
		return regs.RSI, nil
	case x86asm.RDI:
		return regs.RDI, nil
	case x86asm.R8:
		return regs.R8, nil
	case x86asm.R9:
		return regs.R9, nil
	case x86asm.R10:
		return regs.R10, nil
	case x86asm.R11:
		return regs.R11, nil
	case x86asm.R12:
		return regs.R12, nil
	case x86asm.R13:
		return regs.R13, nil
	case x86asm.R14:
		return regs.R14, nil
	case x86asm.R15:
		return regs.R15, nil
	case x86asm.RIP:
		return rip, nil
	default:
		return 0, fmt.Errorf("cannot resolve register %v in memory operand", reg)
	}
}
