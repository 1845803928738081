// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
	"github.com/snapfuzz/snapfuzz/pkg/snapshot"
)

// The runner reports results over its stdout pipe as little-endian
// magic-tagged structs followed by raw payload blobs.

const (
	replyMagic = uint64(0x736e6170726e7231) // "snaprnr1"
	stepMagic  = uint32(0x736e7031)         // "snp1"
)

const (
	replyFlagHasEndState = 1 << iota
)

type runReply struct {
	magic   uint64
	outcome uint32
	flags   uint32
}

type endpointReply struct {
	kind                  uint32
	sigNum                uint32
	sigCause              uint32
	_                     uint32
	instructionAddress    uint64
	sigAddress            uint64
	sigInstructionAddress uint64
}

type regsReply struct {
	arch       uint64
	gregsSize  uint64
	fpregsSize uint64
}

type memoryBytesReply struct {
	numEntries uint64
}

type memoryBytesEntry struct {
	start uint64
	size  uint64
}

type stepReply struct {
	magic     uint32
	done      uint32
	address   uint64
	insnSize  uint64
	gregsSize uint64
}

func readStruct[T any](r io.Reader, v *T) error {
	data := unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
	_, err := io.ReadFull(r, data)
	return err
}

func writeStruct[T any](w io.Writer, v *T) error {
	data := unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
	_, err := w.Write(data)
	return err
}

func archFromTag(tag uint64) (arch.Arch, error) {
	switch tag {
	case 1:
		return arch.X86_64, nil
	case 2:
		return arch.AArch64, nil
	}
	return arch.Unsupported, fmt.Errorf("bad architecture tag %v in runner reply", tag)
}

func archTag(a arch.Arch) uint64 {
	if a == arch.AArch64 {
		return 2
	}
	return 1
}

// parseRunReply reads a complete run result off the runner's stdout.
func parseRunReply(r io.Reader) (*RunResult, error) {
	var hdr runReply
	if err := readStruct(r, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read runner reply: %w", err)
	}
	if hdr.magic != replyMagic {
		return nil, fmt.Errorf("bad runner reply magic 0x%x", hdr.magic)
	}
	if hdr.outcome > uint32(PlatformMismatch) {
		return nil, fmt.Errorf("bad outcome %v in runner reply", hdr.outcome)
	}
	res := &RunResult{Outcome: Outcome(hdr.outcome)}
	if hdr.flags&replyFlagHasEndState == 0 {
		return res, nil
	}
	es, err := parseEndState(r)
	if err != nil {
		return nil, err
	}
	res.ActualEndState = es
	return res, nil
}

func parseEndState(r io.Reader) (*snapshot.EndState, error) {
	var epr endpointReply
	if err := readStruct(r, &epr); err != nil {
		return nil, fmt.Errorf("failed to read endpoint: %w", err)
	}
	var endpoint snapshot.Endpoint
	switch epr.kind {
	case 0:
		endpoint = snapshot.MakeInstructionEndpoint(epr.instructionAddress)
	case 1:
		endpoint = snapshot.MakeSignalEndpoint(
			snapshot.SigNum(epr.sigNum), snapshot.SigCause(epr.sigCause),
			epr.sigAddress, epr.sigInstructionAddress)
	default:
		return nil, fmt.Errorf("bad endpoint kind %v in runner reply", epr.kind)
	}

	var rr regsReply
	if err := readStruct(r, &rr); err != nil {
		return nil, fmt.Errorf("failed to read register header: %w", err)
	}
	regs, err := parseRegisters(r, rr)
	if err != nil {
		return nil, err
	}
	es := snapshot.MakeEndState(endpoint, regs)

	var mbr memoryBytesReply
	if err := readStruct(r, &mbr); err != nil {
		return nil, fmt.Errorf("failed to read memory bytes header: %w", err)
	}
	const maxEntries = 1 << 20
	if mbr.numEntries > maxEntries {
		return nil, fmt.Errorf("bad memory bytes count %v in runner reply", mbr.numEntries)
	}
	for i := uint64(0); i < mbr.numEntries; i++ {
		var entry memoryBytesEntry
		if err := readStruct(r, &entry); err != nil {
			return nil, fmt.Errorf("failed to read memory bytes entry: %w", err)
		}
		const maxBytes = 1 << 30
		if entry.size == 0 || entry.size > maxBytes {
			return nil, fmt.Errorf("bad memory bytes size %v in runner reply", entry.size)
		}
		data := make([]byte, entry.size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("failed to read memory bytes data: %w", err)
		}
		b, err := mem.MakeBytes(entry.start, data)
		if err != nil {
			return nil, err
		}
		es.AddMemoryBytes(b)
	}
	return &es, nil
}

func parseRegisters(r io.Reader, rr regsReply) (*snapshot.RegisterState, error) {
	if rr.gregsSize == 0 && rr.fpregsSize == 0 {
		// Undefined end state: the runner has no register bank to report.
		return nil, nil
	}
	a, err := archFromTag(rr.arch)
	if err != nil {
		return nil, err
	}
	const maxBank = 1 << 16
	if rr.gregsSize > maxBank || rr.fpregsSize > maxBank {
		return nil, fmt.Errorf("bad register bank sizes %v/%v in runner reply", rr.gregsSize, rr.fpregsSize)
	}
	gregs := make([]byte, rr.gregsSize)
	if _, err := io.ReadFull(r, gregs); err != nil {
		return nil, fmt.Errorf("failed to read gregs: %w", err)
	}
	fpregs := make([]byte, rr.fpregsSize)
	if _, err := io.ReadFull(r, fpregs); err != nil {
		return nil, fmt.Errorf("failed to read fpregs: %w", err)
	}
	return snapshot.MakeRegisterState(a, gregs, fpregs)
}

// parseStepReply reads one single-step record off the trace stream.
// Returns done=true on the final record.
func parseStepReply(r io.Reader, a arch.Arch) (step StepRecord, done bool, err error) {
	var sr stepReply
	if err := readStruct(r, &sr); err != nil {
		return StepRecord{}, false, fmt.Errorf("failed to read step record: %w", err)
	}
	if sr.magic != stepMagic {
		return StepRecord{}, false, fmt.Errorf("bad step record magic 0x%x", sr.magic)
	}
	if sr.done != 0 {
		return StepRecord{}, true, nil
	}
	const maxInsn = 16
	if sr.insnSize == 0 || sr.insnSize > maxInsn {
		return StepRecord{}, false, fmt.Errorf("bad instruction size %v in step record", sr.insnSize)
	}
	insn := make([]byte, sr.insnSize)
	if _, err := io.ReadFull(r, insn); err != nil {
		return StepRecord{}, false, fmt.Errorf("failed to read step instruction: %w", err)
	}
	// Step records carry only the gregs bank.
	var regs *snapshot.RegisterState
	if sr.gregsSize != 0 {
		const maxBank = 1 << 16
		if sr.gregsSize > maxBank {
			return StepRecord{}, false, fmt.Errorf("bad gregs size %v in step record", sr.gregsSize)
		}
		gregs := make([]byte, sr.gregsSize)
		if _, err := io.ReadFull(r, gregs); err != nil {
			return StepRecord{}, false, fmt.Errorf("failed to read step gregs: %w", err)
		}
		var mkErr error
		regs, mkErr = snapshot.MakeRegisterStateGRegs(a, gregs)
		if mkErr != nil {
			return StepRecord{}, false, mkErr
		}
	}
	return StepRecord{Address: sr.address, Instruction: insn, Registers: regs}, false, nil
}

// writeStepReply emits one single-step record.
func writeStepReply(w io.Writer, step StepRecord) error {
	sr := stepReply{
		magic:    stepMagic,
		address:  step.Address,
		insnSize: uint64(len(step.Instruction)),
	}
	if step.Registers != nil {
		sr.gregsSize = uint64(len(step.Registers.GRegs()))
	}
	if err := writeStruct(w, &sr); err != nil {
		return err
	}
	if _, err := w.Write(step.Instruction); err != nil {
		return err
	}
	if step.Registers != nil {
		if _, err := w.Write(step.Registers.GRegs()); err != nil {
			return err
		}
	}
	return nil
}

// writeStepDone terminates a trace stream.
func writeStepDone(w io.Writer) error {
	sr := stepReply{magic: stepMagic, done: 1}
	return writeStruct(w, &sr)
}

// writeRunReply emits the wire form of a run result. The runner's own
// implementation of the protocol lives in the runner binary; this
// writer keeps the two sides testable against each other.
func writeRunReply(w io.Writer, res *RunResult) error {
	hdr := runReply{magic: replyMagic, outcome: uint32(res.Outcome)}
	if res.ActualEndState != nil {
		hdr.flags |= replyFlagHasEndState
	}
	if err := writeStruct(w, &hdr); err != nil {
		return err
	}
	if res.ActualEndState == nil {
		return nil
	}
	return writeEndState(w, res.ActualEndState)
}

func writeEndState(w io.Writer, es *snapshot.EndState) error {
	ep := es.Endpoint()
	epr := endpointReply{
		instructionAddress:    ep.InstructionAddress(),
		sigNum:                uint32(ep.SigNum()),
		sigCause:              uint32(ep.SigCause()),
		sigAddress:            ep.SigAddress(),
		sigInstructionAddress: ep.SigInstructionAddress(),
	}
	if ep.Kind() == snapshot.SignalEndpoint {
		epr.kind = 1
	}
	if err := writeStruct(w, &epr); err != nil {
		return err
	}
	var rr regsReply
	if regs := es.Registers(); regs != nil {
		rr = regsReply{
			arch:       archTag(regs.Arch()),
			gregsSize:  uint64(len(regs.GRegs())),
			fpregsSize: uint64(len(regs.FPRegs())),
		}
	}
	if err := writeStruct(w, &rr); err != nil {
		return err
	}
	if regs := es.Registers(); regs != nil {
		if _, err := w.Write(regs.GRegs()); err != nil {
			return err
		}
		if _, err := w.Write(regs.FPRegs()); err != nil {
			return err
		}
	}
	mbr := memoryBytesReply{numEntries: uint64(len(es.MemoryBytes()))}
	if err := writeStruct(w, &mbr); err != nil {
		return err
	}
	for _, b := range es.MemoryBytes() {
		entry := memoryBytesEntry{start: b.Start(), size: b.NumBytes()}
		if err := writeStruct(w, &entry); err != nil {
			return err
		}
		if _, err := w.Write(b.Values()); err != nil {
			return err
		}
	}
	return nil
}
