// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"fmt"

	"github.com/snapfuzz/snapfuzz/pkg/arch"
	"github.com/snapfuzz/snapfuzz/pkg/mem"
)

// EndpointKind says how a snapshot's execution is expected to stop.
type EndpointKind int

const (
	// Execution reaches a specific instruction address.
	InstructionEndpoint EndpointKind = iota
	// Execution receives a signal.
	SignalEndpoint
)

// SigNum is the signal delivered at a signal endpoint.
type SigNum int

const (
	SigNone SigNum = iota
	SigTrap
	SigSegv
	SigFPE
	SigIll
	SigBus
)

func (s SigNum) String() string {
	switch s {
	case SigTrap:
		return "SIGTRAP"
	case SigSegv:
		return "SIGSEGV"
	case SigFPE:
		return "SIGFPE"
	case SigIll:
		return "SIGILL"
	case SigBus:
		return "SIGBUS"
	default:
		return "no signal"
	}
}

// SigCause refines SigSegv endpoints.
type SigCause int

const (
	GenericSigCause SigCause = iota
	SegvCantRead
	SegvCantWrite
	SegvCantExec
	SegvOverflow
	SegvGeneralProtection
)

func (c SigCause) String() string {
	switch c {
	case SegvCantRead:
		return "cant-read"
	case SegvCantWrite:
		return "cant-write"
	case SegvCantExec:
		return "cant-exec"
	case SegvOverflow:
		return "overflow"
	case SegvGeneralProtection:
		return "general-protection"
	default:
		return "generic"
	}
}

// Endpoint is a tagged variant: execution stops either at an
// instruction address or on delivery of a signal.
type Endpoint struct {
	kind EndpointKind

	// Instruction endpoints.
	instructionAddress uint64

	// Signal endpoints.
	sigNum                SigNum
	sigCause              SigCause
	sigAddress            uint64
	sigInstructionAddress uint64
}

// MakeInstructionEndpoint makes an endpoint at the given address.
func MakeInstructionEndpoint(addr uint64) Endpoint {
	return Endpoint{kind: InstructionEndpoint, instructionAddress: addr}
}

// MakeSignalEndpoint makes a signal endpoint. sigAddress is the fault
// address (meaningful for SIGSEGV), sigInstructionAddress the address
// of the instruction that raised the signal.
func MakeSignalEndpoint(num SigNum, cause SigCause, sigAddress, sigInstructionAddress uint64) Endpoint {
	return Endpoint{
		kind:                  SignalEndpoint,
		sigNum:                num,
		sigCause:              cause,
		sigAddress:            sigAddress,
		sigInstructionAddress: sigInstructionAddress,
	}
}

func (e Endpoint) Kind() EndpointKind { return e.kind }

func (e Endpoint) InstructionAddress() uint64 { return e.instructionAddress }

func (e Endpoint) SigNum() SigNum   { return e.sigNum }
func (e Endpoint) SigCause() SigCause { return e.sigCause }
func (e Endpoint) SigAddress() uint64 { return e.sigAddress }
func (e Endpoint) SigInstructionAddress() uint64 { return e.sigInstructionAddress }

func (e Endpoint) String() string {
	if e.kind == InstructionEndpoint {
		return fmt.Sprintf("instruction@0x%x", e.instructionAddress)
	}
	return fmt.Sprintf("%v(%v)@0x%x", e.sigNum, e.sigCause, e.sigInstructionAddress)
}

// EndState is the observable state at an endpoint: post-execution
// memory bytes and registers, tagged with the platforms it was
// recorded on. An end state with no register state is the undefined
// sentinel used during making.
type EndState struct {
	endpoint    Endpoint
	memoryBytes []mem.Bytes
	registers   *RegisterState
	platforms   []arch.PlatformID
}

// MakeEndState makes an end state at endpoint with the given registers.
// With nil registers the result is incomplete (see IsComplete).
func MakeEndState(endpoint Endpoint, registers *RegisterState) EndState {
	return EndState{endpoint: endpoint, registers: registers}
}

// MakeUndefinedEndState makes the undefined sentinel anchored at addr.
func MakeUndefinedEndState(addr uint64) EndState {
	return EndState{endpoint: MakeInstructionEndpoint(addr)}
}

func (es *EndState) Endpoint() Endpoint { return es.endpoint }

func (es *EndState) Registers() *RegisterState { return es.registers }

func (es *EndState) MemoryBytes() []mem.Bytes { return es.memoryBytes }

// AddMemoryBytes appends a post-execution contents assertion.
func (es *EndState) AddMemoryBytes(b mem.Bytes) {
	es.memoryBytes = append(es.memoryBytes, b)
}

// IsComplete reports whether the end state carries a concrete register
// state, i.e. is not the undefined sentinel.
func (es *EndState) IsComplete() bool {
	return es.registers != nil
}

func (es *EndState) Platforms() []arch.PlatformID { return es.platforms }

func (es *EndState) HasPlatform(p arch.PlatformID) bool {
	for _, have := range es.platforms {
		if have == p {
			return true
		}
	}
	return false
}

// AddPlatform records that this end state was observed on p.
func (es *EndState) AddPlatform(p arch.PlatformID) {
	if !es.HasPlatform(p) {
		es.platforms = append(es.platforms, p)
	}
}

// SetPlatforms replaces the platform tags.
func (es *EndState) SetPlatforms(platforms []arch.PlatformID) {
	es.platforms = append([]arch.PlatformID(nil), platforms...)
}

// Copy returns an independent deep copy.
func (es *EndState) Copy() EndState {
	cp := EndState{
		endpoint:  es.endpoint,
		platforms: append([]arch.PlatformID(nil), es.platforms...),
	}
	for _, b := range es.memoryBytes {
		cp.memoryBytes = append(cp.memoryBytes, b.Copy())
	}
	if es.registers != nil {
		regs := es.registers.Copy()
		cp.registers = &regs
	}
	return cp
}
