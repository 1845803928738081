// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package arch defines architecture and platform tags shared by all
// snapfuzz packages.
package arch

import (
	"fmt"
	"runtime"
)

// Arch identifies the instruction set architecture of a snapshot.
type Arch int

const (
	Unsupported Arch = iota
	X86_64
	AArch64
)

// PageSize is the memory page size assumed by all snapshot layouts.
// Both supported architectures run with 4K pages.
const PageSize = 4096

func (a Arch) String() string {
	switch a {
	case X86_64:
		return "x86_64"
	case AArch64:
		return "aarch64"
	default:
		return fmt.Sprintf("unsupported(%d)", int(a))
	}
}

// Current returns the architecture this process runs on.
func Current() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return X86_64
	case "arm64":
		return AArch64
	default:
		return Unsupported
	}
}

// PlatformID identifies a microarchitecture class. End states recorded on
// one platform may legitimately differ from those recorded on another, so
// every recorded end state and trace is tagged with the platform it was
// captured on.
type PlatformID int

const (
	UndefinedPlatform PlatformID = iota
	AnyX86_64
	AnyAArch64
	NonExistentPlatform
)

func (p PlatformID) String() string {
	switch p {
	case AnyX86_64:
		return "any-x86_64"
	case AnyAArch64:
		return "any-aarch64"
	case NonExistentPlatform:
		return "non-existent"
	default:
		return "undefined"
	}
}

// CurrentPlatformID returns the platform tag for this machine.
// Initialized once, safe for concurrent reads.
func CurrentPlatformID() PlatformID {
	return currentPlatform
}

var currentPlatform = func() PlatformID {
	switch Current() {
	case X86_64:
		return AnyX86_64
	case AArch64:
		return AnyAArch64
	default:
		return UndefinedPlatform
	}
}()
