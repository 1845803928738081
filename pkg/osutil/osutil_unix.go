// Copyright 2024 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setPdeathsig makes the child die if this process dies, so that stray
// runner processes do not outlive the driver.
func setPdeathsig(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = unix.SIGKILL
	// The child may spawn its own group, kill it as a whole on timeout.
	cmd.SysProcAttr.Setpgid = true
}

func killPgroup(cmd *exec.Cmd) {
	unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

// ProcessExitStatus returns the exit status of a finished process,
// or -1 if it was killed by a signal or did not run.
func ProcessExitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Exited() {
		return ws.ExitStatus()
	}
	return -1
}

// ProcessSignal returns the signal that terminated the process, or 0.
func ProcessSignal(ps *os.ProcessState) unix.Signal {
	if ps == nil {
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return unix.Signal(ws.Signal())
	}
	return 0
}
