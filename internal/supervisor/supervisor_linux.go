/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

//go:build linux

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/prometheus/procfs"

	"github.com/friendsincode/grimnir_jukebox/internal/models"
)

// setSysProcAttr puts the child in its own process group and asks the
// kernel to SIGKILL it when its parent goes away.
//
// Pdeathsig is tied to the OS thread that forked the child, not to this
// process: if the Go runtime retires that thread the player is killed early.
// The runtime only retires threads that exit while locked, which nothing here
// does, so in practice it fires on process exit. KillAll and RecoverAndKill
// remain the cleanup path on orderly shutdown.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// signalGroup signals the process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return os.ErrProcessDone
	}
	err := syscall.Kill(-pid, sig)
	if err == syscall.ESRCH {
		return os.ErrProcessDone
	}
	return err
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// readUsage samples RSS and CPU time from procfs.
func readUsage(pid int) models.ResourceUsage {
	usage := models.ResourceUsage{SampledAt: time.Now()}
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return usage
	}
	stat, err := proc.Stat()
	if err != nil {
		return usage
	}
	usage.CPUTime = time.Duration(stat.CPUTime() * float64(time.Second))
	usage.RSSBytes = int64(stat.ResidentMemory())
	usage.Available = true
	return usage
}
