/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

//go:build !linux

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/friendsincode/grimnir_jukebox/internal/models"
)

func setSysProcAttr(*exec.Cmd) {}

// signalGroup signals only pid; process groups are a Linux-only setup here.
func signalGroup(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if sig == syscall.SIGKILL {
		return proc.Kill()
	}
	return proc.Signal(sig)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func readUsage(int) models.ResourceUsage {
	return models.ResourceUsage{SampledAt: time.Now()}
}
