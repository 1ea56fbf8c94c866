/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package supervisor

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/models"
)

// managedProcess tracks one supervised child.
type managedProcess struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	exitErr   error
	stopping  atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	healthy   bool
	usage     models.ResourceUsage
}

func newManagedProcess(name string, cmd *exec.Cmd) *managedProcess {
	return &managedProcess{
		name:      name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		healthy:   true,
	}
}

func (p *managedProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *managedProcess) info() models.ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.ProcessInfo{
		Name:              p.name,
		PID:               p.pid,
		StartedAt:         p.startedAt,
		LastHealthCheckAt: p.lastCheck,
		Healthy:           p.healthy && !p.exited(),
		ResourceUsage:     p.usage,
	}
}

func (p *managedProcess) recordCheck(healthy bool, usage models.ResourceUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCheck = time.Now()
	p.healthy = healthy
	p.usage = usage
}

// logWriter forwards child stderr to the logger one line at a time.
type logWriter struct {
	logger zerolog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func newLogWriter(logger zerolog.Logger, process string) *logWriter {
	return &logWriter{logger: logger.With().Str("process", process).Logger()}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if line = strings.TrimSpace(line); line != "" {
			w.logger.Debug().Str("stderr", line).Msg("child output")
		}
	}
	return len(p), nil
}

// cappedBuffer keeps the first max bytes written to it.
type cappedBuffer struct {
	max int
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
