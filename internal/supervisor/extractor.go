/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

// ExtractorFields is the order of the lines the extractor prints.
var ExtractorFields = []string{"url", "title", "duration", "format", "quality"}

var extractorTemplates = []string{
	"%(url)s",
	"%(title)s",
	"%(duration)s",
	"%(ext)s",
	"%(format_note,abr)s",
}

// ExtractError carries a failed extractor run's exit status and stderr.
type ExtractError struct {
	ExitCode int
	Stderr   string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extractor exited with code %d: %s", e.ExitCode, e.Stderr)
}

// extractorArgs renders the fixed invocation: audio-only format selection,
// a single item, one field per stdout line.
func (s *Supervisor) extractorArgs(ref string) ([]string, error) {
	flags := ytdlp.New().
		Format(s.cfg.ExtractorFormat).
		NoPlaylist().
		IgnoreConfig().
		NoWarnings().
		Quiet().
		GetFlagConfig()
	if err := flags.Validate(); err != nil {
		return nil, err
	}

	var args []string
	for _, f := range flags.ToFlags() {
		args = append(args, f.Raw()...)
	}
	// --print repeats, which the builder cannot express.
	for _, tmpl := range extractorTemplates {
		args = append(args, "--print", tmpl)
	}
	return append(args, ref), nil
}

func (s *Supervisor) runExtractor(ctx context.Context, ref string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExtractTimeout)
	defer cancel()

	args, err := s.extractorArgs(ref)
	if err != nil {
		return nil, result.Wrap(result.CodeStartFailed, err, "build extractor arguments")
	}
	cmd := exec.CommandContext(ctx, s.binaryPath(ExtractorName), args...)
	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	setSysProcAttr(cmd)
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		telemetry.ExtractorRunsTotal.WithLabelValues("start_failed").Inc()
		return nil, result.Wrap(result.CodeStartFailed, err, "start extractor")
	}

	p := newManagedProcess(ExtractorName, cmd)
	s.mu.Lock()
	s.extractors[p.pid] = p
	s.mu.Unlock()
	telemetry.ExtractorInFlight.Inc()

	err = cmd.Wait()
	p.exitErr = err
	close(p.done)

	telemetry.ExtractorInFlight.Dec()
	s.mu.Lock()
	delete(s.extractors, p.pid)
	s.mu.Unlock()

	logger := s.logger.With().Int("pid", p.pid).Str("reference", ref).Dur("elapsed", time.Since(start)).Logger()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		telemetry.ExtractorRunsTotal.WithLabelValues("timeout").Inc()
		logger.Warn().Msg("extractor timed out")
		return nil, result.Wrap(result.CodeProcessTimeout, ctx.Err(), "extractor exceeded %s", s.cfg.ExtractTimeout)
	case ctx.Err() != nil:
		telemetry.ExtractorRunsTotal.WithLabelValues("cancelled").Inc()
		return nil, result.Wrap(result.CodeExtractionFailed, ctx.Err(), "extraction cancelled")
	case err != nil:
		telemetry.ExtractorRunsTotal.WithLabelValues("failed").Inc()
		xerr := &ExtractError{ExitCode: exitCode(cmd), Stderr: stderr.String()}
		logger.Warn().Int("exit_code", xerr.ExitCode).Str("stderr", xerr.Stderr).Msg("extractor failed")
		return nil, result.Wrap(result.CodeExtractionFailed, xerr, "extractor exited with code %d", xerr.ExitCode)
	}

	telemetry.ExtractorRunsTotal.WithLabelValues("ok").Inc()
	logger.Debug().Msg("extractor finished")
	return stdout.Bytes(), nil
}
