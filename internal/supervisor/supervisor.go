/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package supervisor spawns, health-checks, restarts and tears down the
// external player process and the one-shot extractor runs.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

// Process names used in logs, metrics and events.
const (
	PlayerName    = "player"
	ExtractorName = "extractor"
)

const (
	defaultPlayerBinary    = "mpv"
	defaultExtractorBinary = "yt-dlp"
	defaultExtractorFormat = "bestaudio/best"
	defaultMaxExtractors   = 3
	defaultExtractTimeout  = 30 * time.Second
	defaultStartTimeout    = 5 * time.Second
	defaultStopTimeout     = 3 * time.Second
	defaultHealthInterval  = 10 * time.Second
	versionProbeTimeout    = 5 * time.Second
	maxStderrBytes         = 64 << 10
	maxSocketPathLength    = 104
)

// Config configures the supervisor. Zero values take defaults.
type Config struct {
	PlayerBinary    string
	ExtractorBinary string
	ExtractorFormat string
	MaxExtractors   int
	ExtractTimeout  time.Duration
	StartTimeout    time.Duration
	StopTimeout     time.Duration
	HealthInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.PlayerBinary == "" {
		c.PlayerBinary = defaultPlayerBinary
	}
	if c.ExtractorBinary == "" {
		c.ExtractorBinary = defaultExtractorBinary
	}
	if c.ExtractorFormat == "" {
		c.ExtractorFormat = defaultExtractorFormat
	}
	if c.MaxExtractors <= 0 {
		c.MaxExtractors = defaultMaxExtractors
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = defaultExtractTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
}

// PlayerOptions is the validated argument set for the player process.
type PlayerOptions struct {
	SocketPath  string
	Volume      int
	AudioDevice string
}

// Validate checks the options before they reach a command line.
func (o PlayerOptions) Validate() error {
	switch {
	case o.SocketPath == "":
		return result.New(result.CodeStartFailed, "ipc socket path is required")
	case !filepath.IsAbs(o.SocketPath):
		return result.New(result.CodeStartFailed, "ipc socket path must be absolute: %q", o.SocketPath)
	case len(o.SocketPath) > maxSocketPathLength:
		return result.New(result.CodeStartFailed, "ipc socket path is too long")
	case strings.ContainsAny(o.SocketPath, "\x00\n"):
		return result.New(result.CodeStartFailed, "ipc socket path contains control characters")
	case o.Volume < 0 || o.Volume > 100:
		return result.New(result.CodeStartFailed, "volume %d outside 0-100", o.Volume)
	case strings.ContainsAny(o.AudioDevice, " \t\n\x00"):
		return result.New(result.CodeStartFailed, "audio device contains whitespace")
	}
	return nil
}

// Args returns the fixed player command line.
func (o PlayerOptions) Args() []string {
	args := []string{
		"--no-video",
		"--no-terminal",
		"--idle=yes",
		"--gapless-audio=yes",
		"--input-ipc-server=" + o.SocketPath,
		"--volume=" + strconv.Itoa(o.Volume),
	}
	if o.AudioDevice != "" {
		args = append(args, "--audio-device="+o.AudioDevice)
	}
	return args
}

// ExitEvent describes a supervised process exiting.
type ExitEvent struct {
	Name     string
	PID      int
	ExitCode int
	Err      error
	// Expected is true when the exit was requested through the supervisor.
	Expected bool
	Uptime   time.Duration
}

// DependencyInfo describes a probed executable.
type DependencyInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Supervisor owns the player process and transient extractor processes.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger
	bus    events.Publisher

	extractSem *semaphore.Weighted
	exits      *events.Listeners[ExitEvent]

	// lifecycle serializes player start, stop and restart.
	lifecycle sync.Mutex

	mu         sync.Mutex
	player     *managedProcess
	lastOpts   *PlayerOptions
	extractors map[int]*managedProcess
	deps       []DependencyInfo

	depsMu sync.Mutex
	closed atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates a supervisor. bus may be nil.
func New(cfg Config, bus events.Publisher, logger zerolog.Logger) *Supervisor {
	cfg.setDefaults()
	logger = logger.With().Str("component", "supervisor").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		extractSem: semaphore.NewWeighted(int64(cfg.MaxExtractors)),
		exits:      events.NewListeners[ExitEvent]("process_exit", logger),
		extractors: make(map[int]*managedProcess),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnExit registers a listener for process exits.
func (s *Supervisor) OnExit(fn func(ExitEvent)) (remove func()) {
	return s.exits.Add(fn)
}

// CheckDependencies verifies that both executables exist and answer a
// version probe.
func (s *Supervisor) CheckDependencies(ctx context.Context) ([]DependencyInfo, error) {
	s.depsMu.Lock()
	defer s.depsMu.Unlock()
	return s.checkDependenciesLocked(ctx)
}

// ensureDependencies runs the probe once; failures are not cached so a
// later install is picked up.
func (s *Supervisor) ensureDependencies(ctx context.Context) error {
	s.depsMu.Lock()
	defer s.depsMu.Unlock()
	s.mu.Lock()
	ok := s.deps != nil
	s.mu.Unlock()
	if ok {
		return nil
	}
	_, err := s.checkDependenciesLocked(ctx)
	return err
}

func (s *Supervisor) checkDependenciesLocked(ctx context.Context) ([]DependencyInfo, error) {
	var deps []DependencyInfo
	for _, bin := range []struct{ name, binary string }{
		{PlayerName, s.cfg.PlayerBinary},
		{ExtractorName, s.cfg.ExtractorBinary},
	} {
		info, err := probeVersion(ctx, bin.name, bin.binary)
		if err != nil {
			s.logger.Error().Err(err).Str("binary", bin.binary).Msg("dependency check failed")
			return nil, err
		}
		s.logger.Debug().Str("binary", info.Path).Str("version", info.Version).Msg("dependency ok")
		deps = append(deps, info)
	}
	s.mu.Lock()
	s.deps = deps
	s.mu.Unlock()
	return deps, nil
}

func probeVersion(ctx context.Context, name, binary string) (DependencyInfo, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return DependencyInfo{}, result.Wrap(result.CodeDependencyMissing, err, "%s executable %q not found", name, binary)
	}
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return DependencyInfo{}, result.Wrap(result.CodeDependencyMissing, err, "%s executable %q failed version probe", name, path)
	}
	version := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if version == "" {
		return DependencyInfo{}, result.New(result.CodeDependencyMissing, "%s executable %q printed no version", name, path)
	}
	return DependencyInfo{Name: name, Path: path, Version: version}, nil
}

func (s *Supervisor) binaryPath(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deps {
		if d.Name == name {
			return d.Path
		}
	}
	if name == PlayerName {
		return s.cfg.PlayerBinary
	}
	return s.cfg.ExtractorBinary
}

// StartPlayer starts the player with opts. A running player is stopped
// first, so at most one is alive.
func (s *Supervisor) StartPlayer(ctx context.Context, opts PlayerOptions) (models.ProcessInfo, error) {
	if err := opts.Validate(); err != nil {
		return models.ProcessInfo{}, err
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startPlayerLocked(ctx, opts, "start")
}

// RestartPlayer stops the player and starts it again with the last-used
// options.
func (s *Supervisor) RestartPlayer(ctx context.Context) (models.ProcessInfo, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	opts := s.lastOpts
	s.mu.Unlock()
	if opts == nil {
		return models.ProcessInfo{}, result.New(result.CodeStartFailed, "player was never started")
	}
	if err := s.stopPlayerLocked(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("stop before restart failed")
	}
	return s.startPlayerLocked(ctx, *opts, "restart")
}

func (s *Supervisor) startPlayerLocked(ctx context.Context, opts PlayerOptions, reason string) (models.ProcessInfo, error) {
	if s.closed.Load() {
		return models.ProcessInfo{}, result.New(result.CodeStartFailed, "supervisor is shut down")
	}
	if err := s.ensureDependencies(ctx); err != nil {
		return models.ProcessInfo{}, err
	}
	if err := s.stopPlayerLocked(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to stop previous player")
	}

	if err := os.Remove(opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return models.ProcessInfo{}, result.Wrap(result.CodeStartFailed, err, "remove stale socket")
	}

	cmd := exec.Command(s.binaryPath(PlayerName), opts.Args()...)
	setSysProcAttr(cmd)
	cmd.Stderr = newLogWriter(s.logger, PlayerName)

	if err := cmd.Start(); err != nil {
		return models.ProcessInfo{}, result.Wrap(result.CodeStartFailed, err, "start player")
	}

	p := newManagedProcess(PlayerName, cmd)
	s.mu.Lock()
	s.player = p
	o := opts
	s.lastOpts = &o
	s.mu.Unlock()
	go s.reap(p)

	if err := s.waitForSocket(ctx, p, opts.SocketPath); err != nil {
		if stopErr := s.stopPlayerLocked(context.Background()); stopErr != nil {
			s.logger.Warn().Err(stopErr).Msg("failed to stop player after failed start")
		}
		return models.ProcessInfo{}, err
	}

	telemetry.PlayerStartsTotal.WithLabelValues(reason).Inc()
	telemetry.PlayerHealthy.Set(1)
	s.logger.Info().
		Int("pid", p.pid).
		Str("socket", opts.SocketPath).
		Int("volume", opts.Volume).
		Str("reason", reason).
		Msg("player started")

	return p.info(), nil
}

func (s *Supervisor) waitForSocket(ctx context.Context, p *managedProcess, path string) error {
	deadline := time.NewTimer(s.cfg.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-p.done:
			return result.Wrap(result.CodeStartFailed, p.exitErr, "player exited during startup")
		case <-deadline.C:
			return result.New(result.CodeProcessTimeout, "player did not open %s within %s", path, s.cfg.StartTimeout)
		case <-ctx.Done():
			return result.Wrap(result.CodeProcessTimeout, ctx.Err(), "player startup cancelled")
		case <-tick.C:
		}
	}
}

// StopPlayer terminates the player, escalating to SIGKILL after the stop
// timeout. Stopping an absent player is a no-op.
func (s *Supervisor) StopPlayer(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopPlayerLocked(ctx)
}

func (s *Supervisor) stopPlayerLocked(ctx context.Context) error {
	s.mu.Lock()
	p := s.player
	var socket string
	if s.lastOpts != nil {
		socket = s.lastOpts.SocketPath
	}
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	p.stopping.Store(true)
	err := s.terminate(ctx, p)
	if socket != "" {
		_ = os.Remove(socket)
	}
	telemetry.PlayerHealthy.Set(0)
	return err
}

// terminate sends SIGTERM to the process group and waits, then SIGKILL.
func (s *Supervisor) terminate(ctx context.Context, p *managedProcess) error {
	if err := signalGroup(p.pid, syscall.SIGTERM); err != nil {
		s.logger.Debug().Err(err).Int("pid", p.pid).Msg("SIGTERM failed")
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		s.logger.Warn().Str("process", p.name).Int("pid", p.pid).Msg("graceful shutdown timeout, force killing")
	case <-ctx.Done():
	}

	if err := signalGroup(p.pid, syscall.SIGKILL); err != nil {
		s.logger.Error().Err(err).Int("pid", p.pid).Msg("failed to kill process")
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(s.cfg.StopTimeout):
		return result.New(result.CodeProcessTimeout, "%s pid %d did not exit after SIGKILL", p.name, p.pid)
	}
}

// reap waits for the player and reports its exit.
func (s *Supervisor) reap(p *managedProcess) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	s.mu.Lock()
	if s.player == p {
		s.player = nil
	}
	s.mu.Unlock()

	ev := ExitEvent{
		Name:     p.name,
		PID:      p.pid,
		ExitCode: exitCode(p.cmd),
		Err:      err,
		Expected: p.stopping.Load(),
		Uptime:   time.Since(p.startedAt),
	}
	if !ev.Expected {
		ev.Err = result.Wrap(result.CodeProcessCrashed, err, "%s pid %d exited with code %d", p.name, p.pid, ev.ExitCode)
	}
	logEvt := s.logger.Info()
	if !ev.Expected {
		logEvt = s.logger.Error()
		telemetry.PlayerHealthy.Set(0)
	}
	logEvt.Err(err).
		Str("process", p.name).
		Int("pid", p.pid).
		Int("exit_code", ev.ExitCode).
		Bool("expected", ev.Expected).
		Dur("uptime", ev.Uptime).
		Msg("process exited")

	s.publish(events.EventProcessExit, events.Payload{
		"process":   p.name,
		"pid":       p.pid,
		"exit_code": ev.ExitCode,
		"expected":  ev.Expected,
	})
	s.exits.Emit(ev)
}

// PlayerInfo returns the player's process info.
func (s *Supervisor) PlayerInfo() (models.ProcessInfo, bool) {
	s.mu.Lock()
	p := s.player
	s.mu.Unlock()
	if p == nil {
		return models.ProcessInfo{}, false
	}
	return p.info(), true
}

// PlayerAlive reports whether a player process is running.
func (s *Supervisor) PlayerAlive() bool {
	s.mu.Lock()
	p := s.player
	s.mu.Unlock()
	return p != nil && !p.exited() && processAlive(p.pid)
}

// Healthy reports whether the player passed its last liveness check. A
// missing player is not unhealthy.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	p := s.player
	s.mu.Unlock()
	if p == nil {
		return true
	}
	return p.info().Healthy
}

// Extract runs the extractor for ref and returns its stdout. At most
// MaxExtractors runs are in flight; excess calls fail fast with
// RESOURCE_LIMIT.
func (s *Supervisor) Extract(ctx context.Context, ref string) ([]byte, error) {
	if s.closed.Load() {
		return nil, result.New(result.CodeStartFailed, "supervisor is shut down")
	}
	if !s.extractSem.TryAcquire(1) {
		telemetry.ExtractorRunsTotal.WithLabelValues("rejected").Inc()
		return nil, result.New(result.CodeResourceLimit, "%d extractor processes already running", s.cfg.MaxExtractors)
	}
	defer s.extractSem.Release(1)

	if err := s.ensureDependencies(ctx); err != nil {
		return nil, err
	}
	return s.runExtractor(ctx, ref)
}

// Shutdown stops the health loop, the player and any extractors.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.Stop()

	var errs []error
	if err := s.StopPlayer(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop player: %w", err))
	}
	s.mu.Lock()
	extractors := make([]*managedProcess, 0, len(s.extractors))
	for _, p := range s.extractors {
		extractors = append(extractors, p)
	}
	s.mu.Unlock()
	for _, p := range extractors {
		p.stopping.Store(true)
		if err := signalGroup(p.pid, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill extractor %d: %w", p.pid, err))
		}
	}
	s.logger.Info().Msg("supervisor shut down")
	return errors.Join(errs...)
}

// KillAll synchronously sends SIGKILL to every child process group. It is
// safe to call repeatedly and from signal handlers. It returns the number of
// processes signalled.
func (s *Supervisor) KillAll() int {
	s.closed.Store(true)
	s.cancel()

	s.mu.Lock()
	procs := make([]*managedProcess, 0, len(s.extractors)+1)
	if s.player != nil {
		procs = append(procs, s.player)
	}
	for _, p := range s.extractors {
		procs = append(procs, p)
	}
	socket := ""
	if s.lastOpts != nil {
		socket = s.lastOpts.SocketPath
	}
	s.mu.Unlock()

	n := 0
	for _, p := range procs {
		if p.exited() {
			continue
		}
		p.stopping.Store(true)
		if err := signalGroup(p.pid, syscall.SIGKILL); err == nil {
			n++
		}
	}
	if socket != "" {
		_ = os.Remove(socket)
	}
	if n > 0 {
		s.logger.Warn().Int("killed", n).Msg("killed all child processes")
	}
	return n
}

// RecoverAndKill kills every child when the calling goroutine is panicking,
// then re-panics. Use it directly with defer.
func (s *Supervisor) RecoverAndKill() {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Msg("panic, killing child processes")
		s.KillAll()
		panic(r)
	}
}

func (s *Supervisor) publish(t events.EventType, p events.Payload) {
	if s.bus != nil {
		s.bus.Publish(t, p)
	}
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
