/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback drives the player process over its IPC channel and
// turns player notifications into domain events.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/ipc"
	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/supervisor"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

const (
	defaultMaxAttempts    = 3
	defaultPollInterval   = time.Second
	defaultHealthInterval = 15 * time.Second
	healthFailureLimit    = 2
	reconcileTimeout      = 2 * time.Second
)

// Process is the part of the supervisor the controller needs.
type Process interface {
	StartPlayer(ctx context.Context, opts supervisor.PlayerOptions) (models.ProcessInfo, error)
	RestartPlayer(ctx context.Context) (models.ProcessInfo, error)
	PlayerAlive() bool
	OnExit(fn func(supervisor.ExitEvent)) (remove func())
}

// Channel is the part of the IPC channel the controller needs.
type Channel interface {
	Connected() bool
	ConnectWithBackoff(ctx context.Context) error
	Disconnect()
	Request(ctx context.Context, command ...string) (json.RawMessage, error)
	OnEvent(fn func(ipc.Event)) (remove func())
	OnConnectionState(fn func(ipc.ConnectionState)) (remove func())
	Close() error
}

// Status is the controller's local view of the player.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

// State is a snapshot of the controller.
type State struct {
	Status          Status  `json:"status"`
	LoadID          uint64  `json:"load_id"`
	URL             string  `json:"url,omitempty"`
	PositionSeconds float64 `json:"position_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	Volume          int     `json:"volume"`
	Connected       bool    `json:"connected"`
}

// Config configures a controller.
type Config struct {
	SocketPath     string
	InitialVolume  int
	AudioDevice    string
	MaxAttempts    int
	PollInterval   time.Duration
	HealthInterval time.Duration
}

// Controller exposes load/pause/resume/stop/volume/position over the IPC
// channel. Every command makes sure the player is running and connected,
// and a failed command triggers one recovery before it is retried.
type Controller struct {
	cfg    Config
	proc   Process
	ch     Channel
	bus    events.Publisher
	logger zerolog.Logger

	listeners *events.Listeners[Event]
	removers  []func()

	// recoverMu serializes recovery so concurrent failures restart once.
	recoverMu sync.Mutex

	mu          sync.Mutex
	state       State
	nextLoad    uint64
	pendingLoad uint64
	activeLoad  uint64
	startedLoad uint64
	entryLoads  map[int64]uint64
	loops       *loops
	closed      bool
}

// New creates a controller and subscribes to channel events and process
// exits. bus may be nil.
func New(cfg Config, proc Process, ch Channel, bus events.Publisher, logger zerolog.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	logger = logger.With().Str("component", "playback").Logger()
	c := &Controller{
		cfg:        cfg,
		proc:       proc,
		ch:         ch,
		bus:        bus,
		logger:     logger,
		listeners:  events.NewListeners[Event]("playback", logger),
		state:      State{Status: StatusIdle, Volume: cfg.InitialVolume},
		entryLoads: make(map[int64]uint64),
	}
	c.removers = append(c.removers,
		ch.OnEvent(c.handlePlayerEvent),
		ch.OnConnectionState(c.handleConnectionState),
		proc.OnExit(c.handleExit),
	)
	return c
}

// Subscribe registers a listener for controller events. Listeners run on
// the IPC read goroutine or the process reaper and must not block.
func (c *Controller) Subscribe(fn func(Event)) (remove func()) {
	return c.listeners.Add(fn)
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	st.Connected = c.ch.Connected()
	return st
}

// IsPlaying reports whether a file is playing and not paused.
func (c *Controller) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status == StatusPlaying
}

// Load replaces whatever is playing with url and returns the load id that
// tags every event belonging to this file.
func (c *Controller) Load(ctx context.Context, url string) (uint64, error) {
	ctx, span := telemetry.StartSpan(ctx, "playback", "playback.load")
	defer span.End()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, result.New(result.CodeIPCFailure, "controller closed")
	}
	c.nextLoad++
	id := c.nextLoad
	c.pendingLoad = id
	c.state.LoadID = id
	c.state.Status = StatusLoading
	c.state.URL = url
	c.state.PositionSeconds = 0
	c.state.DurationSeconds = 0
	c.mu.Unlock()

	c.stopLoops()

	data, err := c.exec(ctx, "loadfile", url, "replace")
	if err != nil {
		var cerr *ipc.CommandError
		if errors.As(err, &cerr) {
			err = result.Wrap(result.CodeBadFormat, err, "player refused %s", url)
		}
		telemetry.RecordError(span, err)
		c.mu.Lock()
		if c.pendingLoad == id {
			c.state.Status = StatusIdle
		}
		c.mu.Unlock()
		return 0, err
	}
	c.bindEntry(data, id)

	if _, err := c.exec(ctx, "set", "pause", "no"); err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}

	telemetry.AddSpanAttributes(span, map[string]any{"load_id": int64(id)})
	c.logger.Debug().Uint64("load_id", id).Msg("file loaded")
	return id, nil
}

// bindEntry records the playlist entry id the player assigned to load id,
// when the player reports one.
func (c *Controller) bindEntry(data json.RawMessage, id uint64) {
	var resp struct {
		EntryID int64 `json:"playlist_entry_id"`
	}
	if len(data) == 0 || json.Unmarshal(data, &resp) != nil || resp.EntryID == 0 {
		return
	}
	c.mu.Lock()
	c.entryLoads[resp.EntryID] = id
	c.mu.Unlock()
}

// Pause pauses playback and stops polling.
func (c *Controller) Pause(ctx context.Context) error {
	if _, err := c.exec(ctx, "set", "pause", "yes"); err != nil {
		return err
	}
	c.stopLoops()
	c.mu.Lock()
	if c.state.Status == StatusPlaying || c.state.Status == StatusLoading {
		c.state.Status = StatusPaused
	}
	c.mu.Unlock()
	return nil
}

// Resume unpauses playback and restarts polling.
func (c *Controller) Resume(ctx context.Context) error {
	if _, err := c.exec(ctx, "set", "pause", "no"); err != nil {
		return err
	}
	c.mu.Lock()
	resumed := c.state.Status == StatusPaused
	if resumed {
		c.state.Status = StatusPlaying
	}
	c.mu.Unlock()
	if resumed {
		c.startLoops()
	}
	return nil
}

// Stop stops playback. The player process keeps running idle.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopLoops()
	c.mu.Lock()
	c.state.Status = StatusIdle
	c.state.URL = ""
	c.pendingLoad = 0
	c.mu.Unlock()

	if !c.proc.PlayerAlive() {
		return nil
	}
	_, err := c.exec(ctx, "stop")
	return err
}

// SetVolume sets the output volume in percent.
func (c *Controller) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 || volume > 100 {
		return result.New(result.CodeInvalidVolume, "volume %d outside 0-100", volume)
	}
	if _, err := c.exec(ctx, "set", "volume", strconv.Itoa(volume)); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.Volume = volume
	c.mu.Unlock()
	return nil
}

// Seek jumps to an absolute position in seconds.
func (c *Controller) Seek(ctx context.Context, seconds float64) error {
	_, err := c.exec(ctx, "seek", strconv.FormatFloat(seconds, 'f', 3, 64), "absolute")
	return err
}

// Position asks the player for the playback position in seconds.
func (c *Controller) Position(ctx context.Context) (float64, error) {
	pos, err := c.floatProperty(ctx, "time-pos")
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.state.PositionSeconds = pos
	c.mu.Unlock()
	return pos, nil
}

// Duration asks the player for the current file's duration in seconds.
func (c *Controller) Duration(ctx context.Context) (float64, error) {
	d, err := c.floatProperty(ctx, "duration")
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.state.DurationSeconds = d
	c.mu.Unlock()
	return d, nil
}

// floatProperty reads a numeric property; an unavailable property (nothing
// loaded) reads as 0.
func (c *Controller) floatProperty(ctx context.Context, name string) (float64, error) {
	data, err := c.exec(ctx, "get_property", name)
	var cerr *ipc.CommandError
	if errors.As(err, &cerr) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, nil
	}
	return v, nil
}

// Close stops the loops and closes the IPC channel. The player process is
// left to the supervisor.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopLoops()
	for _, remove := range c.removers {
		remove()
	}
	return c.ch.Close()
}

// ensureReady starts the player and connects when needed.
func (c *Controller) ensureReady(ctx context.Context) error {
	if !c.proc.PlayerAlive() {
		c.ch.Disconnect()
		c.mu.Lock()
		opts := supervisor.PlayerOptions{
			SocketPath:  c.cfg.SocketPath,
			Volume:      c.state.Volume,
			AudioDevice: c.cfg.AudioDevice,
		}
		c.mu.Unlock()
		if _, err := c.proc.StartPlayer(ctx, opts); err != nil {
			return err
		}
	}
	if c.ch.Connected() {
		return nil
	}
	if err := c.ch.ConnectWithBackoff(ctx); err != nil {
		return result.Wrap(result.CodeIPCFailure, err, "connect to player")
	}
	return nil
}

// exec runs one command with ensureReady, bounded retry and one recovery
// between attempts.
func (c *Controller) exec(ctx context.Context, command ...string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, result.Wrap(result.CodeTimeout, err, "%s", command[0])
		}
		if c.isClosed() {
			return nil, result.New(result.CodeIPCFailure, "controller closed")
		}

		err := c.ensureReady(ctx)
		if err == nil {
			var data json.RawMessage
			data, err = c.ch.Request(ctx, command...)
			if err == nil {
				return data, nil
			}
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("command", command[0]).Int("attempt", attempt).Msg("player command failed")

		if attempt < c.cfg.MaxAttempts {
			if rerr := c.recover(ctx); rerr != nil {
				lastErr = rerr
			}
		}
	}
	return nil, playbackError(lastErr)
}

// recover reconnects to the running player, or restarts it when that
// fails. A restart loses the loaded file, which is reported as a crash of
// the active load.
func (c *Controller) recover(ctx context.Context) error {
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	c.ch.Disconnect()
	if c.proc.PlayerAlive() {
		if err := c.ch.ConnectWithBackoff(ctx); err == nil {
			telemetry.PlaybackRecoveriesTotal.WithLabelValues("reconnect", "ok").Inc()
			c.logger.Info().Msg("recovered player connection")
			return nil
		}
		telemetry.PlaybackRecoveriesTotal.WithLabelValues("reconnect", "failed").Inc()
	}

	c.stopLoops()
	if _, err := c.proc.RestartPlayer(ctx); err != nil {
		telemetry.PlaybackRecoveriesTotal.WithLabelValues("restart", "failed").Inc()
		c.logger.Error().Err(err).Msg("player restart failed")
		return err
	}
	if err := c.ch.ConnectWithBackoff(ctx); err != nil {
		telemetry.PlaybackRecoveriesTotal.WithLabelValues("restart", "failed").Inc()
		return result.Wrap(result.CodeIPCFailure, err, "connect after restart")
	}
	telemetry.PlaybackRecoveriesTotal.WithLabelValues("restart", "ok").Inc()

	c.mu.Lock()
	volume := c.state.Volume
	lost := c.activeLoad
	hadFile := c.state.Status == StatusPlaying || c.state.Status == StatusPaused
	if hadFile {
		c.state.Status = StatusIdle
	}
	c.mu.Unlock()

	if _, err := c.ch.Request(ctx, "set", "volume", strconv.Itoa(volume)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to restore volume after restart")
	}
	c.logger.Warn().Msg("player restarted during recovery")
	if hadFile {
		c.emit(Event{Kind: EventPlayerCrashed, LoadID: lost, Reason: "restarted during recovery",
			Err: result.New(result.CodeProcessCrash, "player restarted")})
	}
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// retryable reports whether a failure is worth a recovery attempt. Refused
// commands and invalid arguments are not.
func retryable(err error) bool {
	var cerr *ipc.CommandError
	if errors.As(err, &cerr) {
		return false
	}
	switch result.CodeOf(err) {
	case result.CodeInvalidVolume, result.CodeDependencyMissing, result.CodeTimeout:
		return false
	}
	return true
}

// playbackError maps a final failure into the playback error family.
func playbackError(err error) error {
	if err == nil {
		return nil
	}
	switch result.CodeOf(err) {
	case result.CodePlayerUnresponsive, result.CodeIPCFailure, result.CodeProcessCrash,
		result.CodeStartFailed, result.CodeDependencyMissing, result.CodeProcessTimeout:
		return err
	}
	return result.Wrap(result.CodeIPCFailure, err, "player command failed")
}
