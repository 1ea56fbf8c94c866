/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package orchestrator keeps the queue and the player consistent. All state
// changes run on a single event loop; commands, resolver results and player
// events are delivered to it and processed one at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/playback"
	"github.com/friendsincode/grimnir_jukebox/internal/queue"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
)

// Resolver turns a source reference into a playable stream.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*models.ResolvedStream, error)
	Invalidate(ctx context.Context, ref string)
}

// Player is the playback controller surface the orchestrator drives.
type Player interface {
	Load(ctx context.Context, url string) (uint64, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, volume int) error
	Seek(ctx context.Context, seconds float64) error
	State() playback.State
	Subscribe(fn func(playback.Event)) (remove func())
	Close() error
}

// Processes terminates supervised processes during shutdown.
type Processes interface {
	Shutdown(ctx context.Context) error
}

// Config configures the orchestrator.
type Config struct {
	PollInterval    time.Duration
	CommandTimeout  time.Duration
	ResolveTimeout  time.Duration
	ShutdownTimeout time.Duration
	InitialVolume   int
	// ResumeThreshold is the minimum position, in seconds, worth seeking
	// back to after a crash.
	ResumeThreshold float64
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Second,
		CommandTimeout:  10 * time.Second,
		ResolveTimeout:  45 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		InitialVolume:   70,
		ResumeThreshold: 1,
	}
}

type request struct {
	name  string
	fn    func() (models.PlaybackState, error)
	reply chan result.Result[models.PlaybackState]
}

// Orchestrator owns the canonical playback state.
type Orchestrator struct {
	cfg      Config
	queue    *queue.Service
	resolver Resolver
	player   Player
	procs    Processes
	bus      events.Publisher
	logger   zerolog.Logger

	state     atomic.Pointer[models.PlaybackState]
	listeners *events.Listeners[models.PlaybackState]

	requests chan request
	resolved chan resolveResult
	nudge    chan struct{}
	inbox    *inbox

	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	started   atomic.Bool
	teardown  sync.Once
	closeErr  error
	removers  []func()
	loopCtx   context.Context
	cancelRun context.CancelFunc

	// Loop-owned fields below; never touched outside the event loop.
	running      bool
	ticker       *time.Ticker
	trans        transition
	nextTrans    uint64
	loadID       uint64
	entry        *models.QueueEntry
	stream       *models.ResolvedStream
	volume       int
	recoveryUsed bool
	resumeAt     float64
}

// New wires an orchestrator. procs and bus may be nil.
func New(cfg Config, q *queue.Service, r Resolver, p Player, procs Processes, bus events.Publisher, logger zerolog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	logger = logger.With().Str("component", "orchestrator").Logger()

	o := &Orchestrator{
		cfg:       cfg,
		queue:     q,
		resolver:  r,
		player:    p,
		procs:     procs,
		bus:       bus,
		logger:    logger,
		listeners: events.NewListeners[models.PlaybackState]("orchestrator", logger),
		requests:  make(chan request),
		resolved:  make(chan resolveResult),
		nudge:     make(chan struct{}, 1),
		inbox:     newInbox(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		volume:    cfg.InitialVolume,
	}
	o.state.Store(&models.PlaybackState{
		Status:    models.StatusIdle,
		Volume:    cfg.InitialVolume,
		UpdatedAt: time.Now(),
	})
	return o
}

// Subscribe registers a state listener. Listeners run on the event loop
// after every transition and must not block or call back into the
// orchestrator synchronously.
func (o *Orchestrator) Subscribe(fn func(models.PlaybackState)) (remove func()) {
	return o.listeners.Add(fn)
}

// CurrentState returns the latest state with the player's sampled position.
func (o *Orchestrator) CurrentState() models.PlaybackState {
	st := *o.state.Load()
	if st.Status == models.StatusPlaying || st.Status == models.StatusPaused {
		ps := o.player.State()
		st.PositionSeconds = ps.PositionSeconds
		if ps.DurationSeconds > 0 {
			st.DurationSeconds = ps.DurationSeconds
		}
	}
	return st
}

// Run processes commands and events until ctx is cancelled or Shutdown is
// called, then tears everything down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return result.New(result.CodeAlreadyRunning, "orchestrator loop already running")
	}
	o.loopCtx, o.cancelRun = context.WithCancel(ctx)
	defer close(o.done)
	defer o.cancelRun()

	o.removers = append(o.removers,
		o.player.Subscribe(o.inbox.push),
		// A clear leaves the playing track running to its end; the next
		// advance then starts whatever was added after the clear.
		o.queue.Queue().OnChange(func(c queue.Change) {
			if c.Kind == queue.ChangeAdded {
				o.wake()
			}
		}),
	)

	o.logger.Info().Msg("orchestrator started")
	for {
		var tick <-chan time.Time
		if o.ticker != nil {
			tick = o.ticker.C
		}

		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-o.stopCh:
			o.shutdown()
			return nil
		case req := <-o.requests:
			st, err := req.fn()
			if err != nil {
				o.logger.Debug().Err(err).Str("command", req.name).Msg("command rejected")
			}
			req.reply <- result.Of(st, err)
		case res := <-o.resolved:
			o.onResolved(res)
		case <-o.inbox.signal:
			for _, ev := range o.inbox.drain() {
				o.onPlayerEvent(ev)
			}
		case <-tick:
			o.poll()
		case <-o.nudge:
			o.poll()
		}
	}
}

// Shutdown stops the loop and waits for teardown: timers, playback, the
// IPC channel, then supervised processes.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stopCh) })
	if !o.started.Load() {
		o.shutdown()
		return o.closeErr
	}
	select {
	case <-o.done:
		return o.closeErr
	case <-ctx.Done():
		return result.Wrap(result.CodeTimeout, ctx.Err(), "orchestrator shutdown timed out")
	}
}

// Start begins playback of the queue.
func (o *Orchestrator) Start(ctx context.Context) result.Result[models.PlaybackState] {
	return o.do(ctx, "start", o.start)
}

// Stop halts playback; the current entry stays current.
func (o *Orchestrator) Stop(ctx context.Context) result.Result[models.PlaybackState] {
	return o.do(ctx, "stop", o.stop)
}

// Pause pauses the playing track.
func (o *Orchestrator) Pause(ctx context.Context) result.Result[models.PlaybackState] {
	return o.do(ctx, "pause", o.pause)
}

// Resume resumes a paused track.
func (o *Orchestrator) Resume(ctx context.Context) result.Result[models.PlaybackState] {
	return o.do(ctx, "resume", o.resume)
}

// Skip advances to the next entry, or idle when the queue runs out.
func (o *Orchestrator) Skip(ctx context.Context) result.Result[models.PlaybackState] {
	return o.do(ctx, "skip", o.skip)
}

// SetVolume sets the output volume in percent.
func (o *Orchestrator) SetVolume(ctx context.Context, volume int) result.Result[models.PlaybackState] {
	return o.do(ctx, "set_volume", func() (models.PlaybackState, error) {
		return o.setVolume(volume)
	})
}

func (o *Orchestrator) do(ctx context.Context, name string, fn func() (models.PlaybackState, error)) result.Result[models.PlaybackState] {
	req := request{name: name, fn: fn, reply: make(chan result.Result[models.PlaybackState], 1)}

	select {
	case o.requests <- req:
	case <-o.done:
		return result.Fail[models.PlaybackState](result.New(result.CodeNotRunning, "orchestrator is shut down"))
	case <-ctx.Done():
		return result.Fail[models.PlaybackState](result.Wrap(result.CodeTimeout, ctx.Err(), "%s not accepted", name))
	}

	select {
	case r := <-req.reply:
		return r
	case <-ctx.Done():
		return result.Fail[models.PlaybackState](result.Wrap(result.CodeTimeout, ctx.Err(), "%s did not complete", name))
	}
}

func (o *Orchestrator) wake() {
	select {
	case o.nudge <- struct{}{}:
	default:
	}
}

// shutdown runs once, on the loop goroutine when the loop is running.
func (o *Orchestrator) shutdown() {
	o.teardown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
		defer cancel()

		for _, remove := range o.removers {
			remove()
		}

		var errs []error
		o.stopTimers()
		o.running = false
		o.invalidate()

		if err := o.player.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop playback: %w", err))
		}
		if err := o.player.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close player channel: %w", err))
		}
		if o.procs != nil {
			if err := o.procs.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("terminate processes: %w", err))
			}
		}
		if o.cancelRun != nil {
			o.cancelRun()
		}

		o.publish(o.idleState())
		o.closeErr = errors.Join(errs...)
		if o.closeErr != nil {
			o.logger.Warn().Err(o.closeErr).Msg("orchestrator stopped with errors")
		} else {
			o.logger.Info().Msg("orchestrator stopped")
		}
	})
}

func (o *Orchestrator) stopTimers() {
	if o.ticker != nil {
		o.ticker.Stop()
		o.ticker = nil
	}
}

// inbox buffers player events without bounding the producer, which runs on
// the IPC read goroutine and must never block.
type inbox struct {
	mu     sync.Mutex
	items  []playback.Event
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(ev playback.Event) {
	b.mu.Lock()
	b.items = append(b.items, ev)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []playback.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
