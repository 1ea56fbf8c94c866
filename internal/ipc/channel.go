/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ipc is a newline-delimited JSON request/response client for the
// player's control socket.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

const (
	defaultRequestTimeout    = 5 * time.Second
	defaultDialTimeout       = time.Second
	defaultReconnectAttempts = 5
	defaultReconnectInitial  = 100 * time.Millisecond
	defaultReconnectMax      = 2 * time.Second
	writeTimeout             = 2 * time.Second
)

// Sentinel causes wrapped into result errors.
var (
	ErrNotConnected = errors.New("ipc: not connected")
	ErrClosed       = errors.New("ipc: channel closed")
	ErrTimeout      = errors.New("ipc: request timed out")
)

// ConnectionState is reported to connection listeners.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Config configures a channel.
type Config struct {
	SocketPath     string
	RequestTimeout time.Duration
	DialTimeout    time.Duration

	// ReconnectAttempts bounds each reconnect cycle.
	ReconnectAttempts int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	// AutoReconnect starts a reconnect cycle when the socket drops.
	AutoReconnect bool
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = defaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
}

// CommandError is a well-formed response whose error field is not
// "success". The connection is fine; the command was refused.
type CommandError struct {
	Command string
	Status  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ipc: %s: %s", e.Command, e.Status)
}

// Event is an unsolicited message from the player.
type Event struct {
	Name     string `json:"event"`
	Reason   string `json:"reason,omitempty"`
	FileErr  string `json:"file_error,omitempty"`
	EntryID  int64  `json:"playlist_entry_id,omitempty"`
	Property string `json:"name,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

type request struct {
	Command   []string `json:"command"`
	RequestID int64    `json:"request_id"`
}

type message struct {
	RequestID *int64          `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
}

type response struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	command string
	ch      chan response
}

// Channel correlates requests with responses by request id and routes
// everything else to event listeners.
type Channel struct {
	cfg    Config
	logger zerolog.Logger
	dialer net.Dialer

	events *events.Listeners[Event]
	states *events.Listeners[ConnectionState]

	nextID atomic.Int64

	// connectMu serializes dialing.
	connectMu sync.Mutex
	// writeMu serializes writes on the current connection.
	writeMu sync.Mutex

	mu           sync.Mutex
	conn         net.Conn
	gen          uint64
	pending      map[int64]pendingRequest
	closed       bool
	reconnecting bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an unconnected channel.
func New(cfg Config, logger zerolog.Logger) *Channel {
	cfg.setDefaults()
	logger = logger.With().Str("component", "ipc").Str("socket", cfg.SocketPath).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:     cfg,
		logger:  logger,
		dialer:  net.Dialer{Timeout: cfg.DialTimeout},
		events:  events.NewListeners[Event]("ipc_events", logger),
		states:  events.NewListeners[ConnectionState]("ipc_state", logger),
		pending: make(map[int64]pendingRequest),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnEvent registers an event listener. Listeners run on the read goroutine
// and must not block or issue requests synchronously.
func (c *Channel) OnEvent(fn func(Event)) (remove func()) {
	return c.events.Add(fn)
}

// OnConnectionState registers a connection state listener.
func (c *Channel) OnConnectionState(fn func(ConnectionState)) (remove func()) {
	return c.states.Add(fn)
}

// Connected reports whether a socket is open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the socket once. It is a no-op when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(ctx)
}

// ConnectWithBackoff dials with exponential backoff, giving up after
// ReconnectAttempts failures.
func (c *Channel) ConnectWithBackoff(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := c.connectLocked(ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("ipc connect attempt failed")
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.ReconnectAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		telemetry.IPCReconnectsTotal.WithLabelValues("failed").Inc()
		return err
	}
	return nil
}

func (c *Channel) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return result.Wrap(result.CodeIPCFailure, ErrClosed, "connect")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		return result.Wrap(result.CodeIPCFailure, err, "dial %s", c.cfg.SocketPath)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return result.Wrap(result.CodeIPCFailure, ErrClosed, "connect")
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	c.logger.Debug().Uint64("generation", gen).Msg("ipc connected")
	c.states.Emit(StateConnected)
	return nil
}

// Request sends a command and waits for its response.
func (c *Channel) Request(ctx context.Context, command ...string) (json.RawMessage, error) {
	name := "unknown"
	if len(command) > 0 {
		name = command[0]
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.fail(name, result.Wrap(result.CodeIPCFailure, ErrClosed, "%s", name))
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, c.fail(name, result.Wrap(result.CodeIPCFailure, ErrNotConnected, "%s", name))
	}
	id := c.nextID.Add(1)
	ch := make(chan response, 1)
	c.pending[id] = pendingRequest{command: name, ch: ch}
	c.mu.Unlock()

	line, err := json.Marshal(request{Command: command, RequestID: id})
	if err != nil {
		c.removePending(id)
		return nil, c.fail(name, result.Wrap(result.CodeInternal, err, "encode %s", name))
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		c.dropConnection(conn, err)
		return nil, c.fail(name, result.Wrap(result.CodeIPCFailure, err, "write %s", name))
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, c.fail(name, resp.err)
		}
		telemetry.IPCRequestsTotal.WithLabelValues(name, "ok").Inc()
		return resp.data, nil
	case <-timer.C:
		c.removePending(id)
		return nil, c.fail(name, result.Wrap(result.CodePlayerUnresponsive, ErrTimeout, "%s after %s", name, c.cfg.RequestTimeout))
	case <-ctx.Done():
		c.removePending(id)
		return nil, c.fail(name, result.Wrap(result.CodeTimeout, ctx.Err(), "%s", name))
	}
}

func (c *Channel) fail(command string, err error) error {
	outcome := "error"
	var cerr *CommandError
	switch {
	case errors.As(err, &cerr):
		outcome = "refused"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	}
	telemetry.IPCRequestsTotal.WithLabelValues(command, outcome).Inc()
	return err
}

func (c *Channel) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// PendingCount returns the number of in-flight requests.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) readLoop(conn net.Conn, gen uint64) {
	defer c.wg.Done()

	reader := bufio.NewReaderSize(conn, 64<<10)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
	}
}

func (c *Channel) dispatch(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn().Err(err).Bytes("line", line).Msg("malformed ipc message")
		return
	}

	if msg.RequestID != nil {
		c.mu.Lock()
		req, ok := c.pending[*msg.RequestID]
		delete(c.pending, *msg.RequestID)
		c.mu.Unlock()
		if ok {
			resp := response{data: msg.Data}
			if msg.Error != "success" {
				resp.err = result.Wrap(result.CodeIPCFailure, &CommandError{Command: req.command, Status: msg.Error}, "%s refused", req.command)
			}
			req.ch <- resp
			return
		}
	}

	ev := Event{Raw: append(json.RawMessage(nil), line...)}
	if err := json.Unmarshal(line, &ev); err != nil {
		c.logger.Warn().Err(err).Msg("malformed ipc event")
		return
	}
	c.events.Emit(ev)
}

// handleDisconnect rejects every pending request and, unless closed,
// schedules a reconnect cycle.
func (c *Channel) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]pendingRequest)
	closed := c.closed
	startReconnect := c.cfg.AutoReconnect && !closed && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	rejectAll(pending, result.Wrap(result.CodeIPCFailure, cause, "connection lost"))
	if closed {
		return
	}

	c.logger.Warn().Err(cause).Int("rejected", len(pending)).Msg("ipc connection lost")
	c.states.Emit(StateDisconnected)

	if startReconnect {
		go c.reconnectLoop()
	}
}

func (c *Channel) dropConnection(conn net.Conn, cause error) {
	c.mu.Lock()
	gen := c.gen
	current := c.conn == conn
	c.mu.Unlock()
	if current {
		c.handleDisconnect(gen, cause)
	}
}

func (c *Channel) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	c.states.Emit(StateReconnecting)
	if err := c.ConnectWithBackoff(c.ctx); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Error().Err(err).Int("attempts", c.cfg.ReconnectAttempts).Msg("ipc reconnect gave up")
		c.states.Emit(StateFailed)
		return
	}
	telemetry.IPCReconnectsTotal.WithLabelValues("ok").Inc()
	c.logger.Info().Msg("ipc reconnected")
}

// Disconnect drops the current connection without closing the channel.
// Pending requests are rejected and no reconnect is scheduled.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	pending := c.pending
	c.pending = make(map[int64]pendingRequest)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	rejectAll(pending, result.Wrap(result.CodeIPCFailure, ErrNotConnected, "disconnected"))
}

// Close rejects pending requests, closes the socket and stops reconnecting.
// It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]pendingRequest)
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	rejectAll(pending, result.Wrap(result.CodeIPCFailure, ErrClosed, "channel closed"))
	c.wg.Wait()
	c.states.Emit(StateClosed)
	return err
}

func rejectAll(pending map[int64]pendingRequest, err error) {
	for _, req := range pending {
		req.ch <- response{err: err}
	}
}
