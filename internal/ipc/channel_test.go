/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/result"
)

// fakePlayer speaks the player's JSON IPC protocol on a unix socket.
type fakePlayer struct {
	t    *testing.T
	path string
	ln   net.Listener

	// handle returns the data and status for a command; reply=false
	// swallows the request.
	handle func(cmd []string) (data any, status string, reply bool)

	mu    sync.Mutex
	conns []net.Conn
}

func newFakePlayer(t *testing.T) *fakePlayer {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	fp := &fakePlayer{t: t, path: filepath.Join(dir, "mpv.sock")}
	fp.handle = func(cmd []string) (any, string, bool) {
		if len(cmd) > 1 {
			return cmd[1], "success", true
		}
		return nil, "success", true
	}
	fp.listen()
	t.Cleanup(fp.stop)
	return fp
}

func (fp *fakePlayer) listen() {
	ln, err := net.Listen("unix", fp.path)
	if err != nil {
		fp.t.Fatalf("listen: %v", err)
	}
	fp.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fp.mu.Lock()
			fp.conns = append(fp.conns, conn)
			fp.mu.Unlock()
			go fp.serve(conn)
		}
	}()
}

func (fp *fakePlayer) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		data, status, reply := fp.handle(req.Command)
		if !reply {
			continue
		}
		line, _ := json.Marshal(map[string]any{"data": data, "error": status, "request_id": req.RequestID})
		fp.mu.Lock()
		_, _ = conn.Write(append(line, '\n'))
		fp.mu.Unlock()
	}
}

func (fp *fakePlayer) emit(line string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for _, c := range fp.conns {
		_, _ = c.Write([]byte(line + "\n"))
	}
}

func (fp *fakePlayer) dropConnections() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	for _, c := range fp.conns {
		_ = c.Close()
	}
	fp.conns = nil
}

func (fp *fakePlayer) stop() {
	_ = fp.ln.Close()
	fp.dropConnections()
}

func newTestChannel(t *testing.T, fp *fakePlayer, mut func(*Config)) *Channel {
	t.Helper()
	cfg := Config{
		SocketPath:        fp.path,
		RequestTimeout:    time.Second,
		ReconnectAttempts: 3,
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	ch := New(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestRequestCorrelation(t *testing.T) {
	fp := newFakePlayer(t)
	ch := newTestChannel(t, fp, nil)
	ctx := context.Background()

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("value-%d", i)
			data, err := ch.Request(ctx, "get_property", want)
			if err != nil {
				errs <- err
				return
			}
			var got string
			if err := json.Unmarshal(data, &got); err != nil || got != want {
				errs <- fmt.Errorf("got %q, want %q (%v)", got, want, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := ch.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d, want 0", n)
	}
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	fp := newFakePlayer(t)
	fp.handle = func([]string) (any, string, bool) { return nil, "", false }
	ch := newTestChannel(t, fp, func(c *Config) { c.RequestTimeout = 100 * time.Millisecond })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := ch.Request(context.Background(), "get_property", "pause")
	if !errors.Is(err, ErrTimeout) || !result.HasCode(err, result.CodePlayerUnresponsive) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if n := ch.PendingCount(); n != 0 {
		t.Fatalf("PendingCount() = %d, want 0", n)
	}
}

func TestCommandError(t *testing.T) {
	fp := newFakePlayer(t)
	fp.handle = func([]string) (any, string, bool) { return nil, "property unavailable", true }
	ch := newTestChannel(t, fp, nil)

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := ch.Request(context.Background(), "get_property", "time-pos")
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CommandError", err)
	}
	if cerr.Command != "get_property" || cerr.Status != "property unavailable" {
		t.Fatalf("CommandError = %+v", cerr)
	}
}

func TestUnsolicitedMessagesAreEvents(t *testing.T) {
	fp := newFakePlayer(t)
	ch := newTestChannel(t, fp, nil)

	got := make(chan Event, 4)
	ch.OnEvent(func(ev Event) { got <- ev })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Make sure the server has registered the connection.
	if _, err := ch.Request(context.Background(), "client_name"); err != nil {
		t.Fatalf("Request: %v", err)
	}

	fp.emit(`{"event":"end-file","reason":"eof","playlist_entry_id":3}`)
	fp.emit(`{"request_id":999,"error":"success","data":null}`)

	ev := recvEvent(t, got)
	if ev.Name != "end-file" || ev.Reason != "eof" || ev.EntryID != 3 {
		t.Fatalf("event = %+v", ev)
	}
	ev = recvEvent(t, got)
	if ev.Name != "" || len(ev.Raw) == 0 {
		t.Fatalf("unknown id event = %+v", ev)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	fp := newFakePlayer(t)
	fp.handle = func([]string) (any, string, bool) { return nil, "", false }
	ch := newTestChannel(t, fp, func(c *Config) { c.RequestTimeout = 5 * time.Second })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), "loadfile", "x")
		errc <- err
	}()
	waitFor(t, func() bool { return ch.PendingCount() == 1 })

	start := time.Now()
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := <-errc
	if !errors.Is(err, ErrClosed) || !result.HasCode(err, result.CodeIPCFailure) {
		t.Fatalf("err = %v, want closed", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("pending request not rejected immediately")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRequestWithoutConnection(t *testing.T) {
	fp := newFakePlayer(t)
	ch := newTestChannel(t, fp, nil)

	_, err := ch.Request(context.Background(), "stop")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestAutoReconnectAfterDrop(t *testing.T) {
	fp := newFakePlayer(t)
	ch := newTestChannel(t, fp, func(c *Config) { c.AutoReconnect = true })

	var mu sync.Mutex
	var states []ConnectionState
	ch.OnConnectionState(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		return len(fp.conns) == 1
	})

	fp.dropConnections()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 4 && states[len(states)-1] == StateConnected
	})
	mu.Lock()
	want := []ConnectionState{StateConnected, StateDisconnected, StateReconnecting, StateConnected}
	if fmt.Sprint(states[:4]) != fmt.Sprint(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	mu.Unlock()

	if _, err := ch.Request(context.Background(), "get_property", "volume"); err != nil {
		t.Fatalf("Request after reconnect: %v", err)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	fp := newFakePlayer(t)
	ch := newTestChannel(t, fp, func(c *Config) { c.AutoReconnect = true })

	failed := make(chan struct{})
	var once sync.Once
	ch.OnConnectionState(func(s ConnectionState) {
		if s == StateFailed {
			once.Do(func() { close(failed) })
		}
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		return len(fp.conns) == 1
	})
	fp.stop()

	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect never gave up")
	}
	if ch.Connected() {
		t.Fatal("channel reports connected")
	}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
