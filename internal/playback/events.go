/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/ipc"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/supervisor"
)

// EventKind names a controller event.
type EventKind string

const (
	EventTrackStarted  EventKind = "track_started"
	EventTrackFinished EventKind = "track_finished"
	EventTrackError    EventKind = "track_error"
	EventPlayerCrashed EventKind = "player_crashed"
)

// Event is a domain event tagged with the load it belongs to.
type Event struct {
	Kind   EventKind
	LoadID uint64
	Reason string
	Err    *result.Error
}

// handlePlayerEvent runs on the IPC read goroutine.
func (c *Controller) handlePlayerEvent(ev ipc.Event) {
	switch ev.Name {
	case "start-file":
		c.mu.Lock()
		id, ok := c.entryLoads[ev.EntryID]
		if !ok || ev.EntryID == 0 {
			id = c.pendingLoad
			if ev.EntryID != 0 && id != 0 {
				c.entryLoads[ev.EntryID] = id
			}
		}
		c.activeLoad = id
		c.mu.Unlock()

	case "file-loaded", "playback-restart":
		c.mu.Lock()
		id := c.loadFor(ev.EntryID)
		first := id != 0 && id != c.startedLoad && id == c.pendingLoad
		playing := false
		if first {
			c.startedLoad = id
			if c.state.Status == StatusLoading {
				c.state.Status = StatusPlaying
				playing = true
			}
		}
		c.mu.Unlock()
		if playing {
			c.startLoops()
		}
		if first {
			c.emit(Event{Kind: EventTrackStarted, LoadID: id})
		}

	case "end-file":
		c.mu.Lock()
		id := c.loadFor(ev.EntryID)
		current := id != 0 && id == c.pendingLoad
		if current && (ev.Reason == "eof" || ev.Reason == "error") {
			c.state.Status = StatusIdle
		}
		if ev.EntryID != 0 {
			delete(c.entryLoads, ev.EntryID)
		}
		c.mu.Unlock()

		switch ev.Reason {
		case "eof":
			if current {
				c.stopLoops()
			}
			c.emit(Event{Kind: EventTrackFinished, LoadID: id, Reason: ev.Reason})
		case "error":
			if current {
				c.stopLoops()
			}
			c.emit(Event{Kind: EventTrackError, LoadID: id, Reason: ev.FileErr, Err: fileError(ev.FileErr)})
		default:
			// stop, quit and redirect are caused by our own commands.
			c.logger.Debug().Uint64("load_id", id).Str("reason", ev.Reason).Msg("file ended")
		}
	}
}

// loadFor maps a player entry id to a load id, falling back to the active
// load for players that do not report entry ids. Caller holds c.mu.
func (c *Controller) loadFor(entryID int64) uint64 {
	if entryID != 0 {
		if id, ok := c.entryLoads[entryID]; ok {
			return id
		}
	}
	return c.activeLoad
}

// handleExit runs on the supervisor's reaper goroutine.
func (c *Controller) handleExit(ev supervisor.ExitEvent) {
	if ev.Name != supervisor.PlayerName || ev.Expected {
		return
	}
	c.ch.Disconnect()

	c.mu.Lock()
	id := c.activeLoad
	if c.pendingLoad != 0 {
		id = c.pendingLoad
	}
	c.state.Status = StatusIdle
	c.mu.Unlock()

	c.stopLoops()
	c.logger.Error().Int("pid", ev.PID).Int("exit_code", ev.ExitCode).Uint64("load_id", id).Msg("player crashed")
	c.emit(Event{
		Kind:   EventPlayerCrashed,
		LoadID: id,
		Reason: "player exited",
		Err:    result.Wrap(result.CodeProcessCrash, ev.Err, "player crashed during playback"),
	})
}

// handleConnectionState runs on whichever goroutine dialed the socket.
func (c *Controller) handleConnectionState(st ipc.ConnectionState) {
	if st == ipc.StateConnected {
		go c.reconcile()
	}
}

// reconcile checks, after a reconnect, whether the file we believe is
// playing ended while no connection was open. The end-file event is lost in
// that case, so the finish is reported here instead.
func (c *Controller) reconcile() {
	// Wait out a recovery in progress; a restart resets the state itself.
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	c.mu.Lock()
	id := c.pendingLoad
	active := !c.closed && id != 0 && (c.state.Status == StatusPlaying || c.state.Status == StatusPaused)
	c.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()
	data, err := c.ch.Request(ctx, "get_property", "idle-active")
	if err != nil {
		c.logger.Debug().Err(err).Msg("reconcile after reconnect failed")
		return
	}
	var idle bool
	if json.Unmarshal(data, &idle) != nil || !idle {
		return
	}

	c.mu.Lock()
	still := c.pendingLoad == id && (c.state.Status == StatusPlaying || c.state.Status == StatusPaused)
	if still {
		c.state.Status = StatusIdle
	}
	c.mu.Unlock()
	if !still {
		return
	}

	c.stopLoops()
	c.logger.Warn().Uint64("load_id", id).Msg("track ended while ipc was disconnected")
	c.emit(Event{Kind: EventTrackFinished, LoadID: id, Reason: "eof"})
}

func (c *Controller) emit(ev Event) {
	c.listeners.Emit(ev)
	if c.bus == nil {
		return
	}
	payload := events.Payload{"load_id": ev.LoadID, "kind": string(ev.Kind)}
	if ev.Reason != "" {
		payload["reason"] = ev.Reason
	}
	switch ev.Kind {
	case EventTrackStarted:
		c.bus.Publish(events.EventTrackStarted, payload)
	case EventTrackFinished:
		c.bus.Publish(events.EventTrackFinished, payload)
	default:
		if ev.Err != nil {
			payload["code"] = string(ev.Err.Code)
		}
		c.bus.Publish(events.EventPlaybackError, payload)
	}
}

// fileError maps the player's file_error text to a playback code.
func fileError(msg string) *result.Error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "audio output"), strings.Contains(lower, "audio device"):
		return result.New(result.CodeDeviceError, "%s", msg)
	case strings.Contains(lower, "unrecognized file format"), strings.Contains(lower, "no audio or video"):
		return result.New(result.CodeBadFormat, "%s", msg)
	default:
		if msg == "" {
			msg = "playback failed"
		}
		return result.New(result.CodeStreamUnavailable, "%s", msg)
	}
}
