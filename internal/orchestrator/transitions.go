/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package orchestrator

import (
	"context"
	"time"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/playback"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

var allStatuses = []string{
	string(models.StatusIdle),
	string(models.StatusResolving),
	string(models.StatusPlaying),
	string(models.StatusPaused),
	string(models.StatusError),
}

type phase int

const (
	phaseNone phase = iota
	phaseResolving
	phaseLoading
)

// transition guards an in-flight move to a new entry. While phase is not
// phaseNone the poll is a no-op and finished/error events are stale.
type transition struct {
	id    uint64
	phase phase
}

type resolveResult struct {
	transition uint64
	entry      *models.QueueEntry
	stream     *models.ResolvedStream
	err        error
}

func (o *Orchestrator) ctx() context.Context {
	if o.loopCtx != nil {
		return o.loopCtx
	}
	return context.Background()
}

func (o *Orchestrator) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(o.ctx(), o.cfg.CommandTimeout)
}

func (o *Orchestrator) current() models.PlaybackState {
	return *o.state.Load()
}

func (o *Orchestrator) start() (models.PlaybackState, error) {
	if o.running {
		return o.current(), result.New(result.CodeAlreadyRunning, "playback already started")
	}
	o.running = true
	o.ticker = time.NewTicker(o.cfg.PollInterval)
	o.logger.Info().Msg("playback started")
	o.poll()
	return o.current(), nil
}

func (o *Orchestrator) stop() (models.PlaybackState, error) {
	if !o.running {
		return o.current(), result.New(result.CodeNotRunning, "playback is not started")
	}
	o.running = false
	o.stopTimers()
	o.invalidate()

	ctx, cancel := o.commandContext()
	defer cancel()
	if err := o.player.Stop(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("stop player failed")
	}
	o.publish(o.idleState())
	o.logger.Info().Msg("playback stopped")
	return o.current(), nil
}

func (o *Orchestrator) pause() (models.PlaybackState, error) {
	if !o.running {
		return o.current(), result.New(result.CodeNotRunning, "playback is not started")
	}
	st := o.current()
	if st.Status != models.StatusPlaying {
		return st, result.New(result.CodeInvalidState, "cannot pause while %s", st.Status)
	}
	ctx, cancel := o.commandContext()
	defer cancel()
	if err := o.player.Pause(ctx); err != nil {
		return st, err
	}
	next := o.withPosition(st)
	next.Status = models.StatusPaused
	o.publish(next)
	return o.current(), nil
}

func (o *Orchestrator) resume() (models.PlaybackState, error) {
	if !o.running {
		return o.current(), result.New(result.CodeNotRunning, "playback is not started")
	}
	st := o.current()
	if st.Status != models.StatusPaused {
		return st, result.New(result.CodeInvalidState, "cannot resume while %s", st.Status)
	}
	ctx, cancel := o.commandContext()
	defer cancel()
	if err := o.player.Resume(ctx); err != nil {
		return st, err
	}
	next := o.withPosition(st)
	next.Status = models.StatusPlaying
	o.publish(next)
	return o.current(), nil
}

// skip advances the queue before stopping the player so the stop cannot be
// mistaken for the end of the new entry.
func (o *Orchestrator) skip() (models.PlaybackState, error) {
	if !o.running {
		return o.current(), result.New(result.CodeNotRunning, "playback is not started")
	}
	st := o.current()
	switch st.Status {
	case models.StatusPlaying, models.StatusPaused, models.StatusResolving, models.StatusError:
	default:
		return st, result.New(result.CodeInvalidState, "nothing to skip")
	}

	entry := o.entry
	o.invalidate()
	next := o.advancePast(entry)

	ctx, cancel := o.commandContext()
	if err := o.player.Stop(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("stop player during skip failed")
	}
	cancel()

	o.logger.Info().Str("from", trackID(st.CurrentTrack)).Msg("skipped")
	o.startOrIdle(next)
	return o.current(), nil
}

func (o *Orchestrator) setVolume(volume int) (models.PlaybackState, error) {
	if volume < 0 || volume > 100 {
		return o.current(), result.New(result.CodeInvalidVolume, "volume %d outside 0-100", volume)
	}
	st := o.current()
	if st.Status == models.StatusPlaying || st.Status == models.StatusPaused {
		ctx, cancel := o.commandContext()
		defer cancel()
		if err := o.player.SetVolume(ctx, volume); err != nil {
			return st, err
		}
	}
	o.volume = volume
	next := o.withPosition(st)
	next.Volume = volume
	o.publish(next)
	return o.current(), nil
}

// poll starts playback of an existing current entry. It never advances the
// queue.
func (o *Orchestrator) poll() {
	if !o.running || o.trans.phase != phaseNone {
		return
	}
	if o.current().Status != models.StatusIdle {
		return
	}
	cur := o.queue.State().Current
	if cur == nil {
		return
	}
	o.begin(cur)
}

// invalidate makes every in-flight resolve and every event of the current
// load stale.
func (o *Orchestrator) invalidate() {
	o.nextTrans++
	o.trans = transition{id: o.nextTrans}
	o.loadID = 0
	o.entry = nil
	o.stream = nil
	o.resumeAt = 0
}

// begin moves to resolving and resolves entry off the loop.
func (o *Orchestrator) begin(entry *models.QueueEntry) {
	o.invalidate()
	o.trans.phase = phaseResolving
	o.entry = entry
	o.recoveryUsed = false

	track := entry.Track
	o.publish(models.PlaybackState{
		Status:          models.StatusResolving,
		CurrentTrack:    &track,
		EntryID:         entry.ID,
		DurationSeconds: track.DurationSeconds,
		Volume:          o.volume,
	})

	id := o.trans.id
	ctx, cancel := context.WithTimeout(o.ctx(), o.cfg.ResolveTimeout)
	go func() {
		defer cancel()
		stream, err := o.resolver.Resolve(ctx, entry.Track.SourceReference)
		select {
		case o.resolved <- resolveResult{transition: id, entry: entry, stream: stream, err: err}:
		case <-o.done:
		}
	}()
}

func (o *Orchestrator) onResolved(res resolveResult) {
	if res.transition != o.trans.id || o.trans.phase != phaseResolving {
		telemetry.OrchestratorStaleEventsTotal.WithLabelValues("resolve").Inc()
		o.logger.Debug().Uint64("transition", res.transition).Msg("discarding stale resolve result")
		return
	}
	if res.err != nil {
		o.fail(res.entry, res.err)
		return
	}

	o.trans.phase = phaseLoading
	ctx, cancel := o.commandContext()
	loadID, err := o.player.Load(ctx, res.stream.StreamURL)
	if err == nil && o.player.State().Volume != o.volume {
		if verr := o.player.SetVolume(ctx, o.volume); verr != nil {
			o.logger.Warn().Err(verr).Msg("apply volume failed")
		}
	}
	cancel()
	if err != nil {
		o.fail(res.entry, err)
		return
	}

	o.trans.phase = phaseNone
	o.loadID = loadID
	o.stream = res.stream

	track := res.entry.Track
	duration := res.stream.DurationSeconds
	if duration <= 0 {
		duration = track.DurationSeconds
	}
	o.publish(models.PlaybackState{
		Status:          models.StatusPlaying,
		CurrentTrack:    &track,
		EntryID:         res.entry.ID,
		DurationSeconds: duration,
		Volume:          o.volume,
	})
	o.logger.Info().Str("track_id", track.ID).Str("title", track.Title).Uint64("load_id", loadID).Msg("now playing")
}

func (o *Orchestrator) onPlayerEvent(ev playback.Event) {
	if o.loadID == 0 || ev.LoadID != o.loadID {
		telemetry.OrchestratorStaleEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		o.logger.Debug().Str("kind", string(ev.Kind)).Uint64("load_id", ev.LoadID).Uint64("current", o.loadID).Msg("discarding stale player event")
		return
	}
	if o.trans.phase != phaseNone && ev.Kind != playback.EventTrackStarted {
		telemetry.OrchestratorStaleEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		return
	}

	switch ev.Kind {
	case playback.EventTrackStarted:
		o.onStarted()
	case playback.EventTrackFinished:
		o.logger.Info().Str("track_id", trackID(o.current().CurrentTrack)).Msg("track finished")
		entry := o.entry
		o.invalidate()
		o.startOrIdle(o.advancePast(entry))
	case playback.EventTrackError:
		var err error = ev.Err
		if ev.Err == nil {
			err = result.New(result.CodeStreamUnavailable, "playback failed")
		}
		if o.entry != nil && result.HasCode(err, result.CodeStreamUnavailable) {
			o.resolver.Invalidate(o.ctx(), o.entry.Track.SourceReference)
		}
		o.fail(o.entry, err)
	case playback.EventPlayerCrashed:
		o.onCrash(ev)
	}
}

func (o *Orchestrator) onStarted() {
	if o.resumeAt > 0 {
		pos := o.resumeAt
		o.resumeAt = 0
		ctx, cancel := o.commandContext()
		if err := o.player.Seek(ctx, pos); err != nil {
			o.logger.Warn().Err(err).Float64("position", pos).Msg("resume seek failed")
		}
		cancel()
	}
	st := o.current()
	ps := o.player.State()
	if ps.DurationSeconds > 0 && ps.DurationSeconds != st.DurationSeconds {
		next := st
		next.DurationSeconds = ps.DurationSeconds
		o.publish(next)
	}
}

// onCrash reloads the same stream once per entry and resumes near the last
// position. A second crash, or a failed reload, skips the entry.
func (o *Orchestrator) onCrash(ev playback.Event) {
	st := o.current()
	entry, stream := o.entry, o.stream
	crashErr := error(ev.Err)
	if ev.Err == nil {
		crashErr = result.New(result.CodeProcessCrash, "player crashed")
	}

	if o.recoveryUsed || entry == nil || stream == nil {
		telemetry.PlaybackRecoveriesTotal.WithLabelValues("reload", "exhausted").Inc()
		o.fail(entry, crashErr)
		return
	}
	o.recoveryUsed = true
	position := o.player.State().PositionSeconds

	ctx, cancel := o.commandContext()
	defer cancel()
	loadID, err := o.player.Load(ctx, stream.StreamURL)
	if err != nil {
		telemetry.PlaybackRecoveriesTotal.WithLabelValues("reload", "failed").Inc()
		o.logger.Error().Err(err).Msg("crash recovery reload failed")
		o.fail(entry, crashErr)
		return
	}
	o.loadID = loadID
	if position >= o.cfg.ResumeThreshold {
		o.resumeAt = position
	}
	if st.Status == models.StatusPaused {
		if err := o.player.Pause(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("restore pause after recovery failed")
		}
	}
	telemetry.PlaybackRecoveriesTotal.WithLabelValues("reload", "ok").Inc()
	o.logger.Warn().Uint64("load_id", loadID).Float64("resume_at", position).Msg("recovered from player crash")

	next := st
	next.Error = nil
	next.PositionSeconds = position
	o.publish(next)
}

// fail publishes the error state and then skips to the next entry.
func (o *Orchestrator) fail(entry *models.QueueEntry, err error) {
	rerr := result.From(err)
	telemetry.OrchestratorAutoSkipsTotal.WithLabelValues(string(rerr.Code)).Inc()

	st := models.PlaybackState{
		Status: models.StatusError,
		Volume: o.volume,
		Error:  &models.PlaybackError{Code: string(rerr.Code), Message: rerr.Message},
	}
	if entry != nil {
		track := entry.Track
		st.CurrentTrack = &track
		st.EntryID = entry.ID
	}
	o.logger.Warn().Err(rerr).Str("track_id", trackID(st.CurrentTrack)).Msg("playback failed, skipping")
	o.publish(st)
	if o.bus != nil {
		o.bus.Publish(events.EventPlaybackError, events.Payload{
			"code":     string(rerr.Code),
			"message":  rerr.Message,
			"track_id": trackID(st.CurrentTrack),
		})
	}

	o.invalidate()
	o.startOrIdle(o.advancePast(entry))
}

// advancePast moves the queue past entry only while entry is still current.
// After a clear the playing entry is no longer in the queue, so whatever is
// current now is started instead of being skipped.
func (o *Orchestrator) advancePast(entry *models.QueueEntry) *models.QueueEntry {
	if entry == nil {
		return o.queue.State().Current
	}
	return o.queue.AdvanceIf(entry.ID).Value
}

func (o *Orchestrator) startOrIdle(next *models.QueueEntry) {
	if next != nil && o.running {
		o.begin(next)
		return
	}
	o.publish(o.idleState())
}

func (o *Orchestrator) idleState() models.PlaybackState {
	return models.PlaybackState{Status: models.StatusIdle, Volume: o.volume}
}

func (o *Orchestrator) withPosition(st models.PlaybackState) models.PlaybackState {
	ps := o.player.State()
	st.PositionSeconds = ps.PositionSeconds
	if ps.DurationSeconds > 0 {
		st.DurationSeconds = ps.DurationSeconds
	}
	return st
}

// publish replaces the state and notifies listeners. The stored value is
// never mutated afterwards.
func (o *Orchestrator) publish(next models.PlaybackState) {
	next.UpdatedAt = time.Now()
	prev := o.state.Swap(&next)

	if prev.Status != next.Status {
		telemetry.OrchestratorTransitionsTotal.WithLabelValues(string(prev.Status), string(next.Status)).Inc()
		telemetry.SetPlaybackStatus(string(next.Status), allStatuses)
	}

	o.listeners.Emit(next)
	if o.bus != nil {
		payload := events.Payload{
			"status": string(next.Status),
			"volume": next.Volume,
		}
		if next.CurrentTrack != nil {
			payload["track_id"] = next.CurrentTrack.ID
			payload["title"] = next.CurrentTrack.Title
		}
		if next.Error != nil {
			payload["error_code"] = next.Error.Code
		}
		o.bus.Publish(events.EventPlaybackState, payload)
	}
}

func trackID(t *models.Track) string {
	if t == nil {
		return ""
	}
	return t.ID
}
