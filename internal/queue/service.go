/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/admission"
	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

// Service combines the admission window and the queue into one
// admission-checked API.
type Service struct {
	queue  *Queue
	window *admission.Window
	bus    events.Publisher
	logger zerolog.Logger

	// admitMu makes allow, enqueue and record one step per request.
	admitMu sync.Mutex
}

// NewService wires a queue and admission window. bus may be nil.
func NewService(q *Queue, w *admission.Window, bus events.Publisher, logger zerolog.Logger) *Service {
	s := &Service{
		queue:  q,
		window: w,
		bus:    bus,
		logger: logger.With().Str("component", "queue_service").Logger(),
	}
	q.OnChange(s.publish)
	return s
}

// Queue returns the underlying queue.
func (s *Service) Queue() *Queue { return s.queue }

// AddTrack admits and enqueues a track for user. Admission is checked
// before the queue is touched and recorded only after the enqueue succeeds.
func (s *Service) AddTrack(track models.Track, user models.User) result.Result[*models.QueueEntry] {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	if msg := user.Validate(); msg != "" {
		return s.reject(result.New(result.CodeInvalidUser, "%s", msg))
	}

	if !s.window.Allow(user.ID) {
		retry := s.window.TimeUntilReset(user.ID)
		err := result.New(result.CodeRateLimitExceeded,
			"limit of %d tracks per %s reached, retry in %s",
			s.window.Capacity(), s.window.Length(), retry.Round(time.Second))
		err.RetryAfter = retry
		s.logger.Info().Str("user_id", user.ID).Dur("retry_after", retry).Msg("enqueue rate limited")
		return s.reject(err)
	}

	entry, err := s.queue.Enqueue(track, user)
	if err != nil {
		return s.reject(err)
	}

	s.window.Record(user.ID, track.ID)
	telemetry.QueueOperationsTotal.WithLabelValues("add").Inc()
	telemetry.AdmissionActiveUsers.Set(float64(s.window.Stats().ActiveUsers))
	return result.OK(entry)
}

// Advance moves to the next entry. The value is nil when the queue is empty.
func (s *Service) Advance() result.Result[*models.QueueEntry] {
	telemetry.QueueOperationsTotal.WithLabelValues("advance").Inc()
	return result.OK(s.queue.Advance())
}

// AdvanceIf advances only while entryID is current. Otherwise it returns the
// existing current entry without mutating the queue.
func (s *Service) AdvanceIf(entryID string) result.Result[*models.QueueEntry] {
	next, advanced := s.queue.AdvanceIf(entryID)
	if advanced {
		telemetry.QueueOperationsTotal.WithLabelValues("advance").Inc()
	}
	return result.OK(next)
}

// State returns a queue snapshot.
func (s *Service) State() State { return s.queue.State() }

// Clear empties the queue.
func (s *Service) Clear() {
	telemetry.QueueOperationsTotal.WithLabelValues("clear").Inc()
	s.queue.Clear()
}

// Remaining returns the user's remaining admissions in the current window.
func (s *Service) Remaining(userID string) int { return s.window.Remaining(userID) }

// TimeUntilReset returns when the user's window resets, or 0.
func (s *Service) TimeUntilReset(userID string) time.Duration {
	return s.window.TimeUntilReset(userID)
}

func (s *Service) reject(err error) result.Result[*models.QueueEntry] {
	r := result.Fail[*models.QueueEntry](err)
	telemetry.AdmissionRejectedTotal.WithLabelValues(string(r.Error.Code)).Inc()
	return r
}

func (s *Service) publish(c Change) {
	telemetry.QueueLength.Set(float64(c.Length))
	if s.bus == nil {
		return
	}
	payload := events.Payload{"length": c.Length}
	if c.Entry != nil {
		payload["entry_id"] = c.Entry.ID
		payload["track_id"] = c.Entry.Track.ID
		payload["title"] = c.Entry.Track.Title
		payload["user_id"] = c.Entry.AddedBy.ID
	}
	switch c.Kind {
	case ChangeAdded:
		s.bus.Publish(events.EventQueueAdded, payload)
	case ChangeAdvanced:
		if c.Previous != nil {
			payload["previous_entry_id"] = c.Previous.ID
		}
		s.bus.Publish(events.EventQueueAdvanced, payload)
	case ChangeCleared:
		s.bus.Publish(events.EventQueueCleared, payload)
	}
}
