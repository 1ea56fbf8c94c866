/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue holds the shared play queue and the admission-checked
// service wrapped around it.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
)

// ChangeKind names a queue mutation.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeAdvanced ChangeKind = "advanced"
	ChangeCleared  ChangeKind = "cleared"
)

// Change describes one queue mutation as delivered to listeners.
type Change struct {
	Kind ChangeKind
	// Entry is the added entry for ChangeAdded and the new current entry
	// (possibly nil) for ChangeAdvanced.
	Entry *models.QueueEntry
	// Previous is the entry that stopped being current on ChangeAdvanced.
	Previous *models.QueueEntry
	Length   int
}

// State is a synchronous snapshot of the queue.
type State struct {
	Current *models.QueueEntry  `json:"current"`
	Pending []models.QueueEntry `json:"pending"`
	Length  int                 `json:"length"`
	IsEmpty bool                `json:"is_empty"`
}

// Queue is a current entry plus an ordered pending list. The first entry
// enqueued into an empty queue becomes current immediately.
type Queue struct {
	logger    zerolog.Logger
	now       func() time.Time
	listeners *events.Listeners[Change]

	mu      sync.Mutex
	current *models.QueueEntry
	pending []*models.QueueEntry
}

// New creates an empty queue.
func New(logger zerolog.Logger) *Queue {
	logger = logger.With().Str("component", "queue").Logger()
	return &Queue{
		logger:    logger,
		now:       time.Now,
		listeners: events.NewListeners[Change]("queue", logger),
	}
}

// OnChange registers a listener for every mutation and returns a function
// that unregisters it. Listeners run after the mutation has been applied,
// outside the queue lock.
func (q *Queue) OnChange(fn func(Change)) (remove func()) {
	return q.listeners.Add(fn)
}

// Enqueue validates track and user and appends a new entry.
func (q *Queue) Enqueue(track models.Track, user models.User) (*models.QueueEntry, error) {
	if msg := track.Validate(); msg != "" {
		return nil, result.New(result.CodeInvalidTrack, "%s", msg)
	}
	if msg := user.Validate(); msg != "" {
		return nil, result.New(result.CodeInvalidUser, "%s", msg)
	}

	entry := &models.QueueEntry{
		ID:      uuid.NewString(),
		Track:   track,
		AddedBy: user,
		AddedAt: q.now().UTC(),
	}

	q.mu.Lock()
	if q.current == nil {
		q.current = entry
	} else {
		q.pending = append(q.pending, entry)
	}
	length := q.lengthLocked()
	q.mu.Unlock()

	q.logger.Debug().
		Str("entry_id", entry.ID).
		Str("track_id", track.ID).
		Str("user_id", user.ID).
		Int("length", length).
		Msg("track enqueued")

	q.emit(Change{Kind: ChangeAdded, Entry: copyEntry(entry), Length: length})
	return copyEntry(entry), nil
}

// Advance drops the current entry and promotes the head of the pending list.
// It returns the new current entry, or nil when the queue is now empty.
// Advancing an empty queue is a no-op.
func (q *Queue) Advance() *models.QueueEntry {
	q.mu.Lock()
	if q.current == nil {
		q.mu.Unlock()
		return nil
	}
	return q.promoteLocked()
}

// AdvanceIf advances only while entryID is still the current entry. When it
// is not, the queue is left untouched and the existing current entry (or
// nil) is returned with advanced=false.
func (q *Queue) AdvanceIf(entryID string) (next *models.QueueEntry, advanced bool) {
	q.mu.Lock()
	if q.current == nil || q.current.ID != entryID {
		cur := copyEntry(q.current)
		q.mu.Unlock()
		return cur, false
	}
	return q.promoteLocked(), true
}

// Current returns the current entry or nil.
func (q *Queue) Current() *models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyEntry(q.current)
}

// State returns a snapshot.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := State{
		Current: copyEntry(q.current),
		Pending: make([]models.QueueEntry, 0, len(q.pending)),
		Length:  q.lengthLocked(),
	}
	for _, e := range q.pending {
		st.Pending = append(st.Pending, *e)
	}
	st.IsEmpty = st.Length == 0
	return st
}

// Clear removes every entry, including the current one.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.current = nil
	q.pending = nil
	q.mu.Unlock()

	q.emit(Change{Kind: ChangeCleared})
}

// promoteLocked drops the current entry, promotes the pending head and
// unlocks q before notifying listeners.
func (q *Queue) promoteLocked() *models.QueueEntry {
	previous := q.current
	q.current = nil
	if len(q.pending) > 0 {
		q.current = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
	}
	next := copyEntry(q.current)
	length := q.lengthLocked()
	q.mu.Unlock()

	q.emit(Change{Kind: ChangeAdvanced, Entry: next, Previous: copyEntry(previous), Length: length})
	return next
}

func (q *Queue) lengthLocked() int {
	n := len(q.pending)
	if q.current != nil {
		n++
	}
	return n
}

func (q *Queue) emit(c Change) {
	if failed := q.listeners.Emit(c); failed > 0 {
		q.logger.Warn().Str("change", string(c.Kind)).Int("failed", failed).Msg("queue listeners failed")
	}
}

func copyEntry(e *models.QueueEntry) *models.QueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
