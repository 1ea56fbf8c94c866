/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package admission bounds how many tracks each user may enqueue per rolling
// time window.
package admission

import (
	"sync"
	"time"
)

// Defaults used when a Config field is zero.
const (
	DefaultCapacity = 5
	DefaultWindow   = 10 * time.Minute
)

// Config configures an admission window.
type Config struct {
	Capacity int
	Window   time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type record struct {
	at      time.Time
	trackID string
}

// Window is a per-user sliding-window counter. A user's window resets W
// after their oldest still-valid request; expired timestamps are purged on
// every read and users with none left are forgotten.
type Window struct {
	capacity int
	window   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	users map[string][]record
}

// Stats is a point-in-time view used for metrics.
type Stats struct {
	ActiveUsers int `json:"active_users"`
	Requests    int `json:"requests"`
}

// New creates a window.
func New(cfg Config) *Window {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Window{
		capacity: cfg.Capacity,
		window:   cfg.Window,
		now:      cfg.Now,
		users:    make(map[string][]record),
	}
}

// Capacity returns N.
func (w *Window) Capacity() int { return w.capacity }

// Length returns W.
func (w *Window) Length() time.Duration { return w.window }

// Allow reports whether userID may make another request now.
func (w *Window) Allow(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.valid(userID, w.now())) < w.capacity
}

// Record stores a request for userID. It does not check Allow; callers that
// need the check-then-record sequence to be atomic hold their own lock.
func (w *Window) Record(userID, trackID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	recs := w.valid(userID, now)
	w.users[userID] = append(recs, record{at: now, trackID: trackID})
}

// Remaining returns how many more requests userID may make in the current
// window.
func (w *Window) Remaining(userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.capacity - len(w.valid(userID, w.now()))
	if n < 0 {
		return 0
	}
	return n
}

// TimeUntilReset returns how long until the user's oldest valid request
// leaves the window, or 0 when the user has no active window.
func (w *Window) TimeUntilReset(userID string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	recs := w.valid(userID, now)
	if len(recs) == 0 {
		return 0
	}
	d := recs[0].at.Add(w.window).Sub(now)
	if d <= 0 {
		// valid() keeps only records strictly inside the window.
		return time.Nanosecond
	}
	return d
}

// Stats purges every user and reports what is left.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var s Stats
	for userID := range w.users {
		recs := w.valid(userID, now)
		if len(recs) == 0 {
			continue
		}
		s.ActiveUsers++
		s.Requests += len(recs)
	}
	return s
}

// valid purges userID's expired records and returns the remainder. Only the
// given user's entry is touched. Caller holds w.mu.
func (w *Window) valid(userID string, now time.Time) []record {
	recs, ok := w.users[userID]
	if !ok {
		return nil
	}
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(recs) && !recs[i].at.After(cutoff) {
		i++
	}
	if i == len(recs) {
		delete(w.users, userID)
		return nil
	}
	if i > 0 {
		recs = append(recs[:0:0], recs[i:]...)
		w.users[userID] = recs
	}
	return recs
}
