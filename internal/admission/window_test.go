/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package admission

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWindow() (*Window, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{Capacity: 5, Window: 10 * time.Minute, Now: clk.Now}), clk
}

func TestWindowRejectsSixthRequest(t *testing.T) {
	w, clk := newTestWindow()

	for i := 0; i < 5; i++ {
		if !w.Allow("alice") {
			t.Fatalf("request %d rejected", i+1)
		}
		w.Record("alice", fmt.Sprintf("t%d", i))
		clk.Advance(30 * time.Second)
	}

	if w.Allow("alice") {
		t.Fatal("6th request allowed")
	}
	if got := w.Remaining("alice"); got != 0 {
		t.Fatalf("Remaining() = %d, want 0", got)
	}
	reset := w.TimeUntilReset("alice")
	if reset <= 0 || reset > 10*time.Minute {
		t.Fatalf("TimeUntilReset() = %v, want in (0, 10m]", reset)
	}
	// Oldest request was made 2m30s ago.
	if want := 10*time.Minute - 150*time.Second; reset != want {
		t.Fatalf("TimeUntilReset() = %v, want %v", reset, want)
	}
}

func TestWindowAnchorsToOldestValidRequest(t *testing.T) {
	w, clk := newTestWindow()

	w.Record("alice", "t0")
	clk.Advance(4 * time.Minute)
	for i := 1; i < 5; i++ {
		w.Record("alice", fmt.Sprintf("t%d", i))
	}
	if w.Allow("alice") {
		t.Fatal("expected quota exhausted")
	}

	// First request leaves the window; one slot frees up.
	clk.Advance(6*time.Minute + time.Second)
	if got := w.Remaining("alice"); got != 1 {
		t.Fatalf("Remaining() = %d, want 1", got)
	}
	if got := w.TimeUntilReset("alice"); got != 4*time.Minute-time.Second {
		t.Fatalf("TimeUntilReset() = %v, want %v", got, 4*time.Minute-time.Second)
	}
}

func TestWindowUsersAreIndependent(t *testing.T) {
	w, _ := newTestWindow()

	for i := 0; i < 5; i++ {
		w.Record("alice", fmt.Sprintf("t%d", i))
	}
	if w.Allow("alice") {
		t.Fatal("alice should be limited")
	}
	if !w.Allow("bob") {
		t.Fatal("bob should be allowed")
	}
	if got := w.Remaining("bob"); got != 5 {
		t.Fatalf("bob Remaining() = %d, want 5", got)
	}
	if got := w.TimeUntilReset("bob"); got != 0 {
		t.Fatalf("bob TimeUntilReset() = %v, want 0", got)
	}
}

func TestWindowEvictsIdleUsers(t *testing.T) {
	w, clk := newTestWindow()

	w.Record("alice", "t0")
	w.Record("bob", "t1")
	if s := w.Stats(); s.ActiveUsers != 2 || s.Requests != 2 {
		t.Fatalf("Stats() = %+v", s)
	}

	clk.Advance(10 * time.Minute)
	if got := w.TimeUntilReset("alice"); got != 0 {
		t.Fatalf("TimeUntilReset() = %v, want 0 after window", got)
	}
	if s := w.Stats(); s.ActiveUsers != 0 {
		t.Fatalf("Stats() = %+v, want no active users", s)
	}
	if len(w.users) != 0 {
		t.Fatalf("users map not evicted: %d entries", len(w.users))
	}
}

func TestWindowDefaults(t *testing.T) {
	w := New(Config{})
	if w.Capacity() != DefaultCapacity || w.Length() != DefaultWindow {
		t.Fatalf("defaults = %d/%v", w.Capacity(), w.Length())
	}
}
