/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/admission"
	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
)

func testTrack(i int) models.Track {
	return models.Track{
		ID:              fmt.Sprintf("track-%d", i),
		Title:           fmt.Sprintf("Song %d", i),
		Artist:          "Band",
		SourceReference: fmt.Sprintf("https://www.youtube.com/watch?v=abc%d", i),
		DurationSeconds: 200,
	}
}

var alice = models.User{ID: "u-alice", Nickname: "alice"}

func TestEnqueueOrdering(t *testing.T) {
	for _, n := range []int{1, 2, 5, 12} {
		t.Run(fmt.Sprintf("%d entries", n), func(t *testing.T) {
			q := New(zerolog.Nop())
			for i := 0; i < n; i++ {
				if _, err := q.Enqueue(testTrack(i), alice); err != nil {
					t.Fatalf("Enqueue(%d): %v", i, err)
				}
			}

			st := q.State()
			if st.Length != n {
				t.Fatalf("Length = %d, want %d", st.Length, n)
			}
			if st.Current == nil || st.Current.Track.ID != "track-0" {
				t.Fatalf("Current = %+v, want track-0", st.Current)
			}
			if len(st.Pending) != n-1 {
				t.Fatalf("len(Pending) = %d, want %d", len(st.Pending), n-1)
			}
			for i, e := range st.Pending {
				if want := fmt.Sprintf("track-%d", i+1); e.Track.ID != want {
					t.Fatalf("Pending[%d] = %s, want %s", i, e.Track.ID, want)
				}
			}
		})
	}
}

func TestAdvance(t *testing.T) {
	q := New(zerolog.Nop())

	if got := q.Advance(); got != nil {
		t.Fatalf("Advance() on empty = %+v, want nil", got)
	}

	q.Enqueue(testTrack(1), alice)
	if got := q.Advance(); got != nil {
		t.Fatalf("Advance() on single = %+v, want nil", got)
	}
	if st := q.State(); !st.IsEmpty || st.Length != 0 || st.Current != nil {
		t.Fatalf("State() = %+v, want empty", st)
	}
	for i := 0; i < 3; i++ {
		if got := q.Advance(); got != nil {
			t.Fatalf("repeated Advance() = %+v, want nil", got)
		}
	}

	q.Enqueue(testTrack(1), alice)
	q.Enqueue(testTrack(2), alice)
	next := q.Advance()
	if next == nil || next.Track.ID != "track-2" {
		t.Fatalf("Advance() = %+v, want track-2", next)
	}
}

func TestAdvanceIfOnlyMovesPastCurrent(t *testing.T) {
	q := New(zerolog.Nop())

	if next, ok := q.AdvanceIf("missing"); next != nil || ok {
		t.Fatalf("AdvanceIf on empty = %+v, %v; want nil, false", next, ok)
	}

	first, _ := q.Enqueue(testTrack(1), alice)
	q.Clear()
	second, _ := q.Enqueue(testTrack(2), alice)

	next, ok := q.AdvanceIf(first.ID)
	if ok {
		t.Fatal("AdvanceIf advanced past an entry that was cleared")
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("AdvanceIf = %+v, want current %s", next, second.ID)
	}
	if st := q.State(); st.Length != 1 || st.Current.ID != second.ID {
		t.Fatalf("State() = %+v, want only %s", st, second.ID)
	}

	q.Enqueue(testTrack(3), alice)
	next, ok = q.AdvanceIf(second.ID)
	if !ok || next == nil || next.Track.ID != "track-3" {
		t.Fatalf("AdvanceIf(current) = %+v, %v; want track-3, true", next, ok)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := New(zerolog.Nop())

	bad := testTrack(1)
	bad.Title = ""
	_, err := q.Enqueue(bad, alice)
	if !result.HasCode(err, result.CodeInvalidTrack) {
		t.Fatalf("err = %v, want INVALID_TRACK", err)
	}

	_, err = q.Enqueue(testTrack(1), models.User{ID: "u"})
	if !result.HasCode(err, result.CodeInvalidUser) {
		t.Fatalf("err = %v, want INVALID_USER", err)
	}

	if !q.State().IsEmpty {
		t.Fatal("queue mutated by invalid enqueue")
	}
}

func TestListenersSeeEveryMutation(t *testing.T) {
	q := New(zerolog.Nop())

	var kinds []ChangeKind
	q.OnChange(func(c Change) { kinds = append(kinds, c.Kind) })
	q.OnChange(func(Change) { panic("bad listener") })

	q.Enqueue(testTrack(1), alice)
	q.Enqueue(testTrack(2), alice)
	q.Advance()
	q.Clear()

	want := []ChangeKind{ChangeAdded, ChangeAdded, ChangeAdvanced, ChangeCleared}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	if !q.State().IsEmpty {
		t.Fatal("Clear() did not empty queue")
	}
}

func newTestService(bus events.Publisher) *Service {
	w := admission.New(admission.Config{Capacity: 5, Window: 10 * time.Minute})
	return NewService(New(zerolog.Nop()), w, bus, zerolog.Nop())
}

func TestServiceRateLimit(t *testing.T) {
	svc := newTestService(nil)

	for i := 0; i < 5; i++ {
		if r := svc.AddTrack(testTrack(i), alice); !r.Success {
			t.Fatalf("AddTrack(%d) = %+v", i, r.Error)
		}
	}

	r := svc.AddTrack(testTrack(6), alice)
	if r.Success {
		t.Fatal("6th AddTrack succeeded")
	}
	if r.Error.Code != result.CodeRateLimitExceeded {
		t.Fatalf("code = %s, want RATE_LIMIT_EXCEEDED", r.Error.Code)
	}
	if r.Error.RetryAfter <= 0 || r.Error.RetryAfter > 10*time.Minute {
		t.Fatalf("RetryAfter = %v", r.Error.RetryAfter)
	}
	if svc.State().Length != 5 {
		t.Fatalf("Length = %d, want 5", svc.State().Length)
	}

	bob := models.User{ID: "u-bob", Nickname: "bob"}
	if svc.Remaining(bob.ID) != 5 {
		t.Fatalf("bob Remaining = %d", svc.Remaining(bob.ID))
	}
	if r := svc.AddTrack(testTrack(7), bob); !r.Success {
		t.Fatalf("bob AddTrack = %+v", r.Error)
	}
}

func TestServiceValidationDoesNotConsumeQuota(t *testing.T) {
	svc := newTestService(nil)

	bad := testTrack(1)
	bad.SourceReference = ""
	for i := 0; i < 10; i++ {
		r := svc.AddTrack(bad, alice)
		if r.Success || r.Error.Code != result.CodeInvalidTrack {
			t.Fatalf("AddTrack(bad) = %+v", r)
		}
	}
	if got := svc.Remaining(alice.ID); got != 5 {
		t.Fatalf("Remaining = %d, want 5", got)
	}
	if got := svc.TimeUntilReset(alice.ID); got != 0 {
		t.Fatalf("TimeUntilReset = %v, want 0", got)
	}
}

func TestServicePublishesToBus(t *testing.T) {
	bus := events.NewBus()
	added := bus.Subscribe(events.EventQueueAdded)
	advanced := bus.Subscribe(events.EventQueueAdvanced)
	svc := newTestService(bus)

	svc.AddTrack(testTrack(1), alice)
	svc.AddTrack(testTrack(2), alice)
	r := svc.Advance()
	if !r.Success || r.Value == nil || r.Value.Track.ID != "track-2" {
		t.Fatalf("Advance() = %+v", r)
	}

	if len(added) != 2 {
		t.Fatalf("added events = %d, want 2", len(added))
	}
	p := <-advanced
	if p["track_id"] != "track-2" || p["length"] != 1 {
		t.Fatalf("advanced payload = %v", p)
	}
}
