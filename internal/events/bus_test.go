/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventQueueAdded)

	bus.Publish(EventQueueAdded, Payload{"entry_id": "e1"})
	bus.Publish(EventQueueCleared, Payload{"ignored": true})

	select {
	case p := <-sub:
		if p["entry_id"] != "e1" {
			t.Fatalf("payload = %v", p)
		}
	default:
		t.Fatal("expected payload")
	}

	select {
	case p := <-sub:
		t.Fatalf("unexpected payload %v", p)
	default:
	}

	bus.Unsubscribe(EventQueueAdded, sub)
	if _, ok := <-sub; ok {
		t.Fatal("expected closed subscriber")
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	_ = bus.Subscribe(EventPlaybackState)
	for i := 0; i < 1000; i++ {
		bus.Publish(EventPlaybackState, Payload{"i": i})
	}
}

func TestListenersIsolateFailures(t *testing.T) {
	l := NewListeners[int]("test", zerolog.Nop())

	var got []int
	l.Add(func(v int) { got = append(got, v) })
	l.Add(func(int) { panic("listener bug") })
	l.Add(func(v int) { got = append(got, v*10) })

	failed := l.Emit(2)
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 20 {
		t.Fatalf("got = %v, want [2 20]", got)
	}
}

func TestListenersRemove(t *testing.T) {
	l := NewListeners[string]("test", zerolog.Nop())
	calls := 0
	remove := l.Add(func(string) { calls++ })

	l.Emit("a")
	remove()
	remove()
	l.Emit("b")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
}
