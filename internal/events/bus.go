/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventQueueAdded    EventType = "queue.added"
	EventQueueAdvanced EventType = "queue.advanced"
	EventQueueCleared  EventType = "queue.cleared"

	EventPlaybackState EventType = "playback.state"
	EventTrackStarted  EventType = "playback.track_started"
	EventTrackFinished EventType = "playback.track_finished"
	EventPlaybackError EventType = "playback.error"

	EventProcessHealth EventType = "process.health"
	EventProcessExit   EventType = "process.exit"
)

// AllEventTypes lists every event type the core publishes.
var AllEventTypes = []EventType{
	EventQueueAdded,
	EventQueueAdvanced,
	EventQueueCleared,
	EventPlaybackState,
	EventTrackStarted,
	EventTrackFinished,
	EventPlaybackError,
	EventProcessHealth,
	EventProcessExit,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is implemented by anything events can be published to.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Bus implements a simple in-process pubsub. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 32)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}
