/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus forwards local events to external brokers so dashboards
// and other hosts can follow queue and playback changes.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
)

// SubjectPrefix prefixes every external subject or channel.
const SubjectPrefix = "grimnir.jukebox."

// Sink delivers encoded events to one external broker.
type Sink interface {
	Name() string
	Send(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Message is the wire format published to sinks.
type Message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// Bridge subscribes to the local bus and forwards every event to its sinks.
type Bridge struct {
	bus    *events.Bus
	sinks  []Sink
	nodeID string
	logger zerolog.Logger

	mu      sync.Mutex
	subs    map[events.EventType]events.Subscriber
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewBridge creates a bridge. An empty nodeID gets a generated one.
func NewBridge(bus *events.Bus, nodeID string, logger zerolog.Logger, sinks ...Sink) *Bridge {
	if nodeID == "" {
		nodeID = GenerateNodeID()
	}
	return &Bridge{
		bus:    bus,
		sinks:  sinks,
		nodeID: nodeID,
		logger: logger.With().Str("component", "eventbus").Logger(),
		subs:   make(map[events.EventType]events.Subscriber),
	}
}

// NodeID identifies this host in published messages.
func (b *Bridge) NodeID() string { return b.nodeID }

// Start begins forwarding. It is a no-op without sinks or when started.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || len(b.sinks) == 0 {
		return
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	for _, et := range events.AllEventTypes {
		sub := b.bus.Subscribe(et)
		b.subs[et] = sub
		b.wg.Add(1)
		go b.forward(ctx, et, sub)
	}

	names := make([]string, 0, len(b.sinks))
	for _, s := range b.sinks {
		names = append(names, s.Name())
	}
	b.logger.Info().Strs("sinks", names).Str("node_id", b.nodeID).Msg("event bridge started")
}

func (b *Bridge) forward(ctx context.Context, et events.EventType, sub events.Subscriber) {
	defer b.wg.Done()
	subject := SubjectPrefix + string(et)

	for payload := range sub {
		data, err := MarshalMessage(et, payload, b.nodeID)
		if err != nil {
			b.logger.Error().Err(err).Str("event_type", string(et)).Msg("failed to encode event")
			continue
		}
		for _, sink := range b.sinks {
			sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := sink.Send(sendCtx, subject, data); err != nil {
				b.logger.Debug().Err(err).Str("sink", sink.Name()).Str("event_type", string(et)).Msg("event not forwarded")
			}
			cancel()
		}
	}
}

// Stop unsubscribes, waits for in-flight forwards and closes the sinks.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	for et, sub := range b.subs {
		b.bus.Unsubscribe(et, sub)
		delete(b.subs, et)
	}
	cancel := b.cancel
	b.mu.Unlock()

	b.wg.Wait()
	cancel()

	var firstErr error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s sink: %w", s.Name(), err)
		}
	}
	return firstErr
}

// MarshalMessage encodes an event for the wire.
func MarshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(Message{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

// UnmarshalMessage decodes a wire message.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event message: %w", err)
	}
	return &msg, nil
}

// GenerateNodeID returns hostname plus a short random suffix.
func GenerateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "jukebox"
	}
	return host + "-" + uuid.NewString()[:8]
}
