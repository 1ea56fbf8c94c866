/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Listeners is an ordered list of synchronous callbacks. Each callback runs in
// isolation: a panic in one is recovered and logged, and delivery continues
// with the next.
type Listeners[T any] struct {
	logger zerolog.Logger
	name   string

	mu     sync.RWMutex
	nextID uint64
	items  []listenerItem[T]
}

type listenerItem[T any] struct {
	id uint64
	fn func(T)
}

// NewListeners creates an empty listener list. name is used in log lines.
func NewListeners[T any](name string, logger zerolog.Logger) *Listeners[T] {
	return &Listeners[T]{
		logger: logger.With().Str("listeners", name).Logger(),
		name:   name,
	}
}

// Add registers fn and returns a function that removes it.
func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listenerItem[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, item := range l.items {
				if item.id == id {
					l.items = append(l.items[:i:i], l.items[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Emit delivers v to every listener in registration order and returns the
// number of listeners that failed.
func (l *Listeners[T]) Emit(v T) int {
	l.mu.RLock()
	items := append([]listenerItem[T](nil), l.items...)
	l.mu.RUnlock()

	failed := 0
	for _, item := range items {
		if err := l.call(item.fn, v); err != nil {
			failed++
			l.logger.Error().Err(err).Uint64("listener_id", item.id).Msg("listener failed")
		}
	}
	return failed
}

func (l *Listeners[T]) call(fn func(T), v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s listener panic: %v", l.name, r)
		}
	}()
	fn(v)
	return nil
}
