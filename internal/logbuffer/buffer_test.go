/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logbuffer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBufferWrapsAround(t *testing.T) {
	b := New(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		b.Add(LogEntry{Message: msg})
	}

	all := b.GetAll()
	if len(all) != 3 || all[0].Message != "b" || all[2].Message != "d" {
		t.Fatalf("entries = %+v", all)
	}
}

func TestWriterCapturesZerolog(t *testing.T) {
	b := New(10)
	logger := zerolog.New(NewWriter(b, nil)).With().Timestamp().Logger()

	logger.Info().Str("component", "orchestrator").Str("track_id", "t1").Msg("now playing")
	logger.Warn().Str("component", "resolver").Msg("resolve failed")
	logger.Debug().Str("component", "ipc").Msg("connected")

	tests := []struct {
		name   string
		params QueryParams
		want   []string
	}{
		{"all", QueryParams{}, []string{"now playing", "resolve failed", "connected"}},
		{"level", QueryParams{Level: "warn"}, []string{"resolve failed"}},
		{"component", QueryParams{Component: "ipc"}, []string{"connected"}},
		{"search", QueryParams{Search: "PLAYING"}, []string{"now playing"}},
		{"descending limit", QueryParams{Descending: true, Limit: 2}, []string{"connected", "resolve failed"}},
		{"since", QueryParams{Since: time.Now().Add(time.Hour)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Query(tt.params)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Message != tt.want[i] {
					t.Fatalf("entry %d = %q, want %q", i, got[i].Message, tt.want[i])
				}
			}
		})
	}

	first := b.GetAll()[0]
	if first.Fields["track_id"] != "t1" {
		t.Fatalf("fields = %v", first.Fields)
	}
}
