/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// PlaybackStatus enumerates orchestrator states.
type PlaybackStatus string

const (
	StatusIdle      PlaybackStatus = "idle"
	StatusResolving PlaybackStatus = "resolving"
	StatusPlaying   PlaybackStatus = "playing"
	StatusPaused    PlaybackStatus = "paused"
	StatusError     PlaybackStatus = "error"
)

// PlaybackError describes the failure that moved playback into the error state.
type PlaybackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlaybackState is the process-wide view of what is playing. Values are
// replaced wholesale on every transition and must not be mutated once published.
type PlaybackState struct {
	Status          PlaybackStatus `json:"status"`
	CurrentTrack    *Track         `json:"current_track,omitempty"`
	EntryID         string         `json:"entry_id,omitempty"`
	PositionSeconds float64        `json:"position_seconds"`
	DurationSeconds float64        `json:"duration_seconds"`
	Volume          int            `json:"volume"`
	Error           *PlaybackError `json:"error,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ResourceUsage is a best-effort snapshot of a child process's resources.
type ResourceUsage struct {
	RSSBytes  int64         `json:"rss_bytes"`
	CPUTime   time.Duration `json:"cpu_time"`
	SampledAt time.Time     `json:"sampled_at"`
	Available bool          `json:"available"`
}

// ProcessInfo describes a supervised external process.
type ProcessInfo struct {
	Name              string        `json:"name"`
	PID               int           `json:"pid"`
	StartedAt         time.Time     `json:"started_at"`
	LastHealthCheckAt time.Time     `json:"last_health_check_at"`
	Healthy           bool          `json:"healthy"`
	ResourceUsage     ResourceUsage `json:"resource_usage"`
}
