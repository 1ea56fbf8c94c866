/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Field limits applied when validating tracks and users.
const (
	MaxTitleLength    = 500
	MaxArtistLength   = 300
	MaxNicknameLength = 64
	MaxReferenceBytes = 2048
)

// User identifies who enqueued a track.
type User struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

// Validate reports the first problem with the user, or "".
func (u User) Validate() string {
	if strings.TrimSpace(u.ID) == "" {
		return "user id is required"
	}
	nick := strings.TrimSpace(u.Nickname)
	if nick == "" {
		return "nickname is required"
	}
	if utf8.RuneCountInString(nick) > MaxNicknameLength {
		return "nickname is too long"
	}
	return ""
}

// Track is an immutable description of a remotely hosted track.
type Track struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist"`
	SourceReference string  `json:"source_reference"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Validate reports the first problem with the track, or "".
func (t Track) Validate() string {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return "track id is required"
	case strings.TrimSpace(t.Title) == "":
		return "track title is required"
	case utf8.RuneCountInString(t.Title) > MaxTitleLength:
		return "track title is too long"
	case utf8.RuneCountInString(t.Artist) > MaxArtistLength:
		return "track artist is too long"
	case strings.TrimSpace(t.SourceReference) == "":
		return "source reference is required"
	case len(t.SourceReference) > MaxReferenceBytes:
		return "source reference is too long"
	case t.DurationSeconds < 0:
		return "duration must not be negative"
	}
	return ""
}

// QueueEntry is a track placed in the queue by a user.
type QueueEntry struct {
	ID      string    `json:"id"`
	Track   Track     `json:"track"`
	AddedBy User      `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
}

// ResolvedStream is a playable stream URL plus metadata for a source reference.
type ResolvedStream struct {
	StreamURL       string  `json:"stream_url"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration_seconds"`
	Format          string  `json:"format"`
	Quality         string  `json:"quality"`
}
