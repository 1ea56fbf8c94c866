/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"strings"
	"testing"
)

func TestTrackValidate(t *testing.T) {
	valid := Track{ID: "t1", Title: "Song", Artist: "Band", SourceReference: "https://youtu.be/abc", DurationSeconds: 180}

	tests := []struct {
		name  string
		mut   func(*Track)
		valid bool
	}{
		{"valid track", func(*Track) {}, true},
		{"missing id", func(t *Track) { t.ID = " " }, false},
		{"missing title", func(t *Track) { t.Title = "" }, false},
		{"long title", func(t *Track) { t.Title = strings.Repeat("a", MaxTitleLength+1) }, false},
		{"missing reference", func(t *Track) { t.SourceReference = "" }, false},
		{"negative duration", func(t *Track) { t.DurationSeconds = -1 }, false},
		{"zero duration allowed", func(t *Track) { t.DurationSeconds = 0 }, true},
		{"empty artist allowed", func(t *Track) { t.Artist = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track := valid
			tt.mut(&track)
			got := track.Validate() == ""
			if got != tt.valid {
				t.Errorf("Validate() valid = %v, want %v (%q)", got, tt.valid, track.Validate())
			}
		})
	}
}

func TestUserValidate(t *testing.T) {
	tests := []struct {
		name  string
		user  User
		valid bool
	}{
		{"valid", User{ID: "u1", Nickname: "dj"}, true},
		{"missing id", User{Nickname: "dj"}, false},
		{"blank nickname", User{ID: "u1", Nickname: "  "}, false},
		{"long nickname", User{ID: "u1", Nickname: strings.Repeat("n", MaxNicknameLength+1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.Validate() == ""; got != tt.valid {
				t.Errorf("Validate() valid = %v, want %v", got, tt.valid)
			}
		})
	}
}
