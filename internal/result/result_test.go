/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestFromNormalizesUnknownErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"plain error", errors.New("boom"), CodeInternal},
		{"typed error", New(CodeInvalidTrack, "missing title"), CodeInvalidTrack},
		{"wrapped typed error", fmt.Errorf("enqueue: %w", New(CodeInvalidUser, "missing id")), CodeInvalidUser},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"unknown code", &Error{Code: "SOMETHING_ELSE", Message: "x"}, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := From(tt.err)
			if got.Code != tt.want {
				t.Fatalf("From(%v).Code = %s, want %s", tt.err, got.Code, tt.want)
			}
			if !got.Code.Known() {
				t.Fatalf("code %s is not part of the vocabulary", got.Code)
			}
		})
	}
}

func TestFailResultCarriesVocabularyCode(t *testing.T) {
	r := Fail[int](errors.New("free text"))
	if r.Success {
		t.Fatal("expected failure")
	}
	if r.Error == nil || !r.Error.Code.Known() {
		t.Fatalf("expected known code, got %+v", r.Error)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["success"] != false {
		t.Fatalf("success = %v, want false", decoded["success"])
	}
	errObj, ok := decoded["error"].(map[string]any)
	if !ok || errObj["code"] != string(CodeInternal) {
		t.Fatalf("error = %v, want code %s", decoded["error"], CodeInternal)
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("resolve: %w", Wrap(CodeTimeout, context.DeadlineExceeded, "extractor"))
	if !errors.Is(err, &Error{Code: CodeTimeout}) {
		t.Fatal("expected errors.Is to match on code")
	}
	if errors.Is(err, &Error{Code: CodeNetworkError}) {
		t.Fatal("unexpected match on different code")
	}
	if !HasCode(err, CodeTimeout) {
		t.Fatal("HasCode should report TIMEOUT")
	}
}

func TestOf(t *testing.T) {
	if r := Of(3, nil); !r.Success || r.Value != 3 || r.Err() != nil {
		t.Fatalf("Of success = %+v", r)
	}
	if r := Of(0, New(CodeInvalidVolume, "bad")); r.Success || r.Err() == nil {
		t.Fatalf("Of failure = %+v", r)
	}
}
