/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package result defines the fixed error vocabulary and the uniform result
// shape returned to collaborators of the playback core.
package result

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code is a member of the fixed error vocabulary.
type Code string

// Queue and admission errors.
const (
	CodeInvalidTrack      Code = "INVALID_TRACK"
	CodeInvalidUser       Code = "INVALID_USER"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
)

// Resolution errors.
const (
	CodeInvalidURL        Code = "INVALID_URL"
	CodeUnsupportedSite   Code = "UNSUPPORTED_SITE"
	CodeNetworkError      Code = "NETWORK_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeExtractionFailed  Code = "EXTRACTION_FAILED"
	CodeStreamUnavailable Code = "STREAM_UNAVAILABLE"
)

// Playback errors. CodeProcessCrash is what a listener of the playback
// layer sees when the player dies.
const (
	CodePlayerUnresponsive Code = "PLAYER_UNRESPONSIVE"
	CodeDeviceError        Code = "DEVICE_ERROR"
	CodeBadFormat          Code = "BAD_FORMAT"
	CodeProcessCrash       Code = "PROCESS_CRASH"
	CodeIPCFailure         Code = "IPC_FAILURE"
)

// Process errors. CodeProcessCrashed marks an unexpected exit as reported
// by the supervisor.
const (
	CodeStartFailed       Code = "START_FAILED"
	CodeProcessTimeout    Code = "PROCESS_TIMEOUT"
	CodeResourceLimit     Code = "RESOURCE_LIMIT"
	CodeDependencyMissing Code = "DEPENDENCY_MISSING"
	CodeProcessCrashed    Code = "PROCESS_CRASHED"
	CodeOrphanDetected    Code = "ORPHAN_DETECTED"
)

// Orchestrator errors.
const (
	CodeNotRunning     Code = "NOT_RUNNING"
	CodeAlreadyRunning Code = "ALREADY_RUNNING"
	CodeInvalidState   Code = "INVALID_STATE"
	CodeInvalidVolume  Code = "INVALID_VOLUME"
	CodeInternal       Code = "INTERNAL"
)

var vocabulary = map[Code]struct{}{
	CodeInvalidTrack: {}, CodeInvalidUser: {}, CodeRateLimitExceeded: {},
	CodeInvalidURL: {}, CodeUnsupportedSite: {}, CodeNetworkError: {}, CodeTimeout: {},
	CodeExtractionFailed: {}, CodeStreamUnavailable: {},
	CodePlayerUnresponsive: {}, CodeDeviceError: {}, CodeBadFormat: {}, CodeProcessCrash: {},
	CodeIPCFailure: {},
	CodeStartFailed: {}, CodeProcessTimeout: {}, CodeResourceLimit: {}, CodeDependencyMissing: {},
	CodeProcessCrashed: {}, CodeOrphanDetected: {},
	CodeNotRunning: {}, CodeAlreadyRunning: {}, CodeInvalidState: {}, CodeInvalidVolume: {},
	CodeInternal: {},
}

// Known reports whether c belongs to the fixed vocabulary.
func (c Code) Known() bool {
	_, ok := vocabulary[c]
	return ok
}

// Error is the only error type that crosses the collaborator boundary.
type Error struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code that wraps cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can use errors.Is with a
// template such as &Error{Code: CodeTimeout}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the vocabulary code from err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) && e.Code.Known() {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// From converts any error into an *Error from the fixed vocabulary.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Code.Known() {
		return e
	}
	code := CodeOf(err)
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// Result is the uniform {success, value} / {success, error} shape.
type Result[T any] struct {
	Success bool   `json:"success"`
	Value   T      `json:"value,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// OK wraps a successful value.
func OK[T any](v T) Result[T] {
	return Result[T]{Success: true, Value: v}
}

// Fail wraps an error; the error is normalized to the fixed vocabulary.
func Fail[T any](err error) Result[T] {
	return Result[T]{Success: false, Error: From(err)}
}

// Of builds a result from a Go (value, error) pair.
func Of[T any](v T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return OK(v)
}

// Err returns the result's error as a plain error value, or nil.
func (r Result[T]) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return r.Error
}
