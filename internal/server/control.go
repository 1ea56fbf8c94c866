/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
)

const maxBodyBytes = 16 << 10

type enqueueRequest struct {
	Track models.Track `json:"track"`
	User  models.User  `json:"user"`
}

type volumeRequest struct {
	Volume *int `json:"volume"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.State())
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.deps.Queue.AddTrack(req.Track, req.User)
	if !res.Success {
		writeResult(w, res)
		return
	}
	s.logger.Info().
		Str("entry_id", res.Value.ID).
		Str("track_id", req.Track.ID).
		Str("user_id", req.User.ID).
		Msg("track enqueued")
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlaybackAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var res result.Result[models.PlaybackState]
	switch chi.URLParam(r, "action") {
	case "start":
		res = s.deps.Playback.Start(ctx)
	case "stop":
		res = s.deps.Playback.Stop(ctx)
	case "pause":
		res = s.deps.Playback.Pause(ctx)
	case "resume":
		res = s.deps.Playback.Resume(ctx)
	case "skip":
		res = s.deps.Playback.Skip(ctx)
	default:
		http.NotFound(w, r)
		return
	}
	writeResult(w, res)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeResult(w, result.Fail[models.PlaybackState](result.New(result.CodeInvalidVolume, "volume is required")))
		return
	}
	writeResult(w, s.deps.Playback.SetVolume(r.Context(), *req.Volume))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeResult maps an error code to an HTTP status and writes the result
// shape unchanged.
func writeResult[T any](w http.ResponseWriter, res result.Result[T]) {
	if res.Success {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if res.Error.RetryAfter > 0 {
		secs := int(math.Ceil(res.Error.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, statusFor(res.Error.Code), res)
}

func statusFor(code result.Code) int {
	switch code {
	case result.CodeInvalidTrack, result.CodeInvalidUser, result.CodeInvalidVolume,
		result.CodeInvalidURL, result.CodeUnsupportedSite:
		return http.StatusBadRequest
	case result.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case result.CodeInvalidState, result.CodeNotRunning, result.CodeAlreadyRunning:
		return http.StatusConflict
	case result.CodeTimeout:
		return http.StatusGatewayTimeout
	case result.CodeResourceLimit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
