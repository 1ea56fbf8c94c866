/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/supervisor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExtractor struct {
	calls     atomic.Int32
	streamURL string
	err       error
	gate      chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, ref string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte(fmt.Sprintf("%s\nSong for %s\n212.5\nwebm\nmedium\n", f.streamURL, ref)), nil
}

func newStreamServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestResolver(ext Extractor, clock *fakeClock) *Resolver {
	cfg := DefaultConfig()
	cfg.TTL = 10 * time.Minute
	cfg.ProbeTimeout = time.Second
	return New(cfg, ext, NewCache(zerolog.Nop(), clock.Now), nil, zerolog.Nop())
}

const testRef = "https://www.youtube.com/watch?v=abc123"

func TestCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(zerolog.Nop(), clock.Now)

	c.Put("a", models.ResolvedStream{StreamURL: "https://cdn/a"}, time.Minute)
	c.Put("b", models.ResolvedStream{StreamURL: "https://cdn/b"}, 5*time.Minute)
	c.Put("zero", models.ResolvedStream{StreamURL: "https://cdn/z"}, 0)

	if s, ok := c.Get("a"); !ok || s.StreamURL != "https://cdn/a" {
		t.Fatalf("Get(a) = %v, %v", s, ok)
	}
	if _, ok := c.Get("zero"); ok {
		t.Fatal("zero ttl entry was stored")
	}

	clock.Advance(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expired entry visible")
	}
	if n := c.EvictExpired(); n != 0 {
		t.Fatalf("EvictExpired() = %d, want 0 (a already dropped by Get)", n)
	}

	clock.Advance(5 * time.Minute)
	if n := c.EvictExpired(); n != 1 {
		t.Fatalf("EvictExpired() = %d, want 1", n)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 2 || stats.Entries != 0 {
		t.Fatalf("Stats() = %+v", stats)
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(zerolog.Nop(), nil)
	c.Put("a", models.ResolvedStream{Title: "original"}, time.Minute)

	s, _ := c.Get("a")
	s.Title = "changed"

	again, _ := c.Get("a")
	if again.Title != "original" {
		t.Fatalf("cached value mutated: %q", again.Title)
	}
}

func TestResolveExtractsOnceWithinTTL(t *testing.T) {
	srv := newStreamServer(t, http.StatusOK)
	clock := newFakeClock()
	ext := &fakeExtractor{streamURL: srv.URL + "/stream"}
	r := newTestResolver(ext, clock)
	ctx := context.Background()

	first, err := r.Resolve(ctx, testRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.DurationSeconds != 212.5 || first.Format != "webm" || first.Quality != "medium" {
		t.Fatalf("stream = %+v", first)
	}

	clock.Advance(9 * time.Minute)
	if _, err := r.Resolve(ctx, testRef); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if n := ext.calls.Load(); n != 1 {
		t.Fatalf("extractor calls = %d, want 1", n)
	}

	clock.Advance(2 * time.Minute)
	if _, err := r.Resolve(ctx, testRef); err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if n := ext.calls.Load(); n != 2 {
		t.Fatalf("extractor calls after expiry = %d, want 2", n)
	}
}

func TestConcurrentResolveSharesExtraction(t *testing.T) {
	srv := newStreamServer(t, http.StatusOK)
	ext := &fakeExtractor{streamURL: srv.URL + "/stream", gate: make(chan struct{})}
	r := newTestResolver(ext, newFakeClock())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), testRef); err != nil {
				errs <- err
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for ext.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(ext.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if n := ext.calls.Load(); n != 1 {
		t.Fatalf("extractor calls = %d, want 1", n)
	}
}

func TestUnreachableStreamIsNotCached(t *testing.T) {
	srv := newStreamServer(t, http.StatusNotFound)
	ext := &fakeExtractor{streamURL: srv.URL + "/gone"}
	r := newTestResolver(ext, newFakeClock())

	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), testRef)
		if !result.HasCode(err, result.CodeStreamUnavailable) {
			t.Fatalf("err = %v, want STREAM_UNAVAILABLE", err)
		}
	}
	if n := ext.calls.Load(); n != 2 {
		t.Fatalf("extractor calls = %d, want 2", n)
	}
	if n := r.Cache().Len(); n != 0 {
		t.Fatalf("cache has %d entries", n)
	}
}

func TestProbeFallsBackToRangedGet(t *testing.T) {
	var sawRange atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Range") == "bytes=0-0" {
			sawRange.Store(true)
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte{0})
	}))
	t.Cleanup(srv.Close)

	r := newTestResolver(&fakeExtractor{streamURL: srv.URL + "/s"}, newFakeClock())
	if _, err := r.Resolve(context.Background(), testRef); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !sawRange.Load() {
		t.Fatal("ranged GET not sent")
	}
}

func TestValidate(t *testing.T) {
	r := newTestResolver(&fakeExtractor{}, newFakeClock())

	tests := []struct {
		ref  string
		want result.Code
	}{
		{"", result.CodeInvalidURL},
		{"not a url", result.CodeInvalidURL},
		{"ftp://youtube.com/x", result.CodeInvalidURL},
		{"https:///path", result.CodeInvalidURL},
		{"https://example.com/song", result.CodeUnsupportedSite},
		{"https://notyoutube.com/watch", result.CodeUnsupportedSite},
		{"https://www.youtube.com/watch?v=x", ""},
		{"https://youtu.be/x", ""},
		{"https://artist.bandcamp.com/track/x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			err := r.Validate(tt.ref)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !result.HasCode(err, tt.want) {
				t.Fatalf("Validate() = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestInvalidReferenceSkipsExtraction(t *testing.T) {
	ext := &fakeExtractor{}
	r := newTestResolver(ext, newFakeClock())

	if _, err := r.Resolve(context.Background(), "https://example.com/x"); !result.HasCode(err, result.CodeUnsupportedSite) {
		t.Fatalf("err = %v", err)
	}
	if ext.calls.Load() != 0 {
		t.Fatal("extractor ran for a rejected reference")
	}
}

func TestClassifyExtractError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want result.Code
	}{
		{"timeout", result.New(result.CodeProcessTimeout, "slow"), result.CodeTimeout},
		{"resource limit", result.New(result.CodeResourceLimit, "busy"), result.CodeResourceLimit},
		{"unsupported", &supervisor.ExtractError{ExitCode: 1, Stderr: "ERROR: Unsupported URL: https://x"}, result.CodeUnsupportedSite},
		{"network", &supervisor.ExtractError{ExitCode: 1, Stderr: "ERROR: Unable to download webpage"}, result.CodeNetworkError},
		{"dns", &supervisor.ExtractError{ExitCode: 1, Stderr: "Temporary failure in name resolution"}, result.CodeNetworkError},
		{"read timeout", &supervisor.ExtractError{ExitCode: 1, Stderr: "The read operation timed out"}, result.CodeTimeout},
		{"other", &supervisor.ExtractError{ExitCode: 1, Stderr: "ERROR: Video unavailable"}, result.CodeExtractionFailed},
		{"wrapped", result.Wrap(result.CodeExtractionFailed, &supervisor.ExtractError{Stderr: "Unsupported URL"}, "failed"), result.CodeUnsupportedSite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := result.CodeOf(classifyExtractError(tt.err)); got != tt.want {
				t.Fatalf("code = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseExtractorOutput(t *testing.T) {
	s, err := parseExtractorOutput([]byte("https://cdn/x\nTitle\nNA\nm4a\nNA\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.DurationSeconds != 0 || s.Quality != "" || s.Format != "m4a" {
		t.Fatalf("stream = %+v", s)
	}

	for _, bad := range []string{"", "https://cdn/x\nTitle", "NA\nTitle\n1\nm4a\nhigh"} {
		if _, err := parseExtractorOutput([]byte(bad)); !result.HasCode(err, result.CodeExtractionFailed) {
			t.Fatalf("parse(%q) err = %v", bad, err)
		}
	}
}

func TestRemoteCacheUnavailableMisses(t *testing.T) {
	rc, err := NewRemoteCache(RemoteConfig{Addr: "127.0.0.1:1", Cooldown: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRemoteCache: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	if rc.Available() {
		t.Fatal("breaker closed against an unreachable server")
	}
	if _, _, ok := rc.Get(context.Background(), testRef); ok {
		t.Fatal("unexpected hit")
	}
	if err := rc.Put(context.Background(), testRef, models.ResolvedStream{}, time.Minute); err != nil {
		t.Fatalf("Put while disabled: %v", err)
	}
}
