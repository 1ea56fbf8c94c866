/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package resolver turns source references into playable stream URLs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/supervisor"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

// DefaultAcceptedHosts are the sites the extractor is trusted with.
// Subdomains match too.
var DefaultAcceptedHosts = []string{
	"youtube.com",
	"youtu.be",
	"soundcloud.com",
	"bandcamp.com",
	"vimeo.com",
	"mixcloud.com",
}

// Extractor runs the external extractor for a reference and returns its
// stdout.
type Extractor interface {
	Extract(ctx context.Context, ref string) ([]byte, error)
}

// Config holds resolver settings.
type Config struct {
	TTL           time.Duration
	ProbeTimeout  time.Duration
	AcceptedHosts []string

	// HTTPClient overrides the probe client. Its transport is wrapped for
	// tracing.
	HTTPClient *http.Client
}

// DefaultConfig returns resolver defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           time.Hour,
		ProbeTimeout:  5 * time.Second,
		AcceptedHosts: DefaultAcceptedHosts,
	}
}

// Resolver resolves references through a memory cache, an optional Redis
// tier and the extractor. Concurrent misses for one reference share a
// single extraction.
type Resolver struct {
	cfg       Config
	extractor Extractor
	cache     *Cache
	remote    *RemoteCache
	client    *http.Client
	group     singleflight.Group
	logger    zerolog.Logger
}

// New creates a resolver. remote may be nil.
func New(cfg Config, extractor Extractor, cache *Cache, remote *RemoteCache, logger zerolog.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.AcceptedHosts == nil {
		cfg.AcceptedHosts = def.AcceptedHosts
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client := *base
	client.Transport = otelhttp.NewTransport(transport)
	client.Timeout = cfg.ProbeTimeout

	if cache == nil {
		cache = NewCache(logger, nil)
	}

	return &Resolver{
		cfg:       cfg,
		extractor: extractor,
		cache:     cache,
		remote:    remote,
		client:    &client,
		logger:    logger.With().Str("component", "resolver").Logger(),
	}
}

// Cache returns the memory tier.
func (r *Resolver) Cache() *Cache { return r.cache }

// Validate checks a reference against the accepted-source pattern.
func (r *Resolver) Validate(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return result.New(result.CodeInvalidURL, "source reference is empty")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return result.Wrap(result.CodeInvalidURL, err, "source reference is not a URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return result.New(result.CodeInvalidURL, "unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return result.New(result.CodeInvalidURL, "source reference has no host")
	}
	if len(r.cfg.AcceptedHosts) == 0 {
		return nil
	}
	for _, accepted := range r.cfg.AcceptedHosts {
		accepted = strings.ToLower(accepted)
		if host == accepted || strings.HasSuffix(host, "."+accepted) {
			return nil
		}
	}
	return result.New(result.CodeUnsupportedSite, "site %s is not supported", host)
}

// Resolve returns a playable stream for ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*models.ResolvedStream, error) {
	ref = strings.TrimSpace(ref)
	if err := r.Validate(ref); err != nil {
		return nil, err
	}

	if s, ok := r.cache.Get(ref); ok {
		return s, nil
	}

	ch := r.group.DoChan(ref, func() (any, error) {
		// The shared run outlives any single caller.
		return r.resolveMiss(context.WithoutCancel(ctx), ref)
	})

	select {
	case <-ctx.Done():
		return nil, result.Wrap(result.CodeTimeout, ctx.Err(), "resolve cancelled")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*models.ResolvedStream)
		return &s, nil
	}
}

func (r *Resolver) resolveMiss(ctx context.Context, ref string) (*models.ResolvedStream, error) {
	ctx, span := telemetry.StartSpan(ctx, "resolver", "resolver.resolve")
	defer span.End()
	start := time.Now()

	// A concurrent flight may have filled the cache since the caller's miss.
	if s, ok := r.cache.Get(ref); ok {
		return s, nil
	}

	if r.remote != nil {
		if s, ttl, ok := r.remote.Get(ctx, ref); ok {
			r.cache.Put(ref, *s, ttl)
			telemetry.ResolutionDuration.WithLabelValues("remote_hit").Observe(time.Since(start).Seconds())
			return s, nil
		}
	}

	stream, err := r.extract(ctx, ref)
	if err == nil {
		err = r.probe(ctx, stream.StreamURL)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.ResolutionDuration.WithLabelValues(string(result.CodeOf(err))).Observe(time.Since(start).Seconds())
		r.logger.Warn().Err(err).Str("ref", ref).Msg("resolve failed")
		return nil, err
	}

	r.cache.Put(ref, *stream, r.cfg.TTL)
	if r.remote != nil {
		if err := r.remote.Put(ctx, ref, *stream, r.cfg.TTL); err != nil {
			r.logger.Debug().Err(err).Msg("remote cache put failed")
		}
	}

	telemetry.AddSpanAttributes(span, map[string]any{"format": stream.Format, "duration_seconds": stream.DurationSeconds})
	telemetry.ResolutionDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	r.logger.Debug().Str("ref", ref).Str("title", stream.Title).Msg("resolved stream")
	return stream, nil
}

func (r *Resolver) extract(ctx context.Context, ref string) (*models.ResolvedStream, error) {
	out, err := r.extractor.Extract(ctx, ref)
	if err != nil {
		return nil, classifyExtractError(err)
	}
	return parseExtractorOutput(out)
}

// classifyExtractError maps supervisor failures to resolution codes.
func classifyExtractError(err error) error {
	switch result.CodeOf(err) {
	case result.CodeProcessTimeout:
		return result.Wrap(result.CodeTimeout, err, "extractor timed out")
	case result.CodeResourceLimit, result.CodeDependencyMissing:
		return err
	}

	var xe *supervisor.ExtractError
	if !errors.As(err, &xe) {
		return result.Wrap(result.CodeExtractionFailed, err, "extraction failed")
	}
	stderr := strings.ToLower(xe.Stderr)
	switch {
	case strings.Contains(stderr, "unsupported url"):
		return result.Wrap(result.CodeUnsupportedSite, err, "extractor does not support this site")
	case strings.Contains(stderr, "timed out"):
		return result.Wrap(result.CodeTimeout, err, "extractor network timeout")
	case strings.Contains(stderr, "unable to download"),
		strings.Contains(stderr, "name resolution"),
		strings.Contains(stderr, "connection"),
		strings.Contains(stderr, "network is unreachable"),
		strings.Contains(stderr, "http error 5"):
		return result.Wrap(result.CodeNetworkError, err, "extractor network failure")
	default:
		return result.Wrap(result.CodeExtractionFailed, err, "extraction failed")
	}
}

// parseExtractorOutput reads one field per line in supervisor.ExtractorFields
// order. The extractor prints "NA" for missing optional fields.
func parseExtractorOutput(out []byte) (*models.ResolvedStream, error) {
	lines := strings.Split(strings.TrimRight(string(out), "\r\n"), "\n")
	if len(lines) < len(supervisor.ExtractorFields) {
		return nil, result.New(result.CodeExtractionFailed, "extractor printed %d lines, want %d", len(lines), len(supervisor.ExtractorFields))
	}
	field := func(i int) string {
		v := strings.TrimSpace(lines[i])
		if v == "NA" {
			return ""
		}
		return v
	}

	streamURL := field(0)
	u, err := url.Parse(streamURL)
	if streamURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, result.New(result.CodeExtractionFailed, "extractor returned no usable stream url")
	}

	var duration float64
	if d := field(2); d != "" {
		duration, err = strconv.ParseFloat(d, 64)
		if err != nil || duration < 0 {
			duration = 0
		}
	}

	return &models.ResolvedStream{
		StreamURL:       streamURL,
		Title:           field(1),
		DurationSeconds: duration,
		Format:          field(3),
		Quality:         field(4),
	}, nil
}

// probe checks that the stream answers. Servers that reject HEAD get a
// one-byte ranged GET.
func (r *Resolver) probe(ctx context.Context, streamURL string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	status, err := r.probeOnce(ctx, http.MethodHead, streamURL)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusForbidden || status == http.StatusNotImplemented) {
		status, err = r.probeOnce(ctx, http.MethodGet, streamURL)
	}
	if err != nil {
		return result.Wrap(result.CodeStreamUnavailable, err, "stream unreachable")
	}
	if status >= http.StatusBadRequest {
		return result.New(result.CodeStreamUnavailable, "stream returned HTTP %d", status)
	}
	return nil
}

func (r *Resolver) probeOnce(ctx context.Context, method, streamURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, streamURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Invalidate drops a reference from both tiers, typically after the player
// reports the stream unusable.
func (r *Resolver) Invalidate(ctx context.Context, ref string) {
	r.cache.Delete(ref)
	if r.remote != nil {
		if err := r.remote.Delete(ctx, ref); err != nil {
			r.logger.Debug().Err(err).Msg("remote cache delete failed")
		}
	}
}
