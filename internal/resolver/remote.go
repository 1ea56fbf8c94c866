/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

// KeyResolvedStream prefixes remote cache keys; the suffix is a hash of the
// source reference.
const KeyResolvedStream = "grimnir:jukebox:stream:"

// RemoteConfig configures the Redis resolution tier.
type RemoteConfig struct {
	Addr     string
	Password string
	DB       int

	// Cooldown is how long the tier stays disabled after a Redis error.
	Cooldown time.Duration
}

// DefaultRemoteConfig returns default Redis settings.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Addr:     "localhost:6379",
		Cooldown: 30 * time.Second,
	}
}

type remoteEntry struct {
	Stream    models.ResolvedStream `json:"stream"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// RemoteCache is a Redis-backed second tier shared across restarts. Any
// Redis error opens the breaker for Cooldown; callers then see misses.
type RemoteCache struct {
	client *redis.Client
	logger zerolog.Logger
	cfg    RemoteConfig
	now    func() time.Time

	mu            sync.RWMutex
	disabledUntil time.Time
}

// NewRemoteCache connects to Redis. An unreachable server yields a cache
// that starts with its breaker open rather than an error.
func NewRemoteCache(cfg RemoteConfig, logger zerolog.Logger) (*RemoteCache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultRemoteConfig().Cooldown
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     4,
		MinIdleConns: 1,
	})

	rc := &RemoteCache{
		client: client,
		logger: logger.With().Str("component", "resolution_cache_remote").Logger(),
		cfg:    cfg,
		now:    time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		rc.trip(err, "ping")
		return rc, nil
	}

	rc.logger.Info().Str("addr", cfg.Addr).Msg("redis resolution cache initialized")
	return rc, nil
}

// Close closes the Redis connection.
func (r *RemoteCache) Close() error {
	return r.client.Close()
}

// Available reports whether the breaker is closed.
func (r *RemoteCache) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.now().Before(r.disabledUntil)
}

func (r *RemoteCache) trip(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	r.mu.Lock()
	r.disabledUntil = r.now().Add(r.cfg.Cooldown)
	r.mu.Unlock()
	r.logger.Warn().Err(err).Str("operation", operation).Dur("cooldown", r.cfg.Cooldown).Msg("redis resolution cache disabled")
}

func remoteKey(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return KeyResolvedStream + hex.EncodeToString(sum[:16])
}

// Get returns the cached stream and its remaining lifetime.
func (r *RemoteCache) Get(ctx context.Context, ref string) (*models.ResolvedStream, time.Duration, bool) {
	if !r.Available() {
		return nil, 0, false
	}

	data, err := r.client.Get(ctx, remoteKey(ref)).Bytes()
	if err != nil {
		r.trip(err, "get")
		telemetry.ResolutionCacheTotal.WithLabelValues("redis", "miss").Inc()
		return nil, 0, false
	}

	var e remoteEntry
	if err := json.Unmarshal(data, &e); err != nil {
		r.logger.Debug().Err(err).Msg("failed to unmarshal cached stream")
		telemetry.ResolutionCacheTotal.WithLabelValues("redis", "miss").Inc()
		return nil, 0, false
	}
	ttl := e.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		telemetry.ResolutionCacheTotal.WithLabelValues("redis", "miss").Inc()
		return nil, 0, false
	}

	telemetry.ResolutionCacheTotal.WithLabelValues("redis", "hit").Inc()
	return &e.Stream, ttl, true
}

// Put stores a stream with ttl.
func (r *RemoteCache) Put(ctx context.Context, ref string, stream models.ResolvedStream, ttl time.Duration) error {
	if ttl <= 0 || !r.Available() {
		return nil
	}

	data, err := json.Marshal(remoteEntry{Stream: stream, ExpiresAt: r.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal cached stream: %w", err)
	}
	if err := r.client.Set(ctx, remoteKey(ref), data, ttl).Err(); err != nil {
		r.trip(err, "set")
		return err
	}
	return nil
}

// Delete removes a reference.
func (r *RemoteCache) Delete(ctx context.Context, ref string) error {
	if !r.Available() {
		return nil
	}
	if err := r.client.Del(ctx, remoteKey(ref)).Err(); err != nil {
		r.trip(err, "delete")
		return err
	}
	return nil
}
