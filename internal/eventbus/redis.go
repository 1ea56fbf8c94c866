/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      4,
		MinIdleConns:  1,
		DialTimeout:   2 * time.Second,
		ReadTimeout:   time.Second,
		WriteTimeout:  time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// RedisSink publishes events on Redis pub/sub channels. After MaxFailures
// consecutive errors it drops events for CheckInterval.
type RedisSink struct {
	client *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger

	mu        sync.Mutex
	failCount int
	openUntil time.Time
}

// NewRedisSink creates a sink. An unreachable server starts the sink with
// its breaker open instead of failing.
func NewRedisSink(cfg RedisConfig, logger zerolog.Logger) *RedisSink {
	def := DefaultRedisConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	s := &RedisSink{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "eventbus_redis").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("redis event sink unavailable")
		s.openUntil = time.Now().Add(cfg.CheckInterval)
		return s
	}

	s.logger.Info().Str("addr", cfg.Addr).Msg("redis event sink initialized")
	return s
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Healthy reports whether the breaker is closed.
func (s *RedisSink) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !time.Now().Before(s.openUntil)
}

// Send implements Sink. Events are dropped while the breaker is open.
func (s *RedisSink) Send(ctx context.Context, subject string, data []byte) error {
	if !s.Healthy() {
		return nil
	}
	if err := s.client.Publish(ctx, subject, data).Err(); err != nil {
		s.handleFailure(err)
		return err
	}
	s.mu.Lock()
	s.failCount = 0
	s.mu.Unlock()
	return nil
}

func (s *RedisSink) handleFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount++
	if s.failCount < s.cfg.MaxFailures {
		return
	}
	s.failCount = 0
	s.openUntil = time.Now().Add(s.cfg.CheckInterval)
	s.logger.Warn().Err(err).Dur("retry_in", s.cfg.CheckInterval).Msg("redis event sink disabled after repeated failures")
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
