/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_jukebox/internal/admission"
	"github.com/friendsincode/grimnir_jukebox/internal/config"
	"github.com/friendsincode/grimnir_jukebox/internal/eventbus"
	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/ipc"
	"github.com/friendsincode/grimnir_jukebox/internal/orchestrator"
	"github.com/friendsincode/grimnir_jukebox/internal/playback"
	"github.com/friendsincode/grimnir_jukebox/internal/queue"
	"github.com/friendsincode/grimnir_jukebox/internal/resolver"
	"github.com/friendsincode/grimnir_jukebox/internal/server"
	"github.com/friendsincode/grimnir_jukebox/internal/supervisor"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
	"github.com/friendsincode/grimnir_jukebox/internal/version"
)

const shutdownTimeout = 15 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	logger.Info().Str("version", version.Version).Str("environment", cfg.Environment).Msg("Grimnir Jukebox starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceVersion: version.Version,
		InstanceID:     cfg.InstanceID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	bus := events.NewBus()
	bridge := eventbus.NewBridge(bus, cfg.InstanceID, logger, eventSinks(cfg)...)
	bridge.Start(ctx)
	defer func() {
		if err := bridge.Stop(); err != nil {
			logger.Warn().Err(err).Msg("event bridge stop failed")
		}
	}()

	sup := supervisor.New(supervisor.Config{
		PlayerBinary:    cfg.PlayerBinary,
		ExtractorBinary: cfg.ExtractorBinary,
		ExtractorFormat: cfg.ExtractorFormat,
		MaxExtractors:   cfg.MaxExtractors,
		ExtractTimeout:  cfg.ExtractTimeout,
		HealthInterval:  cfg.HealthInterval,
	}, bus, logger)
	defer sup.RecoverAndKill()
	if _, err := sup.CheckDependencies(ctx); err != nil {
		// Not fatal: readiness reports it and the next start retries the probe.
		logger.Error().Err(err).Msg("dependency check failed")
	}
	sup.Start()

	channel := ipc.New(ipc.Config{
		SocketPath:     cfg.SocketPath,
		RequestTimeout: cfg.IPCTimeout,
		AutoReconnect:  cfg.IPCAutoReconnect,
	}, logger)
	controller := playback.New(playback.Config{
		SocketPath:     cfg.SocketPath,
		InitialVolume:  cfg.InitialVolume,
		AudioDevice:    cfg.AudioDevice,
		PollInterval:   cfg.PositionInterval,
		HealthInterval: cfg.PlayerProbeInterval,
	}, sup, channel, bus, logger)

	res, closeResolver := newResolver(ctx, cfg, sup)
	defer closeResolver()

	window := admission.New(admission.Config{Capacity: cfg.AdmissionCapacity, Window: cfg.AdmissionWindow})
	queueSvc := queue.NewService(queue.New(logger), window, bus, logger)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.PollInterval = cfg.QueuePollInterval
	orchCfg.CommandTimeout = cfg.CommandTimeout
	orchCfg.InitialVolume = cfg.InitialVolume
	orch := orchestrator.New(orchCfg, queueSvc, res, controller, sup, bus, logger)

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	if autoRun {
		if r := orch.Start(ctx); !r.Success {
			logger.Warn().Str("code", string(r.Error.Code)).Msg("autostart failed")
		}
	}

	ops := server.New(cfg.MetricsBind, server.Deps{
		Processes: sup,
		Playback:  orch,
		Queue:     queueSvc,
		Logs:      logBuf,
	}, logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- ops.ListenAndServe() }()

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var exitErr error
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully...")
	case err := <-serveErr:
		exitErr = fmt.Errorf("ops server: %w", err)
		logger.Error().Err(err).Msg("ops server failed")
	case err := <-runErr:
		exitErr = err
		logger.Error().Err(err).Msg("orchestrator stopped unexpectedly")
	}

	// A second signal abandons the graceful path.
	go func() {
		<-quit
		logger.Warn().Msg("second signal, killing child processes")
		sup.KillAll()
		os.Exit(1)
	}()

	timeoutCtx, cancelTimeout := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelTimeout()

	if err := ops.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown failed")
	}
	if err := orch.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("playback shutdown failed, killing child processes")
		sup.KillAll()
	}
	cancel()

	logger.Info().Msg("Grimnir Jukebox stopped")
	return exitErr
}

func eventSinks(cfg *config.Config) []eventbus.Sink {
	var sinks []eventbus.Sink
	if cfg.EventsRedisEnabled {
		rc := eventbus.DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		sinks = append(sinks, eventbus.NewRedisSink(rc, logger))
	}
	if cfg.EventsNATSURL != "" {
		nc := eventbus.DefaultNATSConfig()
		nc.URL = cfg.EventsNATSURL
		if cfg.InstanceID != "" {
			nc.Name = "grimnir-jukebox-" + cfg.InstanceID
		}
		sink, err := eventbus.NewNATSSink(nc, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats event sink disabled")
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

// newResolver builds the two-tier resolver and starts the cache sweeper.
// The returned func releases the Redis tier.
func newResolver(ctx context.Context, cfg *config.Config, extractor resolver.Extractor) (*resolver.Resolver, func()) {
	cache := resolver.NewCache(logger, nil)
	go cache.RunSweeper(ctx, resolver.DefaultSweepInterval)

	var remote *resolver.RemoteCache
	if cfg.RedisCacheEnabled {
		rc := resolver.DefaultRemoteConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		r, err := resolver.NewRemoteCache(rc, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis resolution cache disabled")
		} else {
			remote = r
		}
	}

	rcfg := resolver.DefaultConfig()
	rcfg.TTL = cfg.CacheTTL
	rcfg.ProbeTimeout = cfg.ProbeTimeout
	if len(cfg.AcceptedHosts) > 0 {
		rcfg.AcceptedHosts = cfg.AcceptedHosts
	}

	return resolver.New(rcfg, extractor, cache, remote, logger), func() {
		if remote == nil {
			return
		}
		if err := remote.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis resolution cache close failed")
		}
	}
}
