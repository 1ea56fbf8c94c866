/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package supervisor

import (
	"syscall"
	"time"

	"github.com/friendsincode/grimnir_jukebox/internal/events"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

// Start begins periodic liveness checks.
func (s *Supervisor) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info().Dur("interval", s.cfg.HealthInterval).Msg("starting process supervisor")

	s.wg.Add(1)
	go s.healthCheckLoop()
}

// Stop ends the liveness checks. Processes are left running.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) healthCheckLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

// performHealthCheck samples the player and reaps extractors that outlived
// their timeout.
func (s *Supervisor) performHealthCheck() {
	s.mu.Lock()
	player := s.player
	extractors := make([]*managedProcess, 0, len(s.extractors))
	for _, p := range s.extractors {
		extractors = append(extractors, p)
	}
	s.mu.Unlock()

	if player != nil && !player.exited() {
		s.checkPlayer(player)
	}

	// Extract enforces its own deadline; anything alive well past it has
	// lost its waiter.
	limit := 2*s.cfg.ExtractTimeout + s.cfg.StopTimeout
	for _, p := range extractors {
		if p.exited() || time.Since(p.startedAt) < limit {
			continue
		}
		err := result.New(result.CodeOrphanDetected, "extractor pid %d running for %s", p.pid, time.Since(p.startedAt).Round(time.Second))
		s.logger.Error().Err(err).Msg("killing orphaned extractor")
		p.stopping.Store(true)
		_ = signalGroup(p.pid, syscall.SIGKILL)
	}
}

func (s *Supervisor) checkPlayer(p *managedProcess) {
	alive := processAlive(p.pid)
	usage := readUsage(p.pid)
	p.recordCheck(alive, usage)

	if alive {
		telemetry.PlayerHealthy.Set(1)
	} else {
		telemetry.PlayerHealthy.Set(0)
		s.logger.Warn().Int("pid", p.pid).Msg("player failed liveness check")
	}

	payload := events.Payload{
		"process": p.name,
		"pid":     p.pid,
		"healthy": alive,
	}
	if usage.Available {
		payload["rss_bytes"] = usage.RSSBytes
		payload["cpu_seconds"] = usage.CPUTime.Seconds()
	}
	s.publish(events.EventProcessHealth, payload)
}
