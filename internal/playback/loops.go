/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// loops are the position poll and the health probe. Both run only while a
// file is playing.
type loops struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *Controller) startLoops() {
	c.mu.Lock()
	if c.loops != nil || c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &loops{cancel: cancel}
	c.loops = l
	l.wg.Add(2)
	c.mu.Unlock()

	go c.pollPosition(ctx, &l.wg)
	go c.probeHealth(ctx, &l.wg)
}

// stopLoops cancels both loops and waits for them to exit.
func (c *Controller) stopLoops() {
	c.mu.Lock()
	l := c.loops
	c.loops = nil
	c.mu.Unlock()
	if l == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
}

func (c *Controller) pollPosition(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.samplePosition(ctx)
		}
	}
}

// samplePosition reads position and duration without recovery; the health
// probe owns failure handling.
func (c *Controller) samplePosition(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.PollInterval)
	defer cancel()

	pos, ok := c.readFloat(reqCtx, "time-pos")
	if !ok {
		return
	}
	dur, durOK := c.readFloat(reqCtx, "duration")

	c.mu.Lock()
	c.state.PositionSeconds = pos
	if durOK {
		c.state.DurationSeconds = dur
	}
	c.mu.Unlock()
}

func (c *Controller) readFloat(ctx context.Context, property string) (float64, bool) {
	data, err := c.ch.Request(ctx, "get_property", property)
	if err != nil {
		return 0, false
	}
	var v float64
	if json.Unmarshal(data, &v) != nil {
		return 0, false
	}
	return v, true
}

// probeHealth pings the player at a low rate and runs recovery after
// consecutive failures.
func (c *Controller) probeHealth(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := c.ch.Request(ctx, "get_property", "pid")
		if err == nil || ctx.Err() != nil {
			failures = 0
			continue
		}
		failures++
		c.logger.Warn().Err(err).Int("failures", failures).Msg("player health probe failed")
		if failures < healthFailureLimit {
			continue
		}
		failures = 0
		// recover may stop the loops; run it off this goroutine so
		// stopLoops does not wait on itself.
		go func() {
			if err := c.recover(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("health probe recovery failed")
			}
		}()
	}
}
