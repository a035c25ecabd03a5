// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultReaperInterval    = time.Minute
)

// Reaper periodically disconnects virtual sessions whose IRC user has been
// silent for longer than the inactivity timeout.
type Reaper struct {
	pool     *Pool
	clock    clock.Clock
	timeout  time.Duration
	interval time.Duration
	log      zerolog.Logger
}

// NewReaper creates a reaper. A zero timeout disables reaping.
func NewReaper(pool *Pool, clk clock.Clock, timeout, interval time.Duration, log zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Reaper{
		pool:     pool,
		clock:    clk,
		timeout:  timeout,
		interval: interval,
		log:      log.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r.timeout <= 0 {
		r.log.Info().Msg("Inactivity reaping disabled")
		return
	}
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.log.Info().
		Dur("timeout", r.timeout).
		Dur("interval", r.interval).
		Msg("Inactivity reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep reaps every identity idle at now and returns the ones whose
// sessions were disconnected.
func (r *Reaper) Sweep(now time.Time) []string {
	if r.timeout <= 0 {
		return nil
	}
	reaped := r.pool.ReapIdle(now, r.timeout)
	for _, identity := range reaped {
		r.pool.metrics.reaped.Inc()
		r.log.Info().Str("identity", identity).Msg("Disconnected idle virtual session")
	}
	return reaped
}
