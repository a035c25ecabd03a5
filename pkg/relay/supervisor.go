// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"time"
)

const (
	// MaxReconnectDelay caps the backoff between reconnect attempts.
	MaxReconnectDelay = 60 * time.Second
	// StableConnectionPeriod is how long a connection must stay up before
	// its backoff starts over.
	StableConnectionPeriod = time.Minute
)

// SupervisorState is the primary session's connection state.
type SupervisorState int

const (
	SupervisorConnected SupervisorState = iota
	SupervisorDisconnected
	SupervisorReconnecting
)

func (s SupervisorState) String() string {
	switch s {
	case SupervisorConnected:
		return "connected"
	case SupervisorDisconnected:
		return "disconnected"
	case SupervisorReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ReconnectDelay returns the wait before reconnect attempt n (1-based):
// 2^n seconds, capped at MaxReconnectDelay.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	// 2^6 already exceeds the cap; avoid shifting into overflow.
	if attempt >= 6 {
		return MaxReconnectDelay
	}
	return min(time.Duration(1<<attempt)*time.Second, MaxReconnectDelay)
}

// Backoff counts reconnect attempts of a long-lived connection. It is not
// safe for concurrent use.
type Backoff struct {
	attempt int
}

// Next returns the wait before the next reconnect, given how long the
// connection that just ended was up. A connection that lasted at least
// StableConnectionPeriod starts the backoff over.
func (b *Backoff) Next(uptime time.Duration) time.Duration {
	if uptime >= StableConnectionPeriod {
		b.attempt = 0
	}
	b.attempt++
	return ReconnectDelay(b.attempt)
}

// StartPrimary connects the primary relay session. If the first attempt
// fails the reconnect supervisor takes over and the error is returned for
// logging only.
func (p *Pool) StartPrimary(ctx context.Context) error {
	_, err := p.GetOrCreate(ctx, p.cfg.PrimaryNick)
	if err != nil {
		p.startSupervisor()
		return err
	}
	return nil
}

// PrimaryState reports the primary session's connection state.
func (p *Pool) PrimaryState() SupervisorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primaryState
}

// startSupervisor launches the reconnect loop unless one is running.
func (p *Pool) startSupervisor() {
	p.mu.Lock()
	if p.supervising || p.closed {
		p.mu.Unlock()
		return
	}
	p.supervising = true
	ctx := p.baseCtxLocked()
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.superviseReconnect(ctx)
	}()
}

// superviseReconnect retries the primary connection without limit until it
// sticks or ctx ends.
func (p *Pool) superviseReconnect(ctx context.Context) {
	log := p.log.With().Str("identity", p.cfg.PrimaryNick).Logger()
	for {
		attempt := p.nextPrimaryAttempt()
		delay := ReconnectDelay(attempt)
		p.setPrimaryState(SupervisorReconnecting)
		log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting primary IRC session")

		select {
		case <-ctx.Done():
			p.stopSupervising()
			return
		case <-p.done:
			p.stopSupervising()
			return
		case <-p.clock.After(delay):
		}

		p.metrics.reconnectAttempts.Inc()
		_, err := p.GetOrCreate(ctx, p.cfg.PrimaryNick)
		switch {
		case err == nil:
			if p.finishSupervising() {
				log.Info().Int("attempt", attempt).Msg("Primary IRC session reconnected")
				return
			}
			// Lost again before we could hand back control.
		case errors.Is(err, ErrConnectPending):
			log.Debug().Msg("Primary connection already in progress")
		default:
			log.Warn().Err(err).Int("attempt", attempt).Msg("Primary reconnect attempt failed")
		}
	}
}

// finishSupervising clears the running flag if the primary session is
// still present. Both happen under one lock so a disconnect processed
// afterwards starts a fresh supervisor.
func (p *Pool) finishSupervising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[p.cfg.PrimaryNick]; !ok {
		return false
	}
	p.supervising = false
	return true
}

// nextPrimaryAttempt counts one more reconnect attempt. The count only
// starts over once the primary session has stayed joined for a while, so a
// connection that drops before or soon after registration keeps backing
// off.
func (p *Pool) nextPrimaryAttempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.primaryAttempts++
	return p.primaryAttempts
}

func (p *Pool) stopSupervising() {
	p.mu.Lock()
	p.supervising = false
	p.mu.Unlock()
}

func (p *Pool) setPrimaryState(state SupervisorState) {
	p.mu.Lock()
	p.primaryState = state
	p.mu.Unlock()
}
