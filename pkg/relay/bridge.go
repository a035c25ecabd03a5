// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultOutboxSize = 256

// outboundPost is one IRC message waiting to be posted remotely.
type outboundPost struct {
	identity    string
	displayName string
	content     string
}

// Bridge relays one IRC channel to one remote channel in both directions.
type Bridge struct {
	cfg     *Config
	log     zerolog.Logger
	clock   clock.Clock
	metrics *Metrics
	rules   IdentityRules

	pool   *Pool
	ledger *Ledger
	reaper *Reaper
	remote Remote

	remoteChannel string
	outbox        chan outboundPost
	remoteReady   chan struct{}
	readyOnce     sync.Once
}

// NewBridge wires a bridge from cfg. clk may be nil for the wall clock.
func NewBridge(cfg *Config, dialer Dialer, remote Remote, clk clock.Clock, log zerolog.Logger) *Bridge {
	if clk == nil {
		clk = clock.New()
	}
	metrics := NewMetrics()
	rules := cfg.IdentityRules()
	b := &Bridge{
		cfg:         cfg,
		log:         log,
		clock:       clk,
		metrics:     metrics,
		rules:       rules,
		ledger:      NewLedger(rules, cfg.DedupWindow(), cfg.ClaimWindow(), cfg.Relay.DedupMaxEntries),
		remote:      remote,
		outbox:      make(chan outboundPost, defaultOutboxSize),
		remoteReady: make(chan struct{}),
	}
	switch cfg.Remote.Type {
	case RemoteMattermost:
		b.remoteChannel = cfg.Remote.Mattermost.ChannelID
	case RemoteMatrix:
		b.remoteChannel = cfg.Remote.Matrix.RoomID
	}
	b.pool = NewPool(cfg.PoolConfig(), dialer, clk, metrics, log)
	b.pool.SetHandler(b)
	b.reaper = NewReaper(b.pool, clk,
		seconds(cfg.Relay.InactivityTimeout), seconds(cfg.Relay.ReaperInterval), log)
	return b
}

// Pool exposes the bridge's connection pool.
func (b *Bridge) Pool() *Pool { return b.pool }

// Ledger exposes the bridge's dedup ledger.
func (b *Bridge) Ledger() *Ledger { return b.ledger }

// Metrics exposes the bridge's collectors.
func (b *Bridge) Metrics() *Metrics { return b.metrics }

// Run runs the bridge until ctx is cancelled or a component fails, then
// shuts every IRC session down within the configured timeout.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.pool.Run(gctx)
	})
	g.Go(func() error {
		b.runOutbox(gctx)
		return nil
	})
	g.Go(func() error {
		if err := b.remote.Run(gctx, b.onRemoteEvent); err != nil {
			return fmt.Errorf("remote session failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-b.remoteReady:
		}
		b.reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := b.pool.StartPrimary(gctx); err != nil {
			b.log.Warn().Err(err).Msg("Initial IRC connection failed, retrying in background")
		}
		return nil
	})

	if b.cfg.Admin.Listen != "" {
		server := &http.Server{
			Addr:         b.cfg.Admin.Listen,
			Handler:      b.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			b.log.Info().Str("addr", b.cfg.Admin.Listen).Msg("Starting admin API")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	b.shutdown()
	return err
}

// shutdown closes the pool, giving up after the shutdown timeout.
func (b *Bridge) shutdown() {
	timeout := seconds(b.cfg.Relay.ShutdownTimeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	done := make(chan error, 1)
	go func() {
		done <- b.pool.Close("Bridge shutting down")
	}()
	select {
	case err := <-done:
		if err != nil {
			b.log.Warn().Err(err).Msg("Errors while closing IRC sessions")
		} else {
			b.log.Info().Msg("All IRC sessions closed")
		}
	case <-b.clock.After(timeout):
		b.log.Warn().Dur("timeout", timeout).Msg("Timed out closing IRC sessions")
	}
}

func (b *Bridge) onRemoteEvent(evt RemoteEvent) {
	switch evt := evt.(type) {
	case RemoteReady:
		b.readyOnce.Do(func() {
			b.log.Info().Msg("Remote session ready")
			close(b.remoteReady)
		})
	case RemoteDisconnected:
		b.log.Warn().Err(evt.Err).Msg("Remote session disconnected")
	case RemoteMessage:
		b.OnInboundForeignMessage(evt)
	}
}

// OnInboundPublicMessage handles a message seen in the IRC channel. Every
// session in the channel reports the same message; the ledger lets only
// the first report through.
func (b *Bridge) OnInboundPublicMessage(nick, content string, isAction bool) {
	b.pool.Touch(nick)
	if strings.EqualFold(nick, b.cfg.IRC.Nickname) || b.pool.isOwnNick(b.cfg.IRC.Nickname, nick) {
		return
	}
	if b.ledger.ShouldSuppressInbound(nick, content) {
		return
	}
	text := content
	if isAction {
		text = "*" + content + "*"
	}
	if !b.ledger.TryClaimRelay(nick, text) {
		return
	}

	post := outboundPost{
		identity:    nick,
		displayName: b.cfg.FormatDisplayname(DisplaynameParams{Nick: nick}),
		content:     text,
	}
	select {
	case b.outbox <- post:
	default:
		b.metrics.dropped.WithLabelValues(dropOutboxFull).Inc()
		b.log.Warn().Str("nick", nick).Msg("Remote outbox full, dropping message")
	}
}

// OnInboundForeignMessage handles a message from the remote channel and
// hands it to the IRC loop under the author's virtual identity.
func (b *Bridge) OnInboundForeignMessage(msg RemoteMessage) {
	if msg.FromSelf {
		return
	}
	if b.remoteChannel != "" && msg.ChannelID != b.remoteChannel {
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	if strings.Contains(msg.AuthorName, IRCAuthorMarker) {
		return
	}

	identity := b.rules.Derive(msg.AuthorName)
	log := b.log.With().
		Str("author_id", msg.AuthorID).
		Str("identity", identity).
		Logger()
	for _, line := range strings.Split(msg.Content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.ledger.MarkOriginatedHere(identity, line)
		if err := b.pool.Submit(identity, line); err != nil {
			log.Warn().Err(err).Msg("Failed to hand message to IRC loop")
			continue
		}
		log.Debug().Int("length", len(line)).Msg("Queued remote message for IRC")
	}
}

func (b *Bridge) runOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case post := <-b.outbox:
			_ = b.postWithRetry(ctx, post)
		}
	}
}

// postWithRetry makes up to post_attempts attempts, waiting the retry delay
// (or the backend's longer Retry-After) between them.
func (b *Bridge) postWithRetry(ctx context.Context, post outboundPost) error {
	attempts := max(b.cfg.Relay.PostAttempts, 1)
	log := b.log.With().Str("nick", post.identity).Logger()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = b.remote.Post(ctx, post.displayName, post.content)
		if err == nil {
			b.metrics.relayed.WithLabelValues(directionToRemote).Inc()
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := seconds(b.cfg.Relay.PostRetryDelay)
		var postErr *PostError
		if errors.As(err, &postErr) && postErr.RetryAfter > delay {
			delay = postErr.RetryAfter
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Failed to post to remote, retrying")
		b.metrics.postRetries.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
	}

	b.metrics.dropped.WithLabelValues(dropPostFailed).Inc()
	log.Error().Err(err).Int("attempts", attempts).Msg("Failed to post to remote, dropping message")
	return err
}
