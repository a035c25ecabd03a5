// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost connects the relay to a Mattermost channel.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/irc-relay/pkg/relay"
)

var _ relay.Remote = (*Remote)(nil)

// Remote listens on the Mattermost WebSocket and posts through the REST API
// or an incoming webhook.
type Remote struct {
	cfg        relay.MattermostConfig
	client     *model.Client4
	httpClient *http.Client
	clock      clock.Clock
	log        zerolog.Logger

	userID string
}

// New creates a Mattermost remote. Nothing is contacted until Run.
func New(cfg relay.MattermostConfig, log zerolog.Logger) *Remote {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &Remote{
		cfg:        cfg,
		client:     client,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      clock.New(),
		log:        log.With().Str("component", "mattermost").Logger(),
	}
}

// Run authenticates, then keeps a WebSocket connection open and delivers
// posted messages to sink until ctx is done. Only an invalid token is
// fatal; WebSocket failures are retried with backoff.
func (r *Remote) Run(ctx context.Context, sink func(relay.RemoteEvent)) error {
	me, _, err := r.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	r.userID = me.Id
	r.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	var backoff relay.Backoff
	for {
		started := r.clock.Now()
		err := r.connectAndListen(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		delay := backoff.Next(r.clock.Since(started))
		r.log.Warn().Err(err).Dur("retry_in", delay).Msg("WebSocket disconnected, reconnecting")
		sink(relay.RemoteDisconnected{Err: err})

		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(delay):
		}
	}
}

func (r *Remote) connectAndListen(ctx context.Context, sink func(relay.RemoteEvent)) error {
	wsURL := httpToWS(r.cfg.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, r.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	defer ws.Close()

	r.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	sink(relay.RemoteReady{})

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ws.EventChannel:
			if !ok {
				if ws.ListenError != nil {
					return ws.ListenError
				}
				return errors.New("websocket event channel closed")
			}
			if evt == nil {
				continue
			}
			r.handleEvent(evt, sink)
		}
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (r *Remote) handleEvent(evt *model.WebSocketEvent, sink func(relay.RemoteEvent)) {
	if evt.EventType() != model.WebsocketEventPosted {
		r.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return
	}
	msg, err := r.parsePostedEvent(evt)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if msg == nil {
		return
	}
	sink(*msg)
}

// parsePostedEvent turns a posted event into a relay message. Returns
// (nil, nil) for posts that are never relayed, such as system messages.
func (r *Remote) parsePostedEvent(evt *model.WebSocketEvent) (*relay.RemoteMessage, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Skip non-default post types (joins, header changes and the like).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	msg := &relay.RemoteMessage{
		AuthorID:  post.UserId,
		ChannelID: post.ChannelId,
		Content:   post.Message,
		FromSelf:  r.userID != "" && post.UserId == r.userID,
	}
	// Webhook and bot posts carry the name they were posted under; that is
	// what carries the IRC marker for our own posts.
	if override, ok := post.GetProp("override_username").(string); ok && override != "" {
		msg.AuthorName = override
	} else {
		senderName, _ := evt.GetData()["sender_name"].(string)
		msg.AuthorName = strings.TrimPrefix(senderName, "@")
	}
	return msg, nil
}

// Post publishes content to the bridged channel under displayName.
func (r *Remote) Post(ctx context.Context, displayName, content string) error {
	if r.cfg.WebhookURL != "" {
		return r.postWebhook(ctx, displayName, content)
	}

	post := &model.Post{
		ChannelId: r.cfg.ChannelID,
		Message:   content,
	}
	post.AddProp("override_username", displayName)
	post.AddProp("from_webhook", "true")

	_, resp, err := r.client.CreatePost(ctx, post)
	if err != nil {
		postErr := &relay.PostError{Err: fmt.Errorf("failed to create post: %w", err)}
		if resp != nil {
			postErr.StatusCode = resp.StatusCode
			if resp.StatusCode == http.StatusTooManyRequests {
				postErr.Err = fmt.Errorf("%w: %w", relay.ErrRateLimited, err)
				postErr.RetryAfter = retryAfter(resp.Header)
			}
		}
		return postErr
	}
	return nil
}

func (r *Remote) postWebhook(ctx context.Context, displayName, content string) error {
	body, err := json.Marshal(&model.IncomingWebhookRequest{
		Text:     content,
		Username: displayName,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &relay.PostError{Err: fmt.Errorf("failed to call webhook: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &relay.PostError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header),
			Err:        relay.ErrRateLimited,
		}
	case resp.StatusCode >= 300:
		return &relay.PostError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("webhook returned %s", resp.Status),
		}
	}
	return nil
}

// retryAfter reads the delay Mattermost asks for, in seconds, from either
// the standard header or its own rate limit headers.
func retryAfter(header http.Header) time.Duration {
	for _, key := range []string{"Retry-After", "X-Ratelimit-Reset"} {
		if secs, err := strconv.Atoi(header.Get(key)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
