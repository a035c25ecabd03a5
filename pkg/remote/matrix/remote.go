// Copyright 2024-2026 Aiku AI

// Package matrix connects the relay to a Matrix room.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/irc-relay/pkg/relay"
)

var _ relay.Remote = (*Remote)(nil)

// Remote syncs one Matrix room and posts into it as the relay account.
// Matrix has no per-message sender override, so IRC users are named in
// the message body.
type Remote struct {
	cfg    relay.MatrixConfig
	client *mautrix.Client
	roomID id.RoomID
	clock  clock.Clock
	log    zerolog.Logger
}

// New creates a Matrix remote. Nothing is contacted until Run.
func New(cfg relay.MatrixConfig, log zerolog.Logger) (*Remote, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	client.Log = log
	// The relay retries posts itself and honours retry_after_ms there.
	client.DefaultHTTPRetries = 0
	return &Remote{
		cfg:    cfg,
		client: client,
		roomID: id.RoomID(cfg.RoomID),
		clock:  clock.New(),
		log:    log,
	}, nil
}

// Run syncs until ctx is done. Only rejected credentials are fatal; sync
// failures are retried with backoff.
func (r *Remote) Run(ctx context.Context, sink func(relay.RemoteEvent)) error {
	whoami, err := r.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Matrix session: %w", err)
	}
	r.log.Info().Str("user_id", whoami.UserID.String()).Msg("Authenticated")

	syncer, ok := r.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", r.client.Syncer)
	}
	ready := false
	syncer.OnSync(r.client.DontProcessOldEvents)
	syncer.OnSync(func(_ context.Context, _ *mautrix.RespSync, _ string) bool {
		if !ready {
			ready = true
			sink(relay.RemoteReady{})
		}
		return true
	})
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		if msg, ok := r.convertEvent(evt); ok {
			sink(msg)
		}
	})

	var backoff relay.Backoff
	for {
		started := r.clock.Now()
		err := r.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, mautrix.MUnknownToken) {
			return fmt.Errorf("matrix sync failed: %w", err)
		}
		ready = false
		delay := backoff.Next(r.clock.Since(started))
		r.log.Warn().Err(err).Dur("retry_in", delay).Msg("Matrix sync stopped, restarting")
		sink(relay.RemoteDisconnected{Err: err})

		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(delay):
		}
	}
}

// convertEvent turns a room message into a relay message. Only text-like
// messages are relayed.
func (r *Remote) convertEvent(evt *event.Event) (relay.RemoteMessage, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return relay.RemoteMessage{}, false
	}
	body := content.Body
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
	case event.MsgEmote:
		body = "*" + body + "*"
	default:
		return relay.RemoteMessage{}, false
	}

	author, _, err := evt.Sender.Parse()
	if err != nil || author == "" {
		author = evt.Sender.String()
	}
	return relay.RemoteMessage{
		AuthorID:   evt.Sender.String(),
		AuthorName: author,
		ChannelID:  evt.RoomID.String(),
		Content:    body,
		FromSelf:   evt.Sender == r.client.UserID,
	}, true
}

// Post sends content to the room prefixed with displayName.
func (r *Remote) Post(ctx context.Context, displayName, content string) error {
	msg := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          displayName + ": " + content,
		Format:        event.FormatHTML,
		FormattedBody: "<strong>" + html.EscapeString(displayName) + "</strong>: " + html.EscapeString(content),
	}
	_, err := r.client.SendMessageEvent(ctx, r.roomID, event.EventMessage, msg)
	if err == nil {
		return nil
	}

	postErr := &relay.PostError{Err: fmt.Errorf("failed to send message: %w", err)}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Response != nil {
			postErr.StatusCode = httpErr.Response.StatusCode
		}
		if httpErr.RespError != nil {
			if ms, ok := httpErr.RespError.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
				postErr.RetryAfter = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if errors.Is(err, mautrix.MLimitExceeded) {
		postErr.Err = fmt.Errorf("%w: %w", relay.ErrRateLimited, err)
	}
	return postErr
}
