// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Event is an IRC protocol event delivered by a Conn. The concrete types
// below are the only variants; Pool.dispatch switches over them.
type Event interface {
	isEvent()
}

// WelcomeEvent is RPL_WELCOME: registration finished.
type WelcomeEvent struct{}

// DisconnectEvent is emitted once when the connection ends for any reason.
type DisconnectEvent struct {
	Err error
}

// MessageEvent is a PRIVMSG that is not CTCP.
type MessageEvent struct {
	Nick    string
	Channel string
	Text    string
}

// ActionEvent is a CTCP ACTION (/me).
type ActionEvent struct {
	Nick    string
	Channel string
	Text    string
}

// JoinEvent is a JOIN by any user, including the connection itself.
type JoinEvent struct {
	Nick    string
	Channel string
}

// CTCPEvent is any CTCP request other than ACTION. Target is the channel
// or nick the request was addressed to.
type CTCPEvent struct {
	Nick    string
	Target  string
	Command string
	Args    string
}

// deliverTask is submitted by the remote loop and executed on the IRC loop.
type deliverTask struct {
	Text string
}

func (WelcomeEvent) isEvent()    {}
func (DisconnectEvent) isEvent() {}
func (MessageEvent) isEvent()    {}
func (ActionEvent) isEvent()     {}
func (JoinEvent) isEvent()       {}
func (CTCPEvent) isEvent()       {}
func (deliverTask) isEvent()     {}

// Dialer opens IRC connections under a given nickname. Every event of the
// new connection must be passed to sink, in order, from a goroutine other
// than the caller of Dial.
type Dialer interface {
	Dial(ctx context.Context, nick string, sink func(Event)) (Conn, error)
}

// Conn is a live IRC connection. Implementations must not block on the
// network in any method: the pool calls them while holding its lock.
type Conn interface {
	Nick() string
	Join(channel string) error
	Post(channel, text string) error
	CTCPReply(nick, text string) error
	Disconnect(reason string) error
}

// ErrConnectPending is returned by GetOrCreate while another goroutine is
// already connecting the same identity.
var ErrConnectPending = errors.New("connection already in progress")

// ErrInboxFull is returned when a cross-loop submission cannot be queued.
var ErrInboxFull = errors.New("inbox full")

// ConnectError wraps a failed outbound IRC connection.
type ConnectError struct {
	Identity string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect %s: %v", e.Identity, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RemoteEvent is an event from the remote network.
type RemoteEvent interface {
	isRemoteEvent()
}

// RemoteReady is emitted when the remote session is usable.
type RemoteReady struct{}

// RemoteDisconnected is emitted when the remote session drops.
type RemoteDisconnected struct {
	Err error
}

// RemoteMessage is a message posted on the remote network.
type RemoteMessage struct {
	AuthorID   string
	AuthorName string
	ChannelID  string
	Content    string
	// FromSelf is set when the backend recognises the bridge's own account.
	FromSelf bool
}

func (RemoteReady) isRemoteEvent()        {}
func (RemoteDisconnected) isRemoteEvent() {}
func (RemoteMessage) isRemoteEvent()      {}

// Remote is the other network's collaborator.
type Remote interface {
	// Run delivers inbound events to sink until ctx is done.
	Run(ctx context.Context, sink func(RemoteEvent)) error
	// Post publishes content to the bridged channel, shown as displayName.
	Post(ctx context.Context, displayName, content string) error
}

// ErrRateLimited is wrapped by Remote.Post when the backend throttled the request.
var ErrRateLimited = errors.New("rate limited")

// PostError describes a failed Remote.Post.
type PostError struct {
	// StatusCode is the HTTP status, or 0 for network failures.
	StatusCode int
	// RetryAfter is the backend's requested delay, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *PostError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("post failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("post failed: %v", e.Err)
}

func (e *PostError) Unwrap() error { return e.Err }
