// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// fakeConn records everything the pool asks of a connection.
type fakeConn struct {
	mu         sync.Mutex
	nick       string
	joins      []string
	posts      []string
	ctcp       []string
	quitReason string
	closed     bool
	postErr    error
}

func (c *fakeConn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

func (c *fakeConn) SetNick(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
}

func (c *fakeConn) Join(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, channel)
	return nil
}

func (c *fakeConn) Post(_, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.postErr != nil {
		return c.postErr
	}
	c.posts = append(c.posts, text)
	return nil
}

func (c *fakeConn) CTCPReply(nick, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctcp = append(c.ctcp, nick+" "+text)
	return nil
}

func (c *fakeConn) Disconnect(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.quitReason = reason
	return nil
}

func (c *fakeConn) Joins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joins...)
}

func (c *fakeConn) Posts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.posts...)
}

func (c *fakeConn) CTCPReplies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ctcp...)
}

func (c *fakeConn) Closed() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.quitReason
}

// fakeDialer hands out fakeConns and keeps each connection's event sink so
// tests can play the server's part.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	sinks map[string]func(Event)
	dials map[string]int
	// fail makes dials of a nick fail until cleared.
	fail map[string]error
	// gate, when set, blocks every dial until it is closed. entered
	// receives the nick of each blocked dial.
	gate    chan struct{}
	entered chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		conns: make(map[string]*fakeConn),
		sinks: make(map[string]func(Event)),
		dials: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, nick string, sink func(Event)) (Conn, error) {
	d.mu.Lock()
	d.dials[nick]++
	gate, entered := d.gate, d.entered
	err := d.fail[nick]
	d.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- nick
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := &fakeConn{nick: nick}
	d.mu.Lock()
	d.conns[nick] = conn
	d.sinks[nick] = sink
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) Fail(nick string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, nick)
		return
	}
	d.fail[nick] = err
}

func (d *fakeDialer) Conn(nick string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[nick]
}

func (d *fakeDialer) Sink(nick string) func(Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sinks[nick]
}

func (d *fakeDialer) Dials(nick string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[nick]
}

// fakeRemote records posts and fails them according to a script.
type fakeRemote struct {
	mu     sync.Mutex
	posts  []fakePost
	errs   []error
	events []RemoteEvent
}

type fakePost struct {
	DisplayName string
	Content     string
}

func (r *fakeRemote) Run(ctx context.Context, sink func(RemoteEvent)) error {
	r.mu.Lock()
	events := r.events
	r.mu.Unlock()
	sink(RemoteReady{})
	for _, evt := range events {
		sink(evt)
	}
	<-ctx.Done()
	return nil
}

func (r *fakeRemote) Post(_ context.Context, displayName, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, fakePost{DisplayName: displayName, Content: content})
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	return nil
}

// FailNext makes the next len(errs) posts fail with errs, in order.
func (r *fakeRemote) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, errs...)
}

func (r *fakeRemote) Posts() []fakePost {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fakePost(nil), r.posts...)
}

// recordingHandler collects what the pool reports from the channel.
type recordingHandler struct {
	mu       sync.Mutex
	messages []inboundMessage
}

type inboundMessage struct {
	Identity string
	Content  string
	IsAction bool
}

func (h *recordingHandler) OnInboundPublicMessage(identity, content string, isAction bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, inboundMessage{identity, content, isAction})
}

func (h *recordingHandler) Messages() []inboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]inboundMessage(nil), h.messages...)
}

var errDialRefused = errors.New("connection refused")

const (
	testChannel = "#chan"
	testPrimary = "RelayBot"
)

func newTestPool(t *testing.T, cfg PoolConfig, clk clock.Clock) (*Pool, *fakeDialer) {
	t.Helper()
	if cfg.Channel == "" {
		cfg.Channel = testChannel
	}
	if cfg.PrimaryNick == "" {
		cfg.PrimaryNick = testPrimary
	}
	if cfg.VersionReply == "" {
		cfg.VersionReply = "irc-relay"
	}
	dialer := newFakeDialer()
	p := NewPool(cfg, dialer, clk, NewMetrics(), zerolog.Nop())
	t.Cleanup(func() { _ = p.Close("test finished") })
	return p, dialer
}

// connect creates a session for identity and fails the test on error.
func connect(t *testing.T, p *Pool, identity string) SessionInfo {
	t.Helper()
	info, err := p.GetOrCreate(context.Background(), identity)
	if err != nil {
		t.Fatalf("GetOrCreate(%q): %v", identity, err)
	}
	return info
}

// drain dispatches everything waiting in the pool's inbox, standing in
// for the IRC loop.
func drain(p *Pool) {
	for {
		select {
		case item := <-p.inbox:
			p.dispatch(item)
		default:
			return
		}
	}
}

// joinChannel plays the server confirming identity's JOIN.
func joinChannel(t *testing.T, p *Pool, d *fakeDialer, identity string) {
	t.Helper()
	sink := d.Sink(identity)
	if sink == nil {
		t.Fatalf("no connection for %q", identity)
	}
	sink(JoinEvent{Nick: d.Conn(identity).Nick(), Channel: testChannel})
	drain(p)
}

// waitFor polls cond until it holds, calling tick between polls. tick is
// where tests advance a mock clock.
func waitFor(t *testing.T, what string, cond func() bool, tick func()) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		if tick != nil {
			tick()
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sessionState(p *Pool, identity string) string {
	for _, info := range p.Sessions() {
		if info.Identity == identity {
			return info.State
		}
	}
	return ""
}
