// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultInboxSize      = 1024
)

var (
	errPoolClosed           = errors.New("pool closed")
	errReservationWithdrawn = errors.New("session was removed while connecting")
)

// SessionState is the lifecycle state of a pooled IRC session. An absent
// identity simply has no session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateJoined
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// VirtualSession is one IRC connection owned by the pool. Only the pool
// touches it, under its lock.
type VirtualSession struct {
	ID           uuid.UUID
	Identity     string
	State        SessionState
	CreatedAt    time.Time
	LastActivity time.Time

	conn     Conn
	gen      uint64
	welcomed bool
}

// SessionInfo is a point-in-time copy of a VirtualSession.
type SessionInfo struct {
	ID           string    `json:"id"`
	Identity     string    `json:"identity"`
	Nick         string    `json:"nick,omitempty"`
	State        string    `json:"state"`
	Primary      bool      `json:"primary"`
	Queued       int       `json:"queued"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// PoolConfig holds the pool's tunables.
type PoolConfig struct {
	Channel           string
	PrimaryNick       string
	MaxFragmentLength int
	MaxFragmentBytes  int
	QueueCapacity     int
	ConnectTimeout    time.Duration
	InboxSize         int
	VersionReply      string
}

// InboundHandler receives the channel traffic the pool observes.
type InboundHandler interface {
	OnInboundPublicMessage(identity, content string, isAction bool)
}

type inboxItem struct {
	identity string
	gen      uint64
	evt      Event
}

// Pool owns every IRC session of the bridge: the primary relay session and
// one virtual session per remote user. All state is guarded by mu; network
// calls are never made while holding it except the non-blocking Conn
// methods.
type Pool struct {
	cfg     PoolConfig
	dialer  Dialer
	clock   clock.Clock
	log     zerolog.Logger
	metrics *Metrics
	handler InboundHandler

	inbox     chan inboxItem
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu           sync.Mutex
	runCtx       context.Context
	sessions     map[string]*VirtualSession
	queues       *outboundQueues
	activity     map[string]time.Time
	nextGen      uint64
	closed       bool
	primaryState SupervisorState
	supervising  bool
	// primaryAttempts counts reconnect attempts across supervisor runs
	// until the primary session stays joined for StableConnectionPeriod.
	primaryAttempts int
	primaryJoinedAt time.Time
}

// NewPool creates a pool. SetHandler must be called before Run.
func NewPool(cfg PoolConfig, dialer Dialer, clk clock.Clock, metrics *Metrics, log zerolog.Logger) *Pool {
	if cfg.MaxFragmentLength <= 0 {
		cfg.MaxFragmentLength = DefaultMaxFragmentLength
	}
	if cfg.MaxFragmentBytes <= 0 {
		cfg.MaxFragmentBytes = DefaultMaxFragmentBytes
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Pool{
		cfg:          cfg,
		dialer:       dialer,
		clock:        clk,
		log:          log.With().Str("component", "irc_pool").Logger(),
		metrics:      metrics,
		inbox:        make(chan inboxItem, cfg.InboxSize),
		done:         make(chan struct{}),
		sessions:     make(map[string]*VirtualSession),
		queues:       newOutboundQueues(cfg.QueueCapacity),
		activity:     make(map[string]time.Time),
		primaryState: SupervisorDisconnected,
	}
}

// SetHandler installs the receiver of public channel traffic.
func (p *Pool) SetHandler(h InboundHandler) {
	p.handler = h
}

// Run is the IRC loop: it dispatches events from every connection and
// tasks submitted by other goroutines, one at a time, until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	p.log.Info().Str("channel", p.cfg.Channel).Msg("IRC loop started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("IRC loop stopped")
			return nil
		case <-p.done:
			return nil
		case item := <-p.inbox:
			p.dispatch(item)
		}
	}
}

// Submit hands a message for identity to the IRC loop. It is safe to call
// from any goroutine and never blocks.
func (p *Pool) Submit(identity, text string) error {
	select {
	case <-p.done:
		return errPoolClosed
	default:
	}
	select {
	case p.inbox <- inboxItem{identity: identity, evt: deliverTask{Text: text}}:
		return nil
	default:
		p.metrics.dropped.WithLabelValues(dropInboxFull).Inc()
		return ErrInboxFull
	}
}

// sinkFor scopes a connection's events to the identity and reservation
// that created it, so events from a replaced connection are discarded.
func (p *Pool) sinkFor(identity string, gen uint64) func(Event) {
	return func(evt Event) {
		select {
		case p.inbox <- inboxItem{identity: identity, gen: gen, evt: evt}:
		case <-p.done:
		}
	}
}

func (p *Pool) dispatch(item inboxItem) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Str("identity", item.identity).
				Str("event_type", fmt.Sprintf("%T", item.evt)).
				Msg("IRC event handler panicked")
		}
	}()

	if task, ok := item.evt.(deliverTask); ok {
		p.deliver(item.identity, task.Text)
		return
	}
	if !p.isCurrent(item.identity, item.gen) {
		p.log.Trace().
			Str("identity", item.identity).
			Str("event_type", fmt.Sprintf("%T", item.evt)).
			Msg("Dropping event from stale connection")
		return
	}

	switch evt := item.evt.(type) {
	case WelcomeEvent:
		p.OnWelcome(item.identity)
	case DisconnectEvent:
		p.OnDisconnect(item.identity, evt.Err)
	case JoinEvent:
		p.Touch(evt.Nick)
		if p.sameChannel(evt.Channel) && p.isOwnNick(item.identity, evt.Nick) {
			p.OnJoin(item.identity)
		}
	case MessageEvent:
		if p.sameChannel(evt.Channel) && p.handler != nil {
			p.handler.OnInboundPublicMessage(evt.Nick, evt.Text, false)
		}
	case ActionEvent:
		if p.sameChannel(evt.Channel) && p.handler != nil {
			p.handler.OnInboundPublicMessage(evt.Nick, evt.Text, true)
		}
	case CTCPEvent:
		p.handleCTCP(item.identity, evt)
	default:
		p.log.Warn().Str("event_type", fmt.Sprintf("%T", evt)).Msg("Unhandled IRC event type")
	}
}

func (p *Pool) isCurrent(identity string, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[identity]
	return ok && sess.gen == gen
}

func (p *Pool) sameChannel(channel string) bool {
	return strings.EqualFold(channel, p.cfg.Channel)
}

func (p *Pool) isOwnNick(identity, nick string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[identity]
	if !ok || sess.conn == nil {
		return false
	}
	return strings.EqualFold(sess.conn.Nick(), nick)
}

// GetOrCreate returns the session for identity, connecting it if needed.
// The lock is only held to reserve and to finalise the session; the dial
// itself runs unlocked so one slow connect cannot stall other identities.
func (p *Pool) GetOrCreate(ctx context.Context, identity string) (SessionInfo, error) {
	gen, info, err := p.reserve(identity)
	if err != nil || gen == 0 {
		return info, err
	}
	return p.complete(ctx, identity, gen)
}

// reserve inserts a placeholder for identity. gen is 0 when a usable
// session already exists.
func (p *Pool) reserve(identity string) (uint64, SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, SessionInfo{}, &ConnectError{Identity: identity, Err: errPoolClosed}
	}
	if sess, ok := p.sessions[identity]; ok {
		if sess.conn == nil {
			return 0, SessionInfo{}, &ConnectError{Identity: identity, Err: ErrConnectPending}
		}
		return 0, p.infoLocked(sess), nil
	}
	p.nextGen++
	sess := &VirtualSession{
		ID:        uuid.New(),
		Identity:  identity,
		State:     StateConnecting,
		CreatedAt: p.clock.Now(),
		gen:       p.nextGen,
	}
	p.sessions[identity] = sess
	// A reservation counts as activity so a sweep during the dial keeps it.
	p.touchLocked(identity, sess.CreatedAt)
	p.updateGaugesLocked()
	return sess.gen, SessionInfo{}, nil
}

func (p *Pool) complete(ctx context.Context, identity string, gen uint64) (SessionInfo, error) {
	log := p.log.With().Str("identity", identity).Logger()
	log.Debug().Msg("Connecting IRC session")

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	conn, err := p.dialer.Dial(dialCtx, identity, p.sinkFor(identity, gen))
	cancel()

	p.mu.Lock()
	sess, ok := p.sessions[identity]
	current := ok && sess.gen == gen
	if err != nil {
		if current {
			delete(p.sessions, identity)
			p.updateGaugesLocked()
		}
		p.mu.Unlock()
		log.Error().Err(err).Msg("Failed to connect to IRC")
		return SessionInfo{}, &ConnectError{Identity: identity, Err: err}
	}
	if !current || p.closed {
		p.mu.Unlock()
		log.Debug().Msg("Reservation withdrawn while connecting, closing connection")
		_ = conn.Disconnect("Session no longer needed")
		return SessionInfo{}, &ConnectError{Identity: identity, Err: errReservationWithdrawn}
	}
	sess.conn = conn
	sess.State = StateConnected
	p.touchLocked(identity, p.clock.Now())
	if identity == p.cfg.PrimaryNick {
		p.primaryState = SupervisorConnected
	}
	if sess.welcomed {
		if err := conn.Join(p.cfg.Channel); err != nil {
			log.Warn().Err(err).Msg("Failed to join channel")
		}
	}
	info := p.infoLocked(sess)
	p.mu.Unlock()

	log.Info().Str("session_id", sess.ID.String()).Msg("IRC session connected")
	return info, nil
}

// connectAsync reserves identity and dials it in the background. It is a
// no-op when a session or reservation already exists.
func (p *Pool) connectAsync(identity string) {
	gen, _, err := p.reserve(identity)
	if err != nil || gen == 0 {
		return
	}
	p.mu.Lock()
	ctx := p.baseCtxLocked()
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		// Failures keep the fragments queued; the next delivery retries.
		_, _ = p.complete(ctx, identity, gen)
	}()
}

func (p *Pool) baseCtxLocked() context.Context {
	if p.runCtx != nil {
		return p.runCtx
	}
	return context.Background()
}

// deliver runs on the IRC loop for text submitted by the remote side.
func (p *Pool) deliver(identity, text string) {
	p.mu.Lock()
	_, exists := p.sessions[identity]
	p.mu.Unlock()
	if !exists {
		p.connectAsync(identity)
	}
	p.Send(identity, text)
}

// OnWelcome joins the shared channel once registration completes.
func (p *Pool) OnWelcome(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[identity]
	if !ok {
		return
	}
	if sess.conn == nil {
		// Registration beat the dial's return; complete() joins.
		sess.welcomed = true
		return
	}
	if err := sess.conn.Join(p.cfg.Channel); err != nil {
		p.log.Warn().Err(err).Str("identity", identity).Msg("Failed to join channel")
	}
}

// OnJoin opens the join gate for identity and flushes its queue in order.
// Sends racing the join either queued before this point and are flushed
// here, or run after it and pass the open gate.
func (p *Pool) OnJoin(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[identity]
	if !ok || sess.conn == nil {
		return
	}
	sess.State = StateJoined
	if identity == p.cfg.PrimaryNick {
		p.primaryJoinedAt = p.clock.Now()
	}
	queued := p.queues.take(identity)
	p.sendLocked(identity, queued, true)
	p.updateGaugesLocked()
	p.log.Debug().
		Str("identity", identity).
		Int("flushed", len(queued)).
		Msg("Session joined channel")
}

// OnDisconnect drops the session. The primary session is handed to the
// reconnect supervisor; virtual sessions are recreated lazily.
func (p *Pool) OnDisconnect(identity string, cause error) {
	p.mu.Lock()
	delete(p.sessions, identity)
	p.updateGaugesLocked()
	isPrimary := identity == p.cfg.PrimaryNick
	if isPrimary {
		p.primaryState = SupervisorDisconnected
		if !p.primaryJoinedAt.IsZero() && p.clock.Since(p.primaryJoinedAt) >= StableConnectionPeriod {
			p.primaryAttempts = 0
		}
		p.primaryJoinedAt = time.Time{}
	}
	closed := p.closed
	p.mu.Unlock()

	if isPrimary {
		p.log.Warn().Err(cause).Msg("Primary IRC session disconnected")
		if !closed {
			p.startSupervisor()
		}
		return
	}
	p.log.Info().Err(cause).Str("identity", identity).Msg("Virtual IRC session disconnected")
}

// Send splits text into fragments and transmits them if identity's session
// has joined, queueing them otherwise.
func (p *Pool) Send(identity, text string) {
	fragments := SplitFragmentsWithin(text, p.cfg.MaxFragmentLength, p.cfg.MaxFragmentBytes)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendLocked(identity, fragments, false)
	p.updateGaugesLocked()
}

// sendLocked transmits fragments when the join gate is open, or when force
// is set and a connection exists.
func (p *Pool) sendLocked(identity string, fragments []string, force bool) {
	sess := p.sessions[identity]
	if sess != nil && sess.conn != nil && (sess.State == StateJoined || force) {
		p.transmitLocked(sess, fragments)
		return
	}
	for _, fragment := range fragments {
		p.enqueueLocked(identity, fragment)
	}
}

func (p *Pool) transmitLocked(sess *VirtualSession, fragments []string) {
	for _, fragment := range fragments {
		if err := sess.conn.Post(p.cfg.Channel, fragment); err != nil {
			p.metrics.dropped.WithLabelValues(dropSendFailed).Inc()
			p.log.Warn().Err(err).Str("identity", sess.Identity).Msg("Failed to send fragment to IRC")
			continue
		}
		p.metrics.relayed.WithLabelValues(directionToIRC).Inc()
	}
}

// Enqueue appends fragment to identity's queue. It returns false when the
// queue is full and the fragment was dropped.
func (p *Pool) Enqueue(identity, fragment string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := p.enqueueLocked(identity, fragment)
	p.updateGaugesLocked()
	return ok
}

func (p *Pool) enqueueLocked(identity, fragment string) bool {
	if p.queues.push(identity, fragment) {
		return true
	}
	p.metrics.dropped.WithLabelValues(dropQueueFull).Inc()
	p.log.Warn().
		Str("identity", identity).
		Int("capacity", p.queues.capacity).
		Int("fragment_length", len(fragment)).
		Msg("Outbound queue full, dropping fragment")
	return false
}

// Touch records inbound activity for the IRC user nick. Only nicks that
// belong to a pooled session are tracked.
func (p *Pool) Touch(nick string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked(nick, p.clock.Now())
}

func (p *Pool) touchLocked(nick string, now time.Time) {
	identity := p.identityForNickLocked(nick)
	if identity == p.cfg.PrimaryNick {
		return
	}
	sess, ok := p.sessions[identity]
	if !ok {
		return
	}
	p.activity[identity] = now
	sess.LastActivity = now
}

// identityForNickLocked maps a nick seen on IRC to the identity whose
// session uses it; servers may have altered the nick on collision.
func (p *Pool) identityForNickLocked(nick string) string {
	if _, ok := p.sessions[nick]; ok {
		return nick
	}
	for identity, sess := range p.sessions {
		if sess.conn != nil && strings.EqualFold(sess.conn.Nick(), nick) {
			return identity
		}
	}
	return nick
}

// Disconnect removes identity's session and activity entry and quits.
func (p *Pool) Disconnect(identity, reason string) error {
	p.mu.Lock()
	conn := p.removeLocked(identity, false)
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Disconnect(reason); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", identity, err)
	}
	return nil
}

// DisconnectAll disconnects every session except the primary one.
func (p *Pool) DisconnectAll(reason string) error {
	p.mu.Lock()
	conns := make(map[string]Conn)
	for identity := range p.sessions {
		if identity == p.cfg.PrimaryNick {
			continue
		}
		if conn := p.removeLocked(identity, false); conn != nil {
			conns[identity] = conn
		}
	}
	p.mu.Unlock()
	return p.disconnectConns(conns, reason)
}

// Close stops the pool: no new events or sessions are accepted, virtual
// sessions quit first, then the primary session.
func (p *Pool) Close(reason string) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.done) })

	err := p.DisconnectAll(reason)
	err = multierr.Append(err, p.Disconnect(p.cfg.PrimaryNick, reason))
	p.wg.Wait()
	return err
}

func (p *Pool) disconnectConns(conns map[string]Conn, reason string) error {
	var err error
	for identity, conn := range conns {
		if dErr := conn.Disconnect(reason); dErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to disconnect %s: %w", identity, dErr))
		}
	}
	return err
}

// removeLocked forgets identity and returns its connection, if any.
func (p *Pool) removeLocked(identity string, purgeQueue bool) Conn {
	sess := p.sessions[identity]
	delete(p.sessions, identity)
	delete(p.activity, identity)
	if purgeQueue {
		p.queues.take(identity)
	}
	p.updateGaugesLocked()
	if sess == nil {
		return nil
	}
	return sess.conn
}

// ReapIdle disconnects every non-primary identity idle for longer than
// timeout and returns the identities whose sessions were closed.
func (p *Pool) ReapIdle(now time.Time, timeout time.Duration) []string {
	p.mu.Lock()
	conns := make(map[string]Conn)
	var reaped []string
	for identity, last := range p.activity {
		if identity == p.cfg.PrimaryNick || now.Sub(last) <= timeout {
			continue
		}
		if sess, ok := p.sessions[identity]; ok && sess.State == StateConnecting {
			continue
		}
		_, hadSession := p.sessions[identity]
		dropped := p.queues.len(identity)
		if conn := p.removeLocked(identity, true); conn != nil {
			conns[identity] = conn
		}
		if dropped > 0 {
			p.metrics.dropped.WithLabelValues(dropIdleExpired).Add(float64(dropped))
		}
		if hadSession {
			reaped = append(reaped, identity)
		}
	}
	p.mu.Unlock()

	if err := p.disconnectConns(conns, "Inactivity timeout"); err != nil {
		p.log.Warn().Err(err).Msg("Failed to disconnect idle sessions")
	}
	sort.Strings(reaped)
	return reaped
}

// Sessions returns a snapshot of all sessions sorted by identity.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, sess := range p.sessions {
		infos = append(infos, p.infoLocked(sess))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	return infos
}

// QueueLen returns the number of fragments waiting for identity.
func (p *Pool) QueueLen(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queues.len(identity)
}

// LastActivity returns identity's last recorded activity.
func (p *Pool) LastActivity(identity string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.activity[identity]
	return ts, ok
}

func (p *Pool) infoLocked(sess *VirtualSession) SessionInfo {
	info := SessionInfo{
		ID:           sess.ID.String(),
		Identity:     sess.Identity,
		State:        sess.State.String(),
		Primary:      sess.Identity == p.cfg.PrimaryNick,
		Queued:       p.queues.len(sess.Identity),
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
	}
	if sess.conn != nil {
		info.Nick = sess.conn.Nick()
	}
	return info
}

func (p *Pool) updateGaugesLocked() {
	p.metrics.sessions.Set(float64(len(p.sessions)))
	p.metrics.queued.Set(float64(p.queues.total()))
}

func (p *Pool) handleCTCP(identity string, evt CTCPEvent) {
	// Channel-wide CTCP reaches every session; only the primary answers it.
	if strings.HasPrefix(evt.Target, "#") && identity != p.cfg.PrimaryNick {
		return
	}
	var reply string
	switch strings.ToUpper(evt.Command) {
	case "VERSION":
		reply = "VERSION " + p.cfg.VersionReply
	case "PING":
		reply = strings.TrimSpace("PING " + evt.Args)
	default:
		p.log.Trace().Str("command", evt.Command).Str("nick", evt.Nick).Msg("Ignoring CTCP request")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[identity]
	if !ok || sess.conn == nil {
		return
	}
	if err := sess.conn.CTCPReply(evt.Nick, reply); err != nil {
		p.log.Warn().Err(err).Str("nick", evt.Nick).Msg("Failed to send CTCP reply")
	}
}
