// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ircconn connects relay sessions to an IRC server.
package ircconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"

	"github.com/aiku/irc-relay/pkg/relay"
)

const (
	defaultWriteBuffer  = 512
	defaultSendInterval = 500 * time.Millisecond
	defaultSendBurst    = 4
	quitGracePeriod     = 2 * time.Second
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")

	lineBreakReplacer = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")
)

var (
	_ relay.Dialer = (*Dialer)(nil)
	_ relay.Conn   = (*Conn)(nil)
)

// Config describes the IRC server all sessions connect to.
type Config struct {
	Server             string
	Port               int
	TLS                bool
	InsecureSkipVerify bool
	// Username and Realname default to the session nick.
	Username     string
	Realname     string
	Password     string
	SendInterval time.Duration
	SendBurst    int
	WriteBuffer  int
}

// ConfigFrom maps the relay's IRC settings.
func ConfigFrom(cfg relay.IRCConfig) Config {
	return Config{
		Server:             cfg.Server,
		Port:               cfg.Port,
		TLS:                cfg.TLS,
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		Username:           cfg.Username,
		Realname:           cfg.Realname,
		Password:           cfg.Password,
		SendInterval:       time.Duration(cfg.SendIntervalMS) * time.Millisecond,
		SendBurst:          cfg.SendBurst,
	}
}

// Dialer opens one IRC connection per relay session.
type Dialer struct {
	cfg       Config
	log       zerolog.Logger
	netDialer *net.Dialer
}

func NewDialer(cfg Config, log zerolog.Logger) *Dialer {
	return &Dialer{
		cfg:       cfg,
		log:       log.With().Str("component", "irc").Logger(),
		netDialer: &net.Dialer{KeepAlive: 30 * time.Second},
	}
}

// Dial opens the TCP (or TLS) connection and starts registration in the
// background. Registration completes with a relay.WelcomeEvent.
func (d *Dialer) Dial(ctx context.Context, nick string, sink func(relay.Event)) (relay.Conn, error) {
	addr := net.JoinHostPort(d.cfg.Server, strconv.Itoa(d.cfg.Port))
	var (
		netConn net.Conn
		err     error
	)
	if d.cfg.TLS {
		tlsDialer := &tls.Dialer{
			NetDialer: d.netDialer,
			Config: &tls.Config{
				ServerName:         d.cfg.Server,
				InsecureSkipVerify: d.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed test networks
				MinVersion:         tls.VersionTLS12,
			},
		}
		netConn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		netConn, err = d.netDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	conn := newConn(netConn, nick, d.cfg, sink, d.log.With().Str("nick", nick).Logger())
	conn.start()
	return conn, nil
}

// Conn is one registered (or registering) IRC client connection. Outgoing
// lines are buffered and written by a separate goroutine, so no method
// blocks on the network.
type Conn struct {
	netConn net.Conn
	client  *irc.Client
	sink    func(relay.Event)
	log     zerolog.Logger
	limiter *rate.Limiter
	out     chan string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	nick     string
	closing  bool
	stopOnce sync.Once
}

func newConn(netConn net.Conn, nick string, cfg Config, sink func(relay.Event), log zerolog.Logger) *Conn {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = defaultSendInterval
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = defaultSendBurst
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = defaultWriteBuffer
	}
	user := cfg.Username
	if user == "" {
		user = nick
	}
	name := cfg.Realname
	if name == "" {
		name = nick
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		netConn: netConn,
		sink:    sink,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(cfg.SendInterval), cfg.SendBurst),
		out:     make(chan string, cfg.WriteBuffer),
		ctx:     ctx,
		cancel:  cancel,
		nick:    nick,
	}
	c.client = irc.NewClient(netConn, irc.ClientConfig{
		Nick:          nick,
		Pass:          cfg.Password,
		User:          user,
		Name:          name,
		PingFrequency: time.Minute,
		PingTimeout:   2 * time.Minute,
		Handler:       irc.HandlerFunc(c.handle),
	})
	return c
}

func (c *Conn) start() {
	go c.run()
	go c.writeLoop()
}

func (c *Conn) run() {
	err := c.client.RunContext(c.ctx)
	c.mu.Lock()
	if c.closing {
		err = nil
	}
	c.mu.Unlock()
	c.stop()
	if err != nil {
		c.log.Debug().Err(err).Msg("IRC connection ended")
	}
	c.sink(relay.DisconnectEvent{Err: err})
}

func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		_ = c.netConn.Close()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case line := <-c.out:
			isQuit := strings.HasPrefix(line, "QUIT")
			if !isQuit {
				if err := c.limiter.Wait(c.ctx); err != nil {
					return
				}
			}
			if err := c.client.Write(line); err != nil {
				c.log.Warn().Err(err).Msg("Failed to write to IRC")
				c.stop()
				return
			}
			if isQuit {
				c.stop()
				return
			}
		}
	}
}

// hasSender reports whether m names its sender. The parser fills in an
// empty prefix for lines that carry none.
func hasSender(m *irc.Message) bool {
	return m.Prefix != nil && m.Prefix.Name != ""
}

func (c *Conn) handle(_ *irc.Client, m *irc.Message) {
	switch m.Command {
	case "001":
		if len(m.Params) > 0 {
			c.setNick(m.Params[0])
		}
		c.sink(relay.WelcomeEvent{})
	case "NICK":
		if hasSender(m) && len(m.Params) > 0 && strings.EqualFold(m.Prefix.Name, c.Nick()) {
			c.setNick(m.Params[0])
		}
	case "JOIN":
		if !hasSender(m) || len(m.Params) == 0 {
			return
		}
		c.sink(relay.JoinEvent{Nick: m.Prefix.Name, Channel: m.Params[0]})
	case "PRIVMSG":
		if !hasSender(m) || len(m.Params) < 2 {
			return
		}
		target, text := m.Params[0], m.Trailing()
		if command, args, ok := parseCTCP(text); ok {
			if command == "ACTION" {
				if isChannel(target) {
					c.sink(relay.ActionEvent{Nick: m.Prefix.Name, Channel: target, Text: args})
				}
				return
			}
			c.sink(relay.CTCPEvent{Nick: m.Prefix.Name, Target: target, Command: command, Args: args})
			return
		}
		if !isChannel(target) {
			return
		}
		c.sink(relay.MessageEvent{Nick: m.Prefix.Name, Channel: target, Text: text})
	case "ERROR":
		c.log.Warn().Str("reason", m.Trailing()).Msg("IRC server closed the connection")
	}
}

// parseCTCP splits a "\x01COMMAND args\x01" payload. The closing \x01 is
// optional as some clients omit it.
func parseCTCP(text string) (command, args string, ok bool) {
	if len(text) < 2 || text[0] != '\x01' {
		return "", "", false
	}
	body := strings.TrimSuffix(text[1:], "\x01")
	command, args, _ = strings.Cut(body, " ")
	if command == "" {
		return "", "", false
	}
	return strings.ToUpper(command), args, true
}

func isChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}

func (c *Conn) setNick(nick string) {
	c.mu.Lock()
	c.nick = nick
	c.mu.Unlock()
}

// Nick returns the nick the server knows this connection by.
func (c *Conn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

func (c *Conn) Join(channel string) error {
	return c.enqueue(&irc.Message{Command: "JOIN", Params: []string{channel}})
}

func (c *Conn) Post(channel, text string) error {
	return c.enqueue(&irc.Message{
		Command: "PRIVMSG",
		Params:  []string{channel, lineBreakReplacer.Replace(text)},
	})
}

func (c *Conn) CTCPReply(nick, text string) error {
	return c.enqueue(&irc.Message{
		Command: "NOTICE",
		Params:  []string{nick, "\x01" + lineBreakReplacer.Replace(text) + "\x01"},
	})
}

// Disconnect queues QUIT behind any buffered lines and closes the
// connection once it is written, or after a grace period at the latest.
func (c *Conn) Disconnect(reason string) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	quit := (&irc.Message{Command: "QUIT", Params: []string{lineBreakReplacer.Replace(reason)}}).String()
	select {
	case c.out <- quit:
		time.AfterFunc(quitGracePeriod, c.stop)
	default:
		c.stop()
	}
	return nil
}

func (c *Conn) enqueue(m *irc.Message) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return ErrClosed
	}
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case c.out <- m.String():
		return nil
	default:
		return ErrSendBufferFull
	}
}
