// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestSweepReapsIdleSessions(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	p, d := newTestPool(t, PoolConfig{}, mock)
	connect(t, p, testPrimary)
	connect(t, p, "alice_d")
	connect(t, p, "bob_d")
	r := NewReaper(p, mock, 30*time.Minute, time.Minute, zerolog.Nop())

	mock.Add(20 * time.Minute)
	p.Touch("bob_d")
	mock.Add(11 * time.Minute)

	reaped := r.Sweep(mock.Now())
	if !slices.Equal(reaped, []string{"alice_d"}) {
		t.Fatalf("reaped: got %v, want [alice_d]", reaped)
	}
	if closed, reason := d.Conn("alice_d").Closed(); !closed || reason != "Inactivity timeout" {
		t.Errorf("alice_d: closed=%v reason=%q", closed, reason)
	}
	if _, ok := p.LastActivity("alice_d"); ok {
		t.Error("reaped identity should lose its activity entry")
	}
	if closed, _ := d.Conn("bob_d").Closed(); closed {
		t.Error("recently active bob_d should survive")
	}
	if closed, _ := d.Conn(testPrimary).Closed(); closed {
		t.Error("the primary session is never reaped")
	}
	if got := testutil.ToFloat64(p.metrics.reaped); got != 1 {
		t.Errorf("reaped metric: got %v, want 1", got)
	}
}

func TestSweepPurgesQueueAndActivity(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	p, d := newTestPool(t, PoolConfig{}, mock)
	r := NewReaper(p, mock, time.Minute, time.Minute, zerolog.Nop())

	d.Fail("carol_d", errDialRefused)
	if _, err := p.GetOrCreate(context.Background(), "carol_d"); err == nil {
		t.Fatal("expected the dial to fail")
	}
	p.Enqueue("carol_d", "never sent")
	mock.Add(2 * time.Minute)

	if reaped := r.Sweep(mock.Now()); len(reaped) != 0 {
		t.Errorf("identities without sessions are not reported: %v", reaped)
	}
	if _, ok := p.LastActivity("carol_d"); ok {
		t.Error("stale activity entry should be removed")
	}
	if p.QueueLen("carol_d") != 0 {
		t.Error("queued fragments of a reaped identity should be dropped")
	}
	if got := testutil.ToFloat64(p.metrics.dropped.WithLabelValues(dropIdleExpired)); got != 1 {
		t.Errorf("dropped idle_expired: got %v, want 1", got)
	}
}

func TestSweepSparesRedialAfterLongSilence(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	p, d := newTestPool(t, PoolConfig{}, mock)
	r := NewReaper(p, mock, 30*time.Minute, time.Minute, zerolog.Nop())
	connect(t, p, "alice_d")

	d.Sink("alice_d")(DisconnectEvent{Err: errDialRefused})
	drain(p)
	mock.Add(31 * time.Minute)

	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.entered = make(chan string, 1)
	entered := d.entered
	d.mu.Unlock()

	if err := p.Submit("alice_d", "hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(p)
	<-entered
	if got := p.QueueLen("alice_d"); got != 1 {
		t.Fatalf("queued before sweep: got %d, want 1", got)
	}

	if reaped := r.Sweep(mock.Now()); len(reaped) != 0 {
		t.Errorf("a session being redialled must not be reaped: %v", reaped)
	}
	if got := p.QueueLen("alice_d"); got != 1 {
		t.Errorf("queued after sweep: got %d, want 1", got)
	}

	close(gate)
	waitFor(t, "redial to complete", func() bool {
		return sessionState(p, "alice_d") == "connected"
	}, nil)
	joinChannel(t, p, d, "alice_d")
	if posts := d.Conn("alice_d").Posts(); !slices.Equal(posts, []string{"hello"}) {
		t.Errorf("posts: got %v, want [hello]", posts)
	}
}

func TestSweepDisabled(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	p, d := newTestPool(t, PoolConfig{}, mock)
	connect(t, p, "alice_d")
	r := NewReaper(p, mock, 0, time.Minute, zerolog.Nop())

	mock.Add(24 * time.Hour)
	if reaped := r.Sweep(mock.Now()); reaped != nil {
		t.Errorf("disabled reaper reaped %v", reaped)
	}
	if closed, _ := d.Conn("alice_d").Closed(); closed {
		t.Error("disabled reaper closed a session")
	}

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run should return at once when reaping is disabled")
	}
}

func TestReaperRunTicks(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	p, d := newTestPool(t, PoolConfig{}, mock)
	connect(t, p, "alice_d")
	r := NewReaper(p, mock, 5*time.Minute, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, "idle session reaped", func() bool {
		closed, _ := d.Conn("alice_d").Closed()
		return closed
	}, func() { mock.Add(time.Minute) })
	if len(p.Sessions()) != 0 {
		t.Errorf("sessions left: %+v", p.Sessions())
	}
}
