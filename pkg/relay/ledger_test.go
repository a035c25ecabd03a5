// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeFingerprint(t *testing.T) {
	t.Parallel()
	assert.Equal(t, MakeFingerprint("bob", "hi"), MakeFingerprint("bob", "hi"))
	assert.NotEqual(t, MakeFingerprint("bob", "hi"), MakeFingerprint("bob", "hi!"))
	assert.NotEqual(t, MakeFingerprint("bob", "hi"), MakeFingerprint("alice", "hi"))
	// The separator keeps identity and content from running together.
	assert.NotEqual(t, MakeFingerprint("ab", "c"), MakeFingerprint("a", "bc"))
}

func TestLedgerSuppressesOwnMessages(t *testing.T) {
	t.Parallel()
	l := NewLedger(DefaultIdentityRules(), time.Hour, time.Minute, 0)

	assert.False(t, l.ShouldSuppressInbound("bob", "hello"))
	l.MarkOriginatedHere("bob", "hello")
	assert.True(t, l.ShouldSuppressInbound("bob", "hello"))
	assert.False(t, l.ShouldSuppressInbound("bob", "hello again"))
	assert.False(t, l.ShouldSuppressInbound("carol", "hello"))

	// Virtual identities are always ours, whatever they say.
	assert.True(t, l.ShouldSuppressInbound("alice_d", "never marked"))
	assert.True(t, l.ShouldSuppressInbound("alice_d__", "server-altered nick"))
}

func TestLedgerClaimRelayOnce(t *testing.T) {
	t.Parallel()
	l := NewLedger(DefaultIdentityRules(), time.Hour, time.Minute, 0)

	assert.True(t, l.TryClaimRelay("bob", "hi"))
	assert.False(t, l.TryClaimRelay("bob", "hi"))
	assert.True(t, l.TryClaimRelay("bob", "*hi*"))

	originated, relayed := l.Len()
	assert.Equal(t, 0, originated)
	assert.Equal(t, 2, relayed)
}

func TestLedgerConcurrentClaims(t *testing.T) {
	t.Parallel()
	l := NewLedger(DefaultIdentityRules(), time.Hour, time.Minute, 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryClaimRelay("bob", "same message") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load(), "exactly one session may relay a message")
}

func TestLedgerClaimWindowExpires(t *testing.T) {
	t.Parallel()
	l := NewLedger(DefaultIdentityRules(), time.Hour, 50*time.Millisecond, 0)

	require.True(t, l.TryClaimRelay("bob", "brb"))
	require.False(t, l.TryClaimRelay("bob", "brb"))
	assert.Eventually(t, func() bool {
		return l.TryClaimRelay("bob", "brb")
	}, 2*time.Second, 10*time.Millisecond, "a repeat after the claim window is relayed again")

	// The originated set uses the longer window.
	l.MarkOriginatedHere("bob", "hello")
	time.Sleep(100 * time.Millisecond)
	assert.True(t, l.ShouldSuppressInbound("bob", "hello"))
}

func TestLedgerSizeCap(t *testing.T) {
	t.Parallel()
	l := NewLedger(DefaultIdentityRules(), time.Hour, time.Hour, 2)

	l.MarkOriginatedHere("bob", "one")
	l.MarkOriginatedHere("bob", "two")
	l.MarkOriginatedHere("bob", "three")

	originated, _ := l.Len()
	assert.Equal(t, 2, originated)
	assert.False(t, l.ShouldSuppressInbound("bob", "one"), "oldest entry is evicted first")
	assert.True(t, l.ShouldSuppressInbound("bob", "three"))
}
