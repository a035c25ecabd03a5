// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spaolacci/murmur3"
)

// DefaultLedgerSize caps each ledger set.
const DefaultLedgerSize = 100_000

// Fingerprint identifies an (identity, content) pair for dedup purposes.
type Fingerprint uint64

// MakeFingerprint hashes identity and content. Collisions only cause a
// message to be treated as a duplicate.
func MakeFingerprint(identity, content string) Fingerprint {
	h := murmur3.New64()
	_, _ = h.Write([]byte(identity))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(content))
	return Fingerprint(h.Sum64())
}

// Ledger tracks which messages the bridge injected into IRC and which IRC
// messages it already forwarded, so neither side sees a message twice.
//
// Both sets are windowed: entries expire after the dedup window, and the
// claim window for relayed messages defaults to the same span. A zero
// window keeps entries until the size cap evicts the oldest.
type Ledger struct {
	rules IdentityRules

	mu             sync.Mutex
	originatedHere *expirable.LRU[Fingerprint, struct{}]
	relayedOut     *expirable.LRU[Fingerprint, struct{}]
}

// NewLedger creates a ledger.
func NewLedger(rules IdentityRules, window, claimWindow time.Duration, maxEntries int) *Ledger {
	if maxEntries <= 0 {
		maxEntries = DefaultLedgerSize
	}
	return &Ledger{
		rules:          rules,
		originatedHere: expirable.NewLRU[Fingerprint, struct{}](maxEntries, nil, window),
		relayedOut:     expirable.NewLRU[Fingerprint, struct{}](maxEntries, nil, claimWindow),
	}
}

// MarkOriginatedHere records a message about to be posted on IRC on
// behalf of a remote user, so its echo is not relayed back.
func (l *Ledger) MarkOriginatedHere(identity, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.originatedHere.Add(MakeFingerprint(identity, content), struct{}{})
}

// ShouldSuppressInbound reports whether an IRC message must not be relayed
// because the bridge itself produced it.
func (l *Ledger) ShouldSuppressInbound(identity, content string) bool {
	if l.rules.IsVirtual(identity) {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.originatedHere.Peek(MakeFingerprint(identity, content))
	return ok
}

// TryClaimRelay atomically claims the right to relay a message. Only the
// first caller for a given fingerprint gets true.
func (l *Ledger) TryClaimRelay(identity, content string) bool {
	fp := MakeFingerprint(identity, content)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.relayedOut.Peek(fp); ok {
		return false
	}
	l.relayedOut.Add(fp, struct{}{})
	return true
}

// Len returns the sizes of the originated and relayed sets.
func (l *Ledger) Len() (originated, relayed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.originatedHere.Len(), l.relayedOut.Len()
}
