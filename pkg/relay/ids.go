// Copyright 2024-2026 Aiku AI

package relay

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultVirtualSuffix marks nicknames owned by the bridge on IRC.
	DefaultVirtualSuffix = "_d"
	// DefaultNickMaxLength is the conservative NICKLEN most networks accept.
	DefaultNickMaxLength = 15
)

// IdentityRules derives and recognises virtual identities.
type IdentityRules struct {
	Suffix    string
	MaxLength int
}

// DefaultIdentityRules returns the rules used when the config leaves them unset.
func DefaultIdentityRules() IdentityRules {
	return IdentityRules{Suffix: DefaultVirtualSuffix, MaxLength: DefaultNickMaxLength}
}

// Derive converts a remote display name into the IRC nickname the bridge
// uses to impersonate that user. The marker suffix always survives
// truncation so IsVirtual keeps recognising the result.
func (r IdentityRules) Derive(displayName string) string {
	name := strings.ToLower(displayName)
	name = strings.ReplaceAll(name, "[d]", "_d")
	name = strings.ReplaceAll(name, ".", "_")

	var b strings.Builder
	b.Grow(len(name))
	for _, c := range name {
		if isNickChar(c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	base := b.String()
	if base == "" {
		base = "_"
	}
	if base[0] == '-' || (base[0] >= '0' && base[0] <= '9') {
		base = "_" + base
	}

	limit := r.MaxLength - len(r.Suffix)
	if limit < 1 {
		limit = 1
	}
	if len(base) > limit {
		base = base[:limit]
	}
	return base + r.Suffix
}

// IsVirtual reports whether nick belongs to a session the bridge itself
// drives. Servers resolve nick collisions by appending underscores, so
// those are ignored.
func (r IdentityRules) IsVirtual(nick string) bool {
	if r.Suffix == "" {
		return false
	}
	trimmed := strings.TrimRight(nick, "_")
	if strings.HasSuffix(r.Suffix, "_") {
		// A suffix that itself ends in '_' cannot survive TrimRight.
		return strings.HasSuffix(nick, r.Suffix)
	}
	return strings.HasSuffix(strings.ToLower(trimmed), strings.ToLower(r.Suffix))
}

// isNickChar reports whether c may appear in an IRC nickname (RFC 2812).
func isNickChar(c rune) bool {
	if c >= utf8.RuneSelf {
		return false
	}
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("[]\\`_^{|}-", c)
}

// SplitFragments breaks text into chunks of at most maxLen runes,
// preserving order. Empty text yields no fragments.
func SplitFragments(text string, maxLen int) []string {
	return SplitFragmentsWithin(text, maxLen, 0)
}

// SplitFragmentsWithin is SplitFragments with an additional cap of
// maxBytes bytes per fragment, for multi-byte text on a byte-limited wire.
// A non-positive limit is not applied. A fragment always holds at least
// one rune.
func SplitFragmentsWithin(text string, maxLen, maxBytes int) []string {
	if text == "" {
		return nil
	}
	if maxLen <= 0 && maxBytes <= 0 {
		return []string{text}
	}
	var fragments []string
	for text != "" {
		cut, runes := 0, 0
		for cut < len(text) {
			if maxLen > 0 && runes == maxLen {
				break
			}
			_, size := utf8.DecodeRuneInString(text[cut:])
			if maxBytes > 0 && cut+size > maxBytes && runes > 0 {
				break
			}
			cut += size
			runes++
		}
		fragments = append(fragments, text[:cut])
		text = text[cut:]
	}
	return fragments
}
