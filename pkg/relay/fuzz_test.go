// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// FuzzDerive: arbitrary display names must always produce a nick that fits
// the length limit, uses only nick characters and is recognised as virtual.
// ---------------------------------------------------------------------------

func FuzzDerive(f *testing.F) {
	f.Add("Alice")
	f.Add("j.doe")
	f.Add("bob[d]")
	f.Add("")
	f.Add("0day")
	f.Add("名前")
	f.Add(string([]byte{0x00, 0xff}))

	rules := DefaultIdentityRules()
	f.Fuzz(func(t *testing.T, name string) {
		nick := rules.Derive(name)
		if nick != rules.Derive(name) {
			t.Fatalf("non-deterministic: Derive(%q)", name)
		}
		if len(nick) > rules.MaxLength {
			t.Errorf("Derive(%q) = %q is longer than %d", name, nick, rules.MaxLength)
		}
		if !rules.IsVirtual(nick) {
			t.Errorf("Derive(%q) = %q is not virtual", name, nick)
		}
		for _, c := range nick {
			if !isNickChar(c) {
				t.Errorf("Derive(%q) = %q contains %q", name, nick, c)
			}
		}
		if c := nick[0]; c == '-' || (c >= '0' && c <= '9') {
			t.Errorf("Derive(%q) = %q starts with %q", name, nick, c)
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzSplitFragments: fragments respect both limits, stay valid UTF-8 when
// the input is, and reassemble to the input.
// ---------------------------------------------------------------------------

func FuzzSplitFragments(f *testing.F) {
	f.Add("hello world", 4, 400)
	f.Add(strings.Repeat("é", 10), 3, 4)
	f.Add("", 400, 400)
	f.Add("x", 1, 1)

	f.Fuzz(func(t *testing.T, text string, maxLen, maxBytes int) {
		if maxLen <= 0 || maxLen > 1000 || maxBytes < utf8.UTFMax || maxBytes > 1000 {
			t.Skip()
		}
		fragments := SplitFragmentsWithin(text, maxLen, maxBytes)
		if strings.Join(fragments, "") != text {
			t.Fatalf("fragments of %q do not reassemble", text)
		}
		for _, f := range fragments {
			if f == "" {
				t.Errorf("empty fragment for %q", text)
			}
			if n := utf8.RuneCountInString(f); n > maxLen {
				t.Errorf("fragment %q has %d runes, limit %d", f, n, maxLen)
			}
			if len(f) > maxBytes {
				t.Errorf("fragment %q has %d bytes, limit %d", f, len(f), maxBytes)
			}
			if utf8.ValidString(text) && !utf8.ValidString(f) {
				t.Errorf("fragment %q of valid input is invalid UTF-8", f)
			}
		}
	})
}
