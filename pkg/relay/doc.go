// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package relay bridges one IRC channel to one channel on a remote chat
// network.
//
// IRC users are relayed to the remote side by a single primary session
// and shown there under "<nick> (IRC)". Remote users appear on IRC as
// themselves: each one gets a dedicated virtual IRC session whose nick is
// derived from their display name and marked with a suffix ("_d").
//
// # Core Types
//
// [Bridge] owns the whole relay and runs its loops under one errgroup.
//
// [Pool] holds every IRC session. It runs the IRC loop that dispatches
// connection events and delivery tasks one at a time, keeps a per-identity
// outbound queue behind a join gate, and reconnects the primary session
// with exponential backoff.
//
// [Ledger] fingerprints messages so nothing crosses the bridge twice.
//
// [Reaper] closes virtual sessions whose users have gone quiet.
//
// # Echo Prevention
//
// Several independent layers keep messages from looping: virtual nicks are
// recognised by their suffix, messages the bridge injected into IRC are
// fingerprinted, each IRC message is claimed once although every session
// sees it, and remote posts carrying the "(IRC)" marker or coming from the
// bridge's own account are ignored. These layers must not be simplified or
// removed.
//
// # Collaborators
//
// The IRC transport is supplied through [Dialer] and [Conn]; the remote
// network through [Remote]. See the ircconn, remote/mattermost and
// remote/matrix packages.
package relay
