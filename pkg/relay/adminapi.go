// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxDisconnectBodySize limits the request body of /api/disconnect.
const maxDisconnectBodySize = 64 * 1024

// SessionsResponse is the body of GET /api/sessions.
type SessionsResponse struct {
	Channel      string        `json:"channel"`
	PrimaryState string        `json:"primary_state"`
	Sessions     []SessionInfo `json:"sessions"`
	Ledger       struct {
		Originated int `json:"originated"`
		Relayed    int `json:"relayed"`
	} `json:"ledger"`
}

// DisconnectRequest is the body of POST /api/disconnect. An empty identity
// disconnects every virtual session.
type DisconnectRequest struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
}

// AdminHandler serves the admin API and Prometheus metrics.
func (b *Bridge) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", b.HandleSessions)
	mux.HandleFunc("/api/disconnect", b.HandleDisconnect)
	mux.Handle("/metrics", promhttp.HandlerFor(b.metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// HandleSessions lists the pool's sessions.
func (b *Bridge) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := SessionsResponse{
		Channel:      b.cfg.IRC.Channel,
		PrimaryState: b.pool.PrimaryState().String(),
		Sessions:     b.pool.Sessions(),
	}
	resp.Ledger.Originated, resp.Ledger.Relayed = b.ledger.Len()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write sessions response")
	}
}

// HandleDisconnect disconnects one virtual session, or all of them.
func (b *Bridge) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DisconnectRequest
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxDisconnectBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}
	if req.Identity == b.cfg.IRC.Nickname && req.Identity != "" {
		http.Error(w, "the primary session cannot be disconnected", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "Disconnected by administrator"
	}

	b.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("identity", req.Identity).
		Msg("Disconnect requested")

	before := len(b.pool.Sessions())
	var err error
	if req.Identity == "" {
		err = b.pool.DisconnectAll(req.Reason)
	} else {
		err = b.pool.Disconnect(req.Identity, req.Reason)
	}
	if err != nil {
		b.log.Warn().Err(err).Msg("Errors while disconnecting sessions")
	}
	after := len(b.pool.Sessions())

	resp := map[string]int{
		"removed": before - after,
		"total":   after,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write disconnect response")
	}
}
