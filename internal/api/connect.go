package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/events"
	"github.com/keyrelay/gateway/internal/pairing"
)

// baseURL reconstructs the externally visible gateway origin from the
// inbound request.
func baseURL(r *http.Request) string {
	if r.TLS != nil {
		return "https://" + r.Host
	}
	return "http://" + r.Host
}

// handlePrepare consumes a pairing code and opens a pending session.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req pairing.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, core.NewError(core.ErrInvalidJSON, "request body is not valid JSON"))
		return
	}

	session, gerr := s.pairing.Prepare(r.Context(), &req)
	if gerr != nil {
		writeError(w, requestID, gerr)
		return
	}

	s.bus.Publish(r.Context(), events.Event{
		Type:    events.TypeSessionPrepared,
		Payload: map[string]interface{}{"token": session.Token, "appName": session.AppMetadata.Name},
	})

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"approvalUrl":  baseURL(r) + "/connect/approve?session=" + url.QueryEscape(session.Token),
		"sessionToken": session.Token,
		"status":       session.Status,
		"expiresAt":    session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleSessionStatus lets the requesting app poll for the decision.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	token := mux.Vars(r)["token"]

	session, gerr := s.pairing.SessionStatus(r.Context(), token)
	if gerr != nil {
		writeError(w, requestID, gerr)
		return
	}

	resp := map[string]interface{}{
		"status":    session.Status,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if session.Status == core.SessionApproved {
		resp["appId"] = session.BoundAppID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleApprove executes the admin's approval of a pending session.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	token := mux.Vars(r)["token"]

	app, redirect, gerr := s.pairing.Approve(r.Context(), token)
	if gerr != nil {
		writeError(w, requestID, gerr)
		return
	}

	s.bus.Publish(r.Context(), events.Event{
		Type:  events.TypeSessionDecided,
		AppID: app.ID,
		Payload: map[string]interface{}{
			"token": token, "outcome": "approved", "appName": app.Name,
		},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"appId":       app.ID,
		"redirectUrl": redirect,
	})
}

// handleReject records the admin's rejection.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	token := mux.Vars(r)["token"]

	redirect, gerr := s.pairing.Reject(r.Context(), token)
	if gerr != nil {
		writeError(w, requestID, gerr)
		return
	}

	s.bus.Publish(r.Context(), events.Event{
		Type:    events.TypeSessionDecided,
		Payload: map[string]interface{}{"token": token, "outcome": "rejected"},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"redirectUrl": redirect})
}

// handleIssuePairingCode mints a code and renders the pairing string.
func (s *Server) handleIssuePairingCode(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req struct {
		TTLSeconds int `json:"ttlSeconds,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, requestID, core.NewError(core.ErrInvalidJSON, "request body is not valid JSON"))
			return
		}
	}

	code, expiresAt, err := s.pairing.IssueCode(r.Context(), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "issue pairing code: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"code":          code,
		"pairingString": pairing.BuildPairingString(baseURL(r), code),
		"expiresAt":     expiresAt.UTC().Format(time.RFC3339),
	})
}
