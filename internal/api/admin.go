package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/database"
	"github.com/keyrelay/gateway/internal/events"
)

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	status := core.SessionStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = core.SessionPending
	}
	sessions, err := s.repo.ListConnectSessions(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "list sessions: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	apps, err := s.repo.ListApps(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "list apps: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"apps": apps})
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	id := mux.Vars(r)["id"]

	app, err := s.repo.FindApp(r.Context(), id)
	if err != nil {
		if err == database.ErrNotFound {
			writeError(w, requestID, core.NewErrorf(core.ErrAppNotFound, "unknown app %q", id))
			return
		}
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "load app: %v", err))
		return
	}
	perms, err := s.repo.ListPermissions(r.Context(), id)
	if err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "load permissions: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"app": app, "permissions": perms})
}

var validAppStatus = map[core.AppStatus]bool{
	core.AppActive: true, core.AppSuspended: true, core.AppRevoked: true,
}

// handleSetAppStatus suspends, reactivates or revokes an app. Revoking
// cuts off every permission at the auth stage immediately.
func (s *Server) handleSetAppStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	id := mux.Vars(r)["id"]

	var req struct {
		Status core.AppStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validAppStatus[req.Status] {
		writeError(w, requestID, core.NewError(core.ErrInvalidRequest,
			"status must be ACTIVE, SUSPENDED or REVOKED"))
		return
	}

	if err := s.repo.SetAppStatus(r.Context(), id, req.Status); err != nil {
		if err == database.ErrNotFound {
			writeError(w, requestID, core.NewErrorf(core.ErrAppNotFound, "unknown app %q", id))
			return
		}
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "set app status: %v", err))
		return
	}

	s.bus.Publish(r.Context(), events.Event{
		Type:    events.TypeAppStatusSet,
		AppID:   id,
		Payload: map[string]interface{}{"status": req.Status},
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	id := mux.Vars(r)["id"]

	perms, err := s.repo.ListPermissions(r.Context(), id)
	if err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "list permissions: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"permissions": perms})
}

func (s *Server) handleSetPermissionStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	id := mux.Vars(r)["id"]

	var req struct {
		Status core.PermissionStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		(req.Status != core.PermissionActive && req.Status != core.PermissionRevoked) {
		writeError(w, requestID, core.NewError(core.ErrInvalidRequest, "status must be ACTIVE or REVOKED"))
		return
	}

	if err := s.repo.SetPermissionStatus(r.Context(), id, req.Status); err != nil {
		if err == database.ErrNotFound {
			writeError(w, requestID, core.NewErrorf(core.ErrInvalidRequest, "unknown permission %q", id))
			return
		}
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "set permission status: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}

// handlePutSecret stores the upstream credential for a resource. The
// plaintext key exists only for the duration of this handler.
func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	vars := mux.Vars(r)
	resourceID := vars["type"] + ":" + vars["provider"]

	if _, ok := s.registry.Get(resourceID); !ok {
		writeError(w, requestID, core.NewErrorf(core.ErrUnknownResource, "unknown resource %q", resourceID))
		return
	}

	var req struct {
		APIKey string            `json:"apiKey"`
		Config json.RawMessage   `json:"config,omitempty"`
		Status core.SecretStatus `json:"status,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		writeError(w, requestID, core.NewError(core.ErrInvalidRequest, "apiKey is required"))
		return
	}
	if req.Status == "" {
		req.Status = core.SecretActive
	}

	ciphertext, iv, err := s.vault.Encrypt([]byte(req.APIKey))
	if err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "encrypt secret: %v", err))
		return
	}

	secret := &core.ResourceSecret{
		ResourceID:   resourceID,
		Status:       req.Status,
		EncryptedKey: ciphertext,
		KeyIV:        iv,
		Config:       req.Config,
		CreatedAt:    time.Now(),
	}
	if err := s.repo.UpsertResourceSecret(r.Context(), secret); err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "store secret: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resourceId": resourceID, "status": req.Status})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	q := r.URL.Query()

	filter := database.LogFilter{
		AppID:      q.Get("appId"),
		ResourceID: q.Get("resourceId"),
		Decision:   q.Get("decision"),
		Limit:      queryLimit(r, 100),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, requestID, core.NewError(core.ErrInvalidRequest, "since must be RFC3339"))
			return
		}
		filter.Since = t
	}

	logs, err := s.repo.ListRequestLogs(r.Context(), filter)
	if err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "list logs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

type usageBucket struct {
	Requests  int64 `json:"requests"`
	Allowed   int64 `json:"allowed"`
	Denied    int64 `json:"denied"`
	Errors    int64 `json:"errors"`
	TokensIn  int64 `json:"tokensIn"`
	TokensOut int64 `json:"tokensOut"`
}

// handleUsageSummary aggregates recent request logs per resource, with
// an optional appId filter. The window defaults to the last 24 hours.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	q := r.URL.Query()

	since := time.Now().Add(-24 * time.Hour)
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, requestID, core.NewError(core.ErrInvalidRequest, "since must be RFC3339"))
			return
		}
		since = t
	}

	logs, err := s.repo.ListRequestLogs(r.Context(), database.LogFilter{
		AppID: q.Get("appId"),
		Since: since,
		Limit: queryLimit(r, 10000),
	})
	if err != nil {
		writeError(w, requestID, core.NewErrorf(core.ErrInternal, "list logs: %v", err))
		return
	}

	total := usageBucket{}
	byResource := map[string]*usageBucket{}
	for _, entry := range logs {
		bucket := byResource[entry.ResourceID]
		if bucket == nil {
			bucket = &usageBucket{}
			byResource[entry.ResourceID] = bucket
		}
		for _, b := range []*usageBucket{&total, bucket} {
			b.Requests++
			switch {
			case entry.Decision == core.DecisionAllowed:
				b.Allowed++
			case entry.Decision == core.DecisionError:
				b.Errors++
			default:
				b.Denied++
			}
			b.TokensIn += entry.TokensIn
			b.TokensOut += entry.TokensOut
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":      since,
		"total":      total,
		"byResource": byResource,
	})
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": s.breakers.Stats()})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": s.hooks.List()})
}

func (s *Server) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req struct {
		URL    string        `json:"url"`
		Secret string        `json:"secret,omitempty"`
		Types  []events.Type `json:"types,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, requestID, core.NewError(core.ErrInvalidRequest, "url is required"))
		return
	}
	hook := s.hooks.Add(req.URL, req.Secret, req.Types)
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	id := mux.Vars(r)["id"]
	if !s.hooks.Remove(id) {
		writeError(w, requestID, core.NewErrorf(core.ErrInvalidRequest, "unknown webhook %q", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLiveFeed streams bus events over a websocket for the admin UI.
func (s *Server) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("live feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe(128)
	defer cancel()

	// Reader goroutine: the feed is write-only, but reads surface
	// client-side closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
