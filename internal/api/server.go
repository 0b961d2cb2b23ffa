// Package api exposes the gateway over HTTP: the proxied data plane,
// the connect flow and the admin surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyrelay/gateway/internal/adapters"
	"github.com/keyrelay/gateway/internal/circuitbreaker"
	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/database"
	"github.com/keyrelay/gateway/internal/events"
	"github.com/keyrelay/gateway/internal/middleware"
	"github.com/keyrelay/gateway/internal/pairing"
	"github.com/keyrelay/gateway/internal/pipeline"
	"github.com/keyrelay/gateway/internal/vault"
	"github.com/keyrelay/gateway/internal/webhooks"
)

// Version identifies the gateway build in discovery and health responses.
const Version = "1.0.0"

// Server holds the HTTP surface and its collaborators.
type Server struct {
	gateway  *pipeline.Gateway
	pairing  *pairing.Service
	registry *adapters.Registry
	repo     database.Repository
	vault    *vault.Vault
	bus      events.Bus
	breakers *circuitbreaker.Manager
	hooks    *webhooks.Registry
	logger   *slog.Logger

	adminToken string
	upgrader   websocket.Upgrader
}

// Config wires the server.
type Config struct {
	Gateway    *pipeline.Gateway
	Pairing    *pairing.Service
	Registry   *adapters.Registry
	Repo       database.Repository
	Vault      *vault.Vault
	Bus        events.Bus
	Breakers   *circuitbreaker.Manager
	Hooks      *webhooks.Registry
	Logger     *slog.Logger
	AdminToken string
}

// NewServer creates the HTTP server wiring.
func NewServer(cfg Config) *Server {
	return &Server{
		gateway:    cfg.Gateway,
		pairing:    cfg.Pairing,
		registry:   cfg.Registry,
		repo:       cfg.Repo,
		vault:      cfg.Vault,
		bus:        cfg.Bus,
		breakers:   cfg.Breakers,
		hooks:      cfg.Hooks,
		logger:     cfg.Logger.With("component", "api"),
		adminToken: cfg.AdminToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The live feed is admin-token gated; origin is not the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))

	// Health and metrics.
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Discovery.
	r.HandleFunc("/.well-known/resources", s.handleDiscovery).Methods("GET")

	// Data plane: path-addressed and header-addressed.
	r.PathPrefix("/r/{type}/{provider}/").HandlerFunc(s.handleProxyPath)
	r.HandleFunc("/v1/chat/completions", s.handleProxyHeader).Methods("POST")

	// Connect flow (browser-facing, CORS + edge rate limit).
	connectLimiter := middleware.NewRateLimiter(60, time.Minute, s.logger)
	connect := r.PathPrefix("/api/connect").Subrouter()
	connect.Use(middleware.CORS)
	connect.Use(connectLimiter.Middleware)
	connect.HandleFunc("/prepare", s.handlePrepare).Methods("POST", "OPTIONS")
	connect.HandleFunc("/session/{token}", s.handleSessionStatus).Methods("GET", "OPTIONS")

	// Admin surface.
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(middleware.AdminAuth(s.adminToken))
	admin.HandleFunc("/pairing-codes", s.handleIssuePairingCode).Methods("POST")
	admin.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	admin.HandleFunc("/sessions/{token}/approve", s.handleApprove).Methods("POST")
	admin.HandleFunc("/sessions/{token}/reject", s.handleReject).Methods("POST")
	admin.HandleFunc("/apps", s.handleListApps).Methods("GET")
	admin.HandleFunc("/apps/{id}", s.handleGetApp).Methods("GET")
	admin.HandleFunc("/apps/{id}/status", s.handleSetAppStatus).Methods("POST")
	admin.HandleFunc("/apps/{id}/permissions", s.handleListPermissions).Methods("GET")
	admin.HandleFunc("/permissions/{id}/status", s.handleSetPermissionStatus).Methods("POST")
	admin.HandleFunc("/resources/{type}/{provider}/secret", s.handlePutSecret).Methods("PUT")
	admin.HandleFunc("/logs", s.handleListLogs).Methods("GET")
	admin.HandleFunc("/usage", s.handleUsageSummary).Methods("GET")
	admin.HandleFunc("/breakers", s.handleBreakerStats).Methods("GET")
	admin.HandleFunc("/webhooks", s.handleListWebhooks).Methods("GET")
	admin.HandleFunc("/webhooks", s.handleAddWebhook).Methods("POST")
	admin.HandleFunc("/webhooks/{id}", s.handleRemoveWebhook).Methods("DELETE")
	admin.HandleFunc("/live", s.handleLiveFeed).Methods("GET")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   Version,
		"resources": s.registry.Count(),
	})
}

// handleDiscovery lists every routable resource, its actions, the proof
// scheme it accepts and the constraint keys it enforces.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateway": map[string]interface{}{
			"version": Version,
			"name":    "keyrelay-gateway",
		},
		"resources": s.registry.List(),
	})
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Code      core.ErrorCode         `json:"code"`
		Message   string                 `json:"message"`
		RequestID string                 `json:"requestId,omitempty"`
		Retryable bool                   `json:"retryable,omitempty"`
		Details   map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, requestID string, gerr *core.GatewayError) {
	var body errorBody
	body.Error.Code = gerr.Code
	body.Error.Message = gerr.Message
	body.Error.RequestID = requestID
	body.Error.Retryable = gerr.Retryable
	body.Error.Details = gerr.Details

	status := gerr.Status
	if status == 0 {
		status = core.StatusFor(gerr.Code)
	}
	writeJSON(w, status, body)
}
