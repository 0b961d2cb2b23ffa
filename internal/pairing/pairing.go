// Package pairing implements the connect flow: admin-issued pairing
// codes, the prepare step that turns a code into a pending session, and
// the approval step that mints the app and its permissions.
package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyrelay/gateway/internal/adapters"
	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/database"
)

const (
	// SessionTTL bounds how long a prepared session waits for a decision.
	SessionTTL = 15 * time.Minute

	// DefaultCodeTTL is how long an issued pairing code stays redeemable.
	DefaultCodeTTL = 10 * time.Minute

	minCodeLength = 16
	maxMetaLength = 256
)

// Pairing is the parsed form of a pairing string.
type Pairing struct {
	ProxyURL string
	Code     string
}

// ParsePairingString parses "pair::<proxyUrl>::<code>". The proxy URL
// must be absolute http(s) and the code at least 16 characters.
func ParsePairingString(s string) (*Pairing, *core.GatewayError) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 || parts[0] != "pair" {
		return nil, core.NewError(core.ErrInvalidPairingString,
			"pairing string must be pair::<proxyUrl>::<code>")
	}
	if err := validateAbsoluteURL(parts[1]); err != nil {
		return nil, core.NewErrorf(core.ErrInvalidPairingString, "proxy url: %v", err)
	}
	if len(parts[2]) < minCodeLength {
		return nil, core.NewErrorf(core.ErrInvalidPairingString,
			"code must be at least %d characters", minCodeLength)
	}
	return &Pairing{ProxyURL: parts[1], Code: parts[2]}, nil
}

// BuildPairingString renders the string an admin hands to an app.
func BuildPairingString(proxyURL, code string) string {
	return fmt.Sprintf("pair::%s::%s", strings.TrimSuffix(proxyURL, "/"), code)
}

// GenerateCode returns a fresh URL-safe pairing code with 128 bits of
// entropy.
func GenerateCode() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable url %q", raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http(s)", raw)
	}
	return nil
}

// Service drives the pairing and approval state machine on top of the
// repository and the adapter registry.
type Service struct {
	repo     database.Repository
	registry *adapters.Registry
	logger   *slog.Logger
}

// NewService creates the pairing service.
func NewService(repo database.Repository, registry *adapters.Registry, logger *slog.Logger) *Service {
	return &Service{repo: repo, registry: registry, logger: logger.With("component", "pairing")}
}

// IssueCode mints and stores a single-use pairing code.
func (s *Service) IssueCode(ctx context.Context, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	code, err := GenerateCode()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := time.Now().Add(ttl)
	if err := s.repo.InsertPairingCode(ctx, code, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("store pairing code: %w", err)
	}
	s.logger.Info("issued pairing code", "expires_at", expiresAt)
	return code, expiresAt, nil
}

// PrepareRequest is the payload of the prepare step.
type PrepareRequest struct {
	ConnectCode          string                   `json:"connectCode"`
	PublicKey            string                   `json:"publicKey"`
	AppMetadata          core.AppMetadata         `json:"appMetadata"`
	RequestedPermissions []core.PermissionRequest `json:"requestedPermissions"`
	RedirectURI          string                   `json:"redirectUri"`
}

// Prepare validates a connect request, consumes the pairing code and
// creates a PENDING session. Validation runs before consumption so a
// malformed request does not burn the single-use code.
func (s *Service) Prepare(ctx context.Context, req *PrepareRequest) (*core.ConnectSession, *core.GatewayError) {
	if gerr := s.validatePrepare(req); gerr != nil {
		return nil, gerr
	}

	now := time.Now()
	result, err := s.repo.ConsumePairingCode(ctx, req.ConnectCode, now)
	if err != nil {
		return nil, core.NewErrorf(core.ErrInternal, "consume pairing code: %v", err)
	}
	switch result {
	case database.ConsumeOK:
	case database.ConsumeNotFound:
		return nil, core.NewError(core.ErrInvalidConnectCode, "unknown connect code")
	case database.ConsumeExpired:
		return nil, core.NewError(core.ErrInvalidConnectCode, "connect code expired")
	case database.ConsumeAlreadyUsed:
		return nil, core.NewError(core.ErrInvalidConnectCode, "connect code already used")
	}

	session := &core.ConnectSession{
		Token:                uuid.NewString(),
		PairingCode:          req.ConnectCode,
		PublicKey:            req.PublicKey,
		AppMetadata:          req.AppMetadata,
		RequestedPermissions: req.RequestedPermissions,
		RedirectURI:          req.RedirectURI,
		Status:               core.SessionPending,
		CreatedAt:            now,
		ExpiresAt:            now.Add(SessionTTL),
	}
	if err := s.repo.CreateConnectSession(ctx, session); err != nil {
		return nil, core.NewErrorf(core.ErrInternal, "create session: %v", err)
	}

	s.logger.Info("prepared connect session",
		"token", session.Token,
		"app_name", req.AppMetadata.Name,
		"permissions", len(req.RequestedPermissions))
	return session, nil
}

func (s *Service) validatePrepare(req *PrepareRequest) *core.GatewayError {
	if req.ConnectCode == "" {
		return core.NewError(core.ErrInvalidRequest, "connectCode is required")
	}
	key, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return core.NewError(core.ErrInvalidRequest, "publicKey must be a base64 Ed25519 public key")
	}
	if req.AppMetadata.Name == "" {
		return core.NewError(core.ErrInvalidRequest, "appMetadata.name is required")
	}
	if len(req.AppMetadata.Name) > maxMetaLength || len(req.AppMetadata.Description) > 4*maxMetaLength {
		return core.NewError(core.ErrInvalidRequest, "appMetadata fields exceed size limits")
	}
	if err := validateAbsoluteURL(req.RedirectURI); err != nil {
		return core.NewErrorf(core.ErrInvalidRequest, "redirectUri: %v", err)
	}
	if len(req.RequestedPermissions) == 0 {
		return core.NewError(core.ErrInvalidRequest, "requestedPermissions must not be empty")
	}

	seen := make(map[string]bool)
	for i, pr := range req.RequestedPermissions {
		if !core.ValidResourceID(pr.ResourceID) {
			return core.NewErrorf(core.ErrInvalidRequest,
				"requestedPermissions[%d].resourceId %q is not <type>:<provider>", i, pr.ResourceID)
		}
		if _, ok := s.registry.Get(pr.ResourceID); !ok {
			return core.NewErrorf(core.ErrUnknownResource,
				"resource %q is not available on this gateway", pr.ResourceID)
		}
		if len(pr.Actions) == 0 {
			return core.NewErrorf(core.ErrInvalidRequest,
				"requestedPermissions[%d].actions must not be empty", i)
		}
		for _, action := range pr.Actions {
			if !s.registry.Supports(pr.ResourceID, action) {
				return core.NewErrorf(core.ErrUnsupportedAction,
					"resource %s does not support action %q", pr.ResourceID, action)
			}
			key := pr.ResourceID + "\x00" + action
			if seen[key] {
				return core.NewErrorf(core.ErrInvalidRequest,
					"duplicate permission request for %s %s", pr.ResourceID, action)
			}
			seen[key] = true
		}
		if pr.RequestedDuration != "" {
			if _, err := ParseGrantDuration(pr.RequestedDuration); err != nil {
				return core.NewErrorf(core.ErrInvalidRequest,
					"requestedPermissions[%d].requestedDuration: %v", i, err)
			}
		}
	}
	return nil
}

// ParseGrantDuration accepts Go durations plus a day suffix, e.g. "30d".
func ParseGrantDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// loadPending fetches a session and normalizes its expiry state.
func (s *Service) loadPending(ctx context.Context, token string) (*core.ConnectSession, *core.GatewayError) {
	session, err := s.repo.FindConnectSession(ctx, token)
	if err != nil {
		if err == database.ErrNotFound {
			return nil, core.NewError(core.ErrInvalidRequest, "unknown session token")
		}
		return nil, core.NewErrorf(core.ErrInternal, "load session: %v", err)
	}
	if session.Status == core.SessionPending && time.Now().After(session.ExpiresAt) {
		// Lazy expiry; the sweeper catches sessions nobody revisits.
		if err := s.repo.SetConnectSessionStatus(ctx, token, core.SessionExpired); err != nil {
			s.logger.Warn("failed to expire session", "token", token, "error", err)
		}
		session.Status = core.SessionExpired
	}
	switch session.Status {
	case core.SessionPending:
		return session, nil
	case core.SessionExpired:
		return nil, core.NewError(core.ErrSessionExpired, "session expired before a decision was made")
	default:
		return nil, core.NewErrorf(core.ErrInvalidRequest, "session already %s", strings.ToLower(string(session.Status)))
	}
}

// Approve turns a pending session into an ACTIVE app with one ACTIVE
// permission per requested (resource, action) pair, atomically. It
// returns the new app and the redirect URL for the requesting client.
func (s *Service) Approve(ctx context.Context, token string) (*core.App, string, *core.GatewayError) {
	session, gerr := s.loadPending(ctx, token)
	if gerr != nil {
		return nil, "", gerr
	}

	now := time.Now()
	app := &core.App{
		ID:          uuid.NewString(),
		Name:        session.AppMetadata.Name,
		Description: session.AppMetadata.Description,
		Homepage:    session.AppMetadata.Homepage,
		PublicKey:   session.PublicKey,
		Status:      core.AppActive,
		CreatedAt:   now,
	}

	var perms []core.ResourcePermission
	for _, pr := range session.RequestedPermissions {
		var expiresAt *time.Time
		if pr.RequestedDuration != "" {
			if d, err := ParseGrantDuration(pr.RequestedDuration); err == nil {
				t := now.Add(d)
				expiresAt = &t
			}
		}
		for _, action := range pr.Actions {
			perms = append(perms, core.ResourcePermission{
				ID:          uuid.NewString(),
				AppID:       app.ID,
				ResourceID:  pr.ResourceID,
				Action:      action,
				Status:      core.PermissionActive,
				Constraints: pr.Constraints,
				ExpiresAt:   expiresAt,
				CreatedAt:   now,
			})
		}
	}

	if err := s.repo.ApproveSession(ctx, token, app, perms); err != nil {
		return nil, "", core.NewErrorf(core.ErrInternal, "approve session: %v", err)
	}

	s.logger.Info("approved connect session",
		"token", token, "app_id", app.ID, "permissions", len(perms))
	return app, RedirectURL(session.RedirectURI, "approved", app.ID), nil
}

// Reject marks a pending session REJECTED and returns the redirect URL.
func (s *Service) Reject(ctx context.Context, token string) (string, *core.GatewayError) {
	session, gerr := s.loadPending(ctx, token)
	if gerr != nil {
		return "", gerr
	}
	if err := s.repo.SetConnectSessionStatus(ctx, token, core.SessionRejected); err != nil {
		return "", core.NewErrorf(core.ErrInternal, "reject session: %v", err)
	}
	s.logger.Info("rejected connect session", "token", token)
	return RedirectURL(session.RedirectURI, "rejected", ""), nil
}

// SessionStatus reports the current state of a session for polling
// clients, applying lazy expiry.
func (s *Service) SessionStatus(ctx context.Context, token string) (*core.ConnectSession, *core.GatewayError) {
	session, err := s.repo.FindConnectSession(ctx, token)
	if err != nil {
		if err == database.ErrNotFound {
			return nil, core.NewError(core.ErrInvalidRequest, "unknown session token")
		}
		return nil, core.NewErrorf(core.ErrInternal, "load session: %v", err)
	}
	if session.Status == core.SessionPending && time.Now().After(session.ExpiresAt) {
		if err := s.repo.SetConnectSessionStatus(ctx, token, core.SessionExpired); err != nil {
			s.logger.Warn("failed to expire session", "token", token, "error", err)
		}
		session.Status = core.SessionExpired
	}
	return session, nil
}

// ExpireStale flips every overdue PENDING session to EXPIRED. Wired to a
// ticker in main.
func (s *Service) ExpireStale(ctx context.Context) {
	sessions, err := s.repo.ListConnectSessions(ctx, core.SessionPending, 0)
	if err != nil {
		s.logger.Warn("session sweep failed", "error", err)
		return
	}
	now := time.Now()
	for _, session := range sessions {
		if now.After(session.ExpiresAt) {
			if err := s.repo.SetConnectSessionStatus(ctx, session.Token, core.SessionExpired); err != nil {
				s.logger.Warn("failed to expire session", "token", session.Token, "error", err)
			}
		}
	}
}

// RedirectURL appends the decision outcome to the session's redirect
// URI, preserving any query parameters the app put there.
func RedirectURL(redirectURI, status, appID string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("status", status)
	if appID != "" {
		q.Set("app_id", appID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
