// Package database defines the narrow persistence surface the gateway
// core consumes, with Postgres, Supabase and in-memory implementations.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/keyrelay/gateway/internal/core"
)

// ConsumeResult is the outcome of a pairing-code consumption attempt.
type ConsumeResult int

const (
	ConsumeOK ConsumeResult = iota
	ConsumeNotFound
	ConsumeExpired
	ConsumeAlreadyUsed
)

// ErrNotFound is returned by lookups that matched nothing.
var ErrNotFound = errors.New("not found")

// LogFilter narrows request-log queries on the admin surface.
type LogFilter struct {
	AppID      string
	ResourceID string
	Decision   string
	Since      time.Time
	Limit      int
}

// Repository is the only abstraction the core takes on persistence.
//
// ConsumePairingCode and ApproveSession must execute with serializable
// semantics: two concurrent consumes of one code yield exactly one
// ConsumeOK, and an interrupted approval never leaves an App without its
// permissions or an APPROVED session without a bound app.
type Repository interface {
	// Apps
	FindApp(ctx context.Context, id string) (*core.App, error)
	ListApps(ctx context.Context, limit int) ([]core.App, error)
	SetAppStatus(ctx context.Context, id string, status core.AppStatus) error

	// Permissions
	FindPermission(ctx context.Context, appID, resourceID, action string) (*core.ResourcePermission, error)
	ListPermissions(ctx context.Context, appID string) ([]core.ResourcePermission, error)
	SetPermissionStatus(ctx context.Context, id string, status core.PermissionStatus) error

	// Secrets
	FindResourceSecret(ctx context.Context, resourceID string) (*core.ResourceSecret, error)
	UpsertResourceSecret(ctx context.Context, secret *core.ResourceSecret) error

	// Pairing codes
	InsertPairingCode(ctx context.Context, code string, expiresAt time.Time) error
	ConsumePairingCode(ctx context.Context, code string, now time.Time) (ConsumeResult, error)

	// Connect sessions
	CreateConnectSession(ctx context.Context, session *core.ConnectSession) error
	FindConnectSession(ctx context.Context, token string) (*core.ConnectSession, error)
	SetConnectSessionStatus(ctx context.Context, token string, status core.SessionStatus) error
	ListConnectSessions(ctx context.Context, status core.SessionStatus, limit int) ([]core.ConnectSession, error)

	// ApproveSession atomically inserts the app, binds its permissions
	// and flips the session to APPROVED with BoundAppID set.
	ApproveSession(ctx context.Context, token string, app *core.App, perms []core.ResourcePermission) error

	// Request logs (append-only, best-effort)
	AppendRequestLog(ctx context.Context, entry *core.RequestLog) error
	ListRequestLogs(ctx context.Context, filter LogFilter) ([]core.RequestLog, error)
}
