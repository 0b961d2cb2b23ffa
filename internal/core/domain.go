package core

import (
	"encoding/json"
	"regexp"
	"time"
)

// AppStatus is the lifecycle state of a registered app.
type AppStatus string

const (
	AppActive    AppStatus = "ACTIVE"
	AppSuspended AppStatus = "SUSPENDED"
	AppRevoked   AppStatus = "REVOKED"
)

// App is a third-party application bound to the gateway via pairing.
// PublicKey is the app's Ed25519 verification key (32 bytes, base64).
type App struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Homepage    string    `json:"homepage,omitempty"`
	PublicKey   string    `json:"public_key"`
	Status      AppStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// PermissionStatus is the lifecycle state of a resource permission.
type PermissionStatus string

const (
	PermissionActive  PermissionStatus = "ACTIVE"
	PermissionRevoked PermissionStatus = "REVOKED"
)

// TimeWindow restricts a permission to certain hours/days in a timezone.
// Hours are [StartHour, EndHour); StartHour > EndHour wraps overnight.
type TimeWindow struct {
	StartHour   int    `json:"start_hour"`
	EndHour     int    `json:"end_hour"`
	Timezone    string `json:"timezone,omitempty"`
	AllowedDays []int  `json:"allowed_days,omitempty"` // time.Weekday values; empty = all days
}

// ResourcePermission grants an app one action on one resource, with
// optional policy constraints and limits. (AppID, ResourceID, Action)
// is unique.
type ResourcePermission struct {
	ID                 string           `json:"id"`
	AppID              string           `json:"app_id"`
	ResourceID         string           `json:"resource_id"`
	Action             string           `json:"action"`
	Status             PermissionStatus `json:"status"`
	Constraints        json.RawMessage  `json:"constraints,omitempty"`
	ValidFrom          *time.Time       `json:"valid_from,omitempty"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
	TimeWindow         *TimeWindow      `json:"time_window,omitempty"`
	RateLimitRequests  *int             `json:"rate_limit_requests,omitempty"`
	RateLimitWindowSec *int             `json:"rate_limit_window_secs,omitempty"`
	BurstLimit         *int             `json:"burst_limit,omitempty"`
	BurstWindowSecs    *int             `json:"burst_window_secs,omitempty"`
	DailyQuota         *int64           `json:"daily_quota,omitempty"`
	MonthlyQuota       *int64           `json:"monthly_quota,omitempty"`
	DailyTokenBudget   *int64           `json:"daily_token_budget,omitempty"`
	MonthlyTokenBudget *int64           `json:"monthly_token_budget,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// SecretStatus is the lifecycle state of a stored upstream credential.
type SecretStatus string

const (
	SecretActive   SecretStatus = "ACTIVE"
	SecretDisabled SecretStatus = "DISABLED"
)

// ResourceSecret holds the envelope-encrypted upstream credential for a
// resource. EncryptedKey is AES-256-GCM ciphertext (tag appended); KeyIV
// is the 12-byte GCM nonce. Config carries provider options such as a
// custom base URL.
type ResourceSecret struct {
	ResourceID   string          `json:"resource_id"`
	Status       SecretStatus    `json:"status"`
	EncryptedKey []byte          `json:"encrypted_key"`
	KeyIV        []byte          `json:"key_iv"`
	Config       json.RawMessage `json:"config,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PairingCode is a single-use admin-issued code consumed by the prepare
// step of the connect flow.
type PairingCode struct {
	Code       string     `json:"code"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// SessionStatus is the state of a connect session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "PENDING"
	SessionApproved SessionStatus = "APPROVED"
	SessionRejected SessionStatus = "REJECTED"
	SessionExpired  SessionStatus = "EXPIRED"
)

// AppMetadata is the self-description an app submits at prepare time.
type AppMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
}

// PermissionRequest is one requested grant in a prepare call.
type PermissionRequest struct {
	ResourceID        string          `json:"resourceId"`
	Actions           []string        `json:"actions"`
	Constraints       json.RawMessage `json:"constraints,omitempty"`
	RequestedDuration string          `json:"requestedDuration,omitempty"`
}

// ConnectSession is a pending approval record created by prepare. Once
// approved it becomes an App plus its ResourcePermissions; the session
// token is an opaque correlation handle, never a credential.
type ConnectSession struct {
	Token                string              `json:"token"`
	PairingCode          string              `json:"pairing_code"`
	PublicKey            string              `json:"public_key"`
	AppMetadata          AppMetadata         `json:"app_metadata"`
	RequestedPermissions []PermissionRequest `json:"requested_permissions"`
	RedirectURI          string              `json:"redirect_uri"`
	Status               SessionStatus       `json:"status"`
	BoundAppID           string              `json:"bound_app_id,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	ExpiresAt            time.Time           `json:"expires_at"`
}

// Decision classifies the outcome of a data-plane request for logging.
type Decision string

const (
	DecisionAllowed          Decision = "ALLOWED"
	DecisionDeniedAuth       Decision = "DENIED_AUTH"
	DecisionDeniedPermission Decision = "DENIED_PERMISSION"
	DecisionDeniedConstraint Decision = "DENIED_CONSTRAINT"
	DecisionDeniedRateLimit  Decision = "DENIED_RATE_LIMIT"
	DecisionDeniedBudget     Decision = "DENIED_BUDGET"
	DecisionError            Decision = "ERROR"
)

// RequestLog is the append-only record written once per data-plane
// request attempt, whatever the decision.
type RequestLog struct {
	ID             string    `json:"id"`
	AppID          string    `json:"app_id,omitempty"`
	ResourceID     string    `json:"resource_id"`
	Action         string    `json:"action"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	Decision       Decision  `json:"decision"`
	DecisionReason string    `json:"decision_reason,omitempty"`
	LatencyMs      int64     `json:"latency_ms,omitempty"`
	Model          string    `json:"model,omitempty"`
	TokensIn       int64     `json:"tokens_in,omitempty"`
	TokensOut      int64     `json:"tokens_out,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	Model        string `json:"model,omitempty"`
}

var resourceIDPattern = regexp.MustCompile(`^[a-z]+:[a-z0-9-]+$`)

// ValidResourceID reports whether id matches <type>:<provider>.
func ValidResourceID(id string) bool {
	return resourceIDPattern.MatchString(id)
}
