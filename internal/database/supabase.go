package database

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/keyrelay/gateway/internal/core"
)

// SupabaseRepository implements Repository over PostgREST. Plain CRUD
// goes through the query builder; ConsumePairingCode and ApproveSession
// call SQL functions via Rpc so the transactional guarantees live
// server-side, where PostgREST cannot express multi-statement
// transactions.
type SupabaseRepository struct {
	client *supabase.Client
}

// NewSupabaseRepository creates a client from the project URL and
// service key.
func NewSupabaseRepository(url, serviceKey string) (*SupabaseRepository, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseRepository{client: client}, nil
}

// ============================================================================
// ROW TYPES (Supabase timestamps travel as strings)
// ============================================================================

type appRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	PublicKey   string `json:"public_key"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type permissionRow struct {
	ID                 string           `json:"id"`
	AppID              string           `json:"app_id"`
	ResourceID         string           `json:"resource_id"`
	Action             string           `json:"action"`
	Status             string           `json:"status"`
	Constraints        json.RawMessage  `json:"constraints,omitempty"`
	ValidFrom          *string          `json:"valid_from,omitempty"`
	ExpiresAt          *string          `json:"expires_at,omitempty"`
	TimeWindow         *core.TimeWindow `json:"time_window,omitempty"`
	RateLimitRequests  *int             `json:"rate_limit_requests,omitempty"`
	RateLimitWindowSec *int             `json:"rate_limit_window_secs,omitempty"`
	BurstLimit         *int             `json:"burst_limit,omitempty"`
	BurstWindowSecs    *int             `json:"burst_window_secs,omitempty"`
	DailyQuota         *int64           `json:"daily_quota,omitempty"`
	MonthlyQuota       *int64           `json:"monthly_quota,omitempty"`
	DailyTokenBudget   *int64           `json:"daily_token_budget,omitempty"`
	MonthlyTokenBudget *int64           `json:"monthly_token_budget,omitempty"`
	CreatedAt          string           `json:"created_at,omitempty"`
}

type secretRow struct {
	ResourceID   string          `json:"resource_id"`
	Status       string          `json:"status"`
	EncryptedKey string          `json:"encrypted_key"` // base64
	KeyIV        string          `json:"key_iv"`        // base64
	Config       json.RawMessage `json:"config,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
}

type sessionRow struct {
	Token                string                   `json:"token"`
	PairingCode          string                   `json:"pairing_code"`
	PublicKey            string                   `json:"public_key"`
	AppMetadata          core.AppMetadata         `json:"app_metadata"`
	RequestedPermissions []core.PermissionRequest `json:"requested_permissions"`
	RedirectURI          string                   `json:"redirect_uri"`
	Status               string                   `json:"status"`
	BoundAppID           *string                  `json:"bound_app_id,omitempty"`
	CreatedAt            string                   `json:"created_at,omitempty"`
	ExpiresAt            string                   `json:"expires_at"`
}

type logRow struct {
	ID             string `json:"id"`
	AppID          string `json:"app_id,omitempty"`
	ResourceID     string `json:"resource_id"`
	Action         string `json:"action"`
	Endpoint       string `json:"endpoint"`
	Method         string `json:"method"`
	Decision       string `json:"decision"`
	DecisionReason string `json:"decision_reason,omitempty"`
	LatencyMs      int64  `json:"latency_ms,omitempty"`
	Model          string `json:"model,omitempty"`
	TokensIn       int64  `json:"tokens_in,omitempty"`
	TokensOut      int64  `json:"tokens_out,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseTSPtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTS(*s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r appRow) toCore() core.App {
	return core.App{
		ID: r.ID, Name: r.Name, Description: r.Description, Homepage: r.Homepage,
		PublicKey: r.PublicKey, Status: core.AppStatus(r.Status), CreatedAt: parseTS(r.CreatedAt),
	}
}

func (r permissionRow) toCore() core.ResourcePermission {
	return core.ResourcePermission{
		ID: r.ID, AppID: r.AppID, ResourceID: r.ResourceID, Action: r.Action,
		Status: core.PermissionStatus(r.Status), Constraints: r.Constraints,
		ValidFrom: parseTSPtr(r.ValidFrom), ExpiresAt: parseTSPtr(r.ExpiresAt),
		TimeWindow:        r.TimeWindow,
		RateLimitRequests: r.RateLimitRequests, RateLimitWindowSec: r.RateLimitWindowSec,
		BurstLimit: r.BurstLimit, BurstWindowSecs: r.BurstWindowSecs,
		DailyQuota: r.DailyQuota, MonthlyQuota: r.MonthlyQuota,
		DailyTokenBudget: r.DailyTokenBudget, MonthlyTokenBudget: r.MonthlyTokenBudget,
		CreatedAt: parseTS(r.CreatedAt),
	}
}

func (r sessionRow) toCore() core.ConnectSession {
	s := core.ConnectSession{
		Token: r.Token, PairingCode: r.PairingCode, PublicKey: r.PublicKey,
		AppMetadata: r.AppMetadata, RequestedPermissions: r.RequestedPermissions,
		RedirectURI: r.RedirectURI, Status: core.SessionStatus(r.Status),
		CreatedAt: parseTS(r.CreatedAt), ExpiresAt: parseTS(r.ExpiresAt),
	}
	if r.BoundAppID != nil {
		s.BoundAppID = *r.BoundAppID
	}
	return s
}

// ============================================================================
// APPS
// ============================================================================

func (sc *SupabaseRepository) FindApp(ctx context.Context, id string) (*core.App, error) {
	var rows []appRow
	_, err := sc.client.From("apps").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get app: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	app := rows[0].toCore()
	return &app, nil
}

func (sc *SupabaseRepository) ListApps(ctx context.Context, limit int) ([]core.App, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []appRow
	_, err := sc.client.From("apps").
		Select("*", "", false).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	out := make([]core.App, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCore())
	}
	return out, nil
}

func (sc *SupabaseRepository) SetAppStatus(ctx context.Context, id string, status core.AppStatus) error {
	var result []appRow
	_, err := sc.client.From("apps").
		Update(map[string]interface{}{"status": string(status)}, "", "").
		Eq("id", id).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// PERMISSIONS
// ============================================================================

func (sc *SupabaseRepository) FindPermission(ctx context.Context, appID, resourceID, action string) (*core.ResourcePermission, error) {
	var rows []permissionRow
	_, err := sc.client.From("resource_permissions").
		Select("*", "", false).
		Eq("app_id", appID).
		Eq("resource_id", resourceID).
		Eq("action", action).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	p := rows[0].toCore()
	return &p, nil
}

func (sc *SupabaseRepository) ListPermissions(ctx context.Context, appID string) ([]core.ResourcePermission, error) {
	var rows []permissionRow
	_, err := sc.client.From("resource_permissions").
		Select("*", "", false).
		Eq("app_id", appID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	out := make([]core.ResourcePermission, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCore())
	}
	return out, nil
}

func (sc *SupabaseRepository) SetPermissionStatus(ctx context.Context, id string, status core.PermissionStatus) error {
	var result []permissionRow
	_, err := sc.client.From("resource_permissions").
		Update(map[string]interface{}{"status": string(status)}, "", "").
		Eq("id", id).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// SECRETS
// ============================================================================

func (sc *SupabaseRepository) FindResourceSecret(ctx context.Context, resourceID string) (*core.ResourceSecret, error) {
	var rows []secretRow
	_, err := sc.client.From("resource_secrets").
		Select("*", "", false).
		Eq("resource_id", resourceID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource secret: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	row := rows[0]
	encKey, err := base64.StdEncoding.DecodeString(row.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(row.KeyIV)
	if err != nil {
		return nil, fmt.Errorf("decode key iv: %w", err)
	}
	return &core.ResourceSecret{
		ResourceID: row.ResourceID, Status: core.SecretStatus(row.Status),
		EncryptedKey: encKey, KeyIV: iv, Config: row.Config, CreatedAt: parseTS(row.CreatedAt),
	}, nil
}

func (sc *SupabaseRepository) UpsertResourceSecret(ctx context.Context, secret *core.ResourceSecret) error {
	row := secretRow{
		ResourceID:   secret.ResourceID,
		Status:       string(secret.Status),
		EncryptedKey: base64.StdEncoding.EncodeToString(secret.EncryptedKey),
		KeyIV:        base64.StdEncoding.EncodeToString(secret.KeyIV),
		Config:       secret.Config,
	}
	var result []secretRow
	_, err := sc.client.From("resource_secrets").
		Insert(row, true, "resource_id", "", "").
		ExecuteTo(&result)
	return err
}

// ============================================================================
// PAIRING CODES & SESSIONS
// ============================================================================

func (sc *SupabaseRepository) InsertPairingCode(ctx context.Context, code string, expiresAt time.Time) error {
	row := map[string]interface{}{
		"code":       code,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	}
	var result []map[string]interface{}
	_, err := sc.client.From("pairing_codes").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// ConsumePairingCode delegates to the consume_pairing_code SQL function
// so the read-check-mark sequence is a single server-side transaction.
func (sc *SupabaseRepository) ConsumePairingCode(ctx context.Context, code string, now time.Time) (ConsumeResult, error) {
	result := sc.client.Rpc("consume_pairing_code", "", map[string]interface{}{
		"p_code": code,
		"p_now":  now.UTC().Format(time.RFC3339),
	})
	switch strings.Trim(result, `"`) {
	case "ok":
		return ConsumeOK, nil
	case "expired":
		return ConsumeExpired, nil
	case "consumed":
		return ConsumeAlreadyUsed, nil
	case "not_found":
		return ConsumeNotFound, nil
	default:
		return ConsumeNotFound, fmt.Errorf("consume_pairing_code rpc returned %q", result)
	}
}

func (sc *SupabaseRepository) CreateConnectSession(ctx context.Context, session *core.ConnectSession) error {
	row := sessionRow{
		Token:                session.Token,
		PairingCode:          session.PairingCode,
		PublicKey:            session.PublicKey,
		AppMetadata:          session.AppMetadata,
		RequestedPermissions: session.RequestedPermissions,
		RedirectURI:          session.RedirectURI,
		Status:               string(session.Status),
		ExpiresAt:            session.ExpiresAt.UTC().Format(time.RFC3339),
	}
	var result []sessionRow
	_, err := sc.client.From("connect_sessions").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (sc *SupabaseRepository) FindConnectSession(ctx context.Context, token string) (*core.ConnectSession, error) {
	var rows []sessionRow
	_, err := sc.client.From("connect_sessions").
		Select("*", "", false).
		Eq("token", token).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get connect session: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	s := rows[0].toCore()
	return &s, nil
}

func (sc *SupabaseRepository) SetConnectSessionStatus(ctx context.Context, token string, status core.SessionStatus) error {
	var result []sessionRow
	_, err := sc.client.From("connect_sessions").
		Update(map[string]interface{}{"status": string(status)}, "", "").
		Eq("token", token).
		ExecuteTo(&result)
	return err
}

func (sc *SupabaseRepository) ListConnectSessions(ctx context.Context, status core.SessionStatus, limit int) ([]core.ConnectSession, error) {
	if limit <= 0 {
		limit = 100
	}
	query := sc.client.From("connect_sessions").
		Select("*", "", false).
		Limit(limit, "")
	if status != "" {
		query = query.Eq("status", string(status))
	}
	var rows []sessionRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]core.ConnectSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCore())
	}
	return out, nil
}

// ApproveSession delegates to the approve_connect_session SQL function,
// which inserts the app and permissions and flips the session in one
// transaction.
func (sc *SupabaseRepository) ApproveSession(ctx context.Context, token string, app *core.App, perms []core.ResourcePermission) error {
	appJSON, _ := json.Marshal(app)
	permsJSON, _ := json.Marshal(perms)
	result := sc.client.Rpc("approve_connect_session", "", map[string]interface{}{
		"p_token": token,
		"p_app":   json.RawMessage(appJSON),
		"p_perms": json.RawMessage(permsJSON),
	})
	switch strings.Trim(result, `"`) {
	case "ok":
		return nil
	case "not_found", "not_pending":
		return ErrNotFound
	default:
		return fmt.Errorf("approve_connect_session rpc returned %q", result)
	}
}

// ============================================================================
// REQUEST LOGS
// ============================================================================

func (sc *SupabaseRepository) AppendRequestLog(ctx context.Context, entry *core.RequestLog) error {
	row := logRow{
		ID: entry.ID, AppID: entry.AppID, ResourceID: entry.ResourceID,
		Action: entry.Action, Endpoint: entry.Endpoint, Method: entry.Method,
		Decision: string(entry.Decision), DecisionReason: entry.DecisionReason,
		LatencyMs: entry.LatencyMs, Model: entry.Model,
		TokensIn: entry.TokensIn, TokensOut: entry.TokensOut,
	}
	var result []logRow
	_, err := sc.client.From("request_logs").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

func (sc *SupabaseRepository) ListRequestLogs(ctx context.Context, filter LogFilter) ([]core.RequestLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := sc.client.From("request_logs").
		Select("*", "", false).
		Order("created_at", nil).
		Limit(limit, "")
	if filter.AppID != "" {
		query = query.Eq("app_id", filter.AppID)
	}
	if filter.ResourceID != "" {
		query = query.Eq("resource_id", filter.ResourceID)
	}
	if filter.Decision != "" {
		query = query.Eq("decision", filter.Decision)
	}
	if !filter.Since.IsZero() {
		query = query.Gte("created_at", filter.Since.UTC().Format(time.RFC3339))
	}
	var rows []logRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	out := make([]core.RequestLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, core.RequestLog{
			ID: r.ID, AppID: r.AppID, ResourceID: r.ResourceID, Action: r.Action,
			Endpoint: r.Endpoint, Method: r.Method, Decision: core.Decision(r.Decision),
			DecisionReason: r.DecisionReason, LatencyMs: r.LatencyMs, Model: r.Model,
			TokensIn: r.TokensIn, TokensOut: r.TokensOut, CreatedAt: parseTS(r.CreatedAt),
		})
	}
	return out, nil
}
