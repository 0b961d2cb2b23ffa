package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/keyrelay/gateway/internal/core"
)

// PostgresRepository implements Repository over database/sql with the pq
// driver. ConsumePairingCode and ApproveSession run inside SERIALIZABLE
// transactions, which is what gives the pairing flow its single-use and
// all-or-nothing guarantees under concurrency.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens the connection and verifies it.
func NewPostgresRepository(connStr string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error { return r.db.Close() }

func (r *PostgresRepository) FindApp(ctx context.Context, id string) (*core.App, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description,''), COALESCE(homepage,''), public_key, status, created_at
		FROM apps WHERE id = $1`, id)

	var app core.App
	err := row.Scan(&app.ID, &app.Name, &app.Description, &app.Homepage, &app.PublicKey, &app.Status, &app.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find app: %w", err)
	}
	return &app, nil
}

func (r *PostgresRepository) ListApps(ctx context.Context, limit int) ([]core.App, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description,''), COALESCE(homepage,''), public_key, status, created_at
		FROM apps ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var out []core.App
	for rows.Next() {
		var app core.App
		if err := rows.Scan(&app.ID, &app.Name, &app.Description, &app.Homepage, &app.PublicKey, &app.Status, &app.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetAppStatus(ctx context.Context, id string, status core.AppStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE apps SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set app status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPermission(scan func(dest ...interface{}) error) (*core.ResourcePermission, error) {
	var p core.ResourcePermission
	var constraints []byte
	var window []byte
	err := scan(&p.ID, &p.AppID, &p.ResourceID, &p.Action, &p.Status, &constraints,
		&p.ValidFrom, &p.ExpiresAt, &window,
		&p.RateLimitRequests, &p.RateLimitWindowSec, &p.BurstLimit, &p.BurstWindowSecs,
		&p.DailyQuota, &p.MonthlyQuota, &p.DailyTokenBudget, &p.MonthlyTokenBudget, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(constraints) > 0 {
		p.Constraints = json.RawMessage(constraints)
	}
	if len(window) > 0 {
		var tw core.TimeWindow
		if err := json.Unmarshal(window, &tw); err == nil {
			p.TimeWindow = &tw
		}
	}
	return &p, nil
}

const permissionColumns = `id, app_id, resource_id, action, status, constraints,
	valid_from, expires_at, time_window,
	rate_limit_requests, rate_limit_window_secs, burst_limit, burst_window_secs,
	daily_quota, monthly_quota, daily_token_budget, monthly_token_budget, created_at`

func (r *PostgresRepository) FindPermission(ctx context.Context, appID, resourceID, action string) (*core.ResourcePermission, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM resource_permissions
		WHERE app_id = $1 AND resource_id = $2 AND action = $3`, appID, resourceID, action)
	p, err := scanPermission(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find permission: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) ListPermissions(ctx context.Context, appID string) ([]core.ResourcePermission, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+permissionColumns+` FROM resource_permissions WHERE app_id = $1 ORDER BY id`, appID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var out []core.ResourcePermission
	for rows.Next() {
		p, err := scanPermission(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetPermissionStatus(ctx context.Context, id string, status core.PermissionStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE resource_permissions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set permission status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) FindResourceSecret(ctx context.Context, resourceID string) (*core.ResourceSecret, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT resource_id, status, encrypted_key, key_iv, config, created_at
		FROM resource_secrets WHERE resource_id = $1`, resourceID)

	var s core.ResourceSecret
	var config []byte
	err := row.Scan(&s.ResourceID, &s.Status, &s.EncryptedKey, &s.KeyIV, &config, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find resource secret: %w", err)
	}
	if len(config) > 0 {
		s.Config = json.RawMessage(config)
	}
	return &s, nil
}

func (r *PostgresRepository) UpsertResourceSecret(ctx context.Context, secret *core.ResourceSecret) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resource_secrets (resource_id, status, encrypted_key, key_iv, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_id) DO UPDATE
		SET status = EXCLUDED.status, encrypted_key = EXCLUDED.encrypted_key,
		    key_iv = EXCLUDED.key_iv, config = EXCLUDED.config`,
		secret.ResourceID, secret.Status, secret.EncryptedKey, secret.KeyIV,
		[]byte(secret.Config), secret.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert resource secret: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertPairingCode(ctx context.Context, code string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pairing_codes (code, expires_at) VALUES ($1, $2)`, code, expiresAt)
	if err != nil {
		return fmt.Errorf("insert pairing code: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ConsumePairingCode(ctx context.Context, code string, now time.Time) (ConsumeResult, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback()

	var expiresAt time.Time
	var consumedAt *time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT expires_at, consumed_at FROM pairing_codes WHERE code = $1 FOR UPDATE`, code).
		Scan(&expiresAt, &consumedAt)
	if err == sql.ErrNoRows {
		return ConsumeNotFound, nil
	}
	if err != nil {
		return ConsumeNotFound, fmt.Errorf("lock pairing code: %w", err)
	}
	if consumedAt != nil {
		return ConsumeAlreadyUsed, nil
	}
	if now.After(expiresAt) {
		return ConsumeExpired, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pairing_codes SET consumed_at = $2 WHERE code = $1`, code, now); err != nil {
		return ConsumeNotFound, fmt.Errorf("consume pairing code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ConsumeNotFound, fmt.Errorf("commit consume: %w", err)
	}
	return ConsumeOK, nil
}

func (r *PostgresRepository) CreateConnectSession(ctx context.Context, session *core.ConnectSession) error {
	meta, _ := json.Marshal(session.AppMetadata)
	perms, _ := json.Marshal(session.RequestedPermissions)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connect_sessions
			(token, pairing_code, public_key, app_metadata, requested_permissions,
			 redirect_uri, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		session.Token, session.PairingCode, session.PublicKey, meta, perms,
		session.RedirectURI, session.Status, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create connect session: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...interface{}) error) (*core.ConnectSession, error) {
	var s core.ConnectSession
	var meta, perms []byte
	var boundAppID sql.NullString
	err := scan(&s.Token, &s.PairingCode, &s.PublicKey, &meta, &perms,
		&s.RedirectURI, &s.Status, &boundAppID, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(meta, &s.AppMetadata)
	_ = json.Unmarshal(perms, &s.RequestedPermissions)
	if boundAppID.Valid {
		s.BoundAppID = boundAppID.String
	}
	return &s, nil
}

const sessionColumns = `token, pairing_code, public_key, app_metadata, requested_permissions,
	redirect_uri, status, bound_app_id, created_at, expires_at`

func (r *PostgresRepository) FindConnectSession(ctx context.Context, token string) (*core.ConnectSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM connect_sessions WHERE token = $1`, token)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find connect session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) SetConnectSessionStatus(ctx context.Context, token string, status core.SessionStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connect_sessions SET status = $2 WHERE token = $1`, token, status)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListConnectSessions(ctx context.Context, status core.SessionStatus, limit int) ([]core.ConnectSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM connect_sessions
		WHERE ($1 = '' OR status = $1) ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []core.ConnectSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ApproveSession(ctx context.Context, token string, app *core.App, perms []core.ResourcePermission) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback()

	var status core.SessionStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM connect_sessions WHERE token = $1 FOR UPDATE`, token).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	if status != core.SessionPending {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO apps (id, name, description, homepage, public_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app.ID, app.Name, app.Description, app.Homepage, app.PublicKey, app.Status, app.CreatedAt); err != nil {
		return fmt.Errorf("insert app: %w", err)
	}

	for _, p := range perms {
		var window []byte
		if p.TimeWindow != nil {
			window, _ = json.Marshal(p.TimeWindow)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resource_permissions
				(`+permissionColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			p.ID, p.AppID, p.ResourceID, p.Action, p.Status, []byte(p.Constraints),
			p.ValidFrom, p.ExpiresAt, window,
			p.RateLimitRequests, p.RateLimitWindowSec, p.BurstLimit, p.BurstWindowSecs,
			p.DailyQuota, p.MonthlyQuota, p.DailyTokenBudget, p.MonthlyTokenBudget, p.CreatedAt); err != nil {
			return fmt.Errorf("insert permission: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE connect_sessions SET status = $2, bound_app_id = $3 WHERE token = $1`,
		token, core.SessionApproved, app.ID); err != nil {
		return fmt.Errorf("bind session: %w", err)
	}

	return tx.Commit()
}

func (r *PostgresRepository) AppendRequestLog(ctx context.Context, entry *core.RequestLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO request_logs
			(id, app_id, resource_id, action, endpoint, method, decision,
			 decision_reason, latency_ms, model, tokens_in, tokens_out, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		entry.ID, entry.AppID, entry.ResourceID, entry.Action, entry.Endpoint, entry.Method,
		entry.Decision, entry.DecisionReason, entry.LatencyMs, entry.Model,
		entry.TokensIn, entry.TokensOut, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListRequestLogs(ctx context.Context, filter LogFilter) ([]core.RequestLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(app_id,''), resource_id, action, endpoint, method, decision,
		       COALESCE(decision_reason,''), latency_ms, COALESCE(model,''),
		       tokens_in, tokens_out, created_at
		FROM request_logs
		WHERE ($1 = '' OR app_id = $1)
		  AND ($2 = '' OR resource_id = $2)
		  AND ($3 = '' OR decision = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		ORDER BY created_at DESC LIMIT $5`,
		filter.AppID, filter.ResourceID, filter.Decision, nullTime(filter.Since), limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var out []core.RequestLog
	for rows.Next() {
		var e core.RequestLog
		if err := rows.Scan(&e.ID, &e.AppID, &e.ResourceID, &e.Action, &e.Endpoint, &e.Method,
			&e.Decision, &e.DecisionReason, &e.LatencyMs, &e.Model,
			&e.TokensIn, &e.TokensOut, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
