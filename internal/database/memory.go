package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keyrelay/gateway/internal/core"
)

// MemoryRepository is the in-process implementation used by tests and
// single-node development. A single mutex gives every operation the
// serializable semantics the interface demands.
type MemoryRepository struct {
	mu           sync.Mutex
	apps         map[string]*core.App
	permissions  map[string]*core.ResourcePermission // id -> permission
	secrets      map[string]*core.ResourceSecret     // resourceID -> secret
	pairingCodes map[string]*core.PairingCode
	sessions     map[string]*core.ConnectSession
	logs         []core.RequestLog
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		apps:         make(map[string]*core.App),
		permissions:  make(map[string]*core.ResourcePermission),
		secrets:      make(map[string]*core.ResourceSecret),
		pairingCodes: make(map[string]*core.PairingCode),
		sessions:     make(map[string]*core.ConnectSession),
	}
}

func permKey(appID, resourceID, action string) string {
	return strings.Join([]string{appID, resourceID, action}, "|")
}

func (m *MemoryRepository) FindApp(_ context.Context, id string) (*core.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (m *MemoryRepository) ListApps(_ context.Context, limit int) ([]core.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.App, 0, len(m.apps))
	for _, app := range m.apps {
		out = append(out, *app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) SetAppStatus(_ context.Context, id string, status core.AppStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return ErrNotFound
	}
	app.Status = status
	return nil
}

func (m *MemoryRepository) FindPermission(_ context.Context, appID, resourceID, action string) (*core.ResourcePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permissions {
		if p.AppID == appID && p.ResourceID == resourceID && p.Action == action {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) ListPermissions(_ context.Context, appID string) ([]core.ResourcePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ResourcePermission
	for _, p := range m.permissions {
		if p.AppID == appID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) SetPermissionStatus(_ context.Context, id string, status core.PermissionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *MemoryRepository) FindResourceSecret(_ context.Context, resourceID string) (*core.ResourceSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) UpsertResourceSecret(_ context.Context, secret *core.ResourceSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *secret
	m.secrets[secret.ResourceID] = &cp
	return nil
}

func (m *MemoryRepository) InsertPairingCode(_ context.Context, code string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairingCodes[code] = &core.PairingCode{Code: code, ExpiresAt: expiresAt}
	return nil
}

func (m *MemoryRepository) ConsumePairingCode(_ context.Context, code string, now time.Time) (ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pairingCodes[code]
	if !ok {
		return ConsumeNotFound, nil
	}
	if pc.ConsumedAt != nil {
		return ConsumeAlreadyUsed, nil
	}
	if now.After(pc.ExpiresAt) {
		return ConsumeExpired, nil
	}
	consumed := now
	pc.ConsumedAt = &consumed
	return ConsumeOK, nil
}

func (m *MemoryRepository) CreateConnectSession(_ context.Context, session *core.ConnectSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *session
	m.sessions[session.Token] = &cp
	return nil
}

func (m *MemoryRepository) FindConnectSession(_ context.Context, token string) (*core.ConnectSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) SetConnectSessionStatus(_ context.Context, token string, status core.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *MemoryRepository) ListConnectSessions(_ context.Context, status core.SessionStatus, limit int) ([]core.ConnectSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.ConnectSession
	for _, s := range m.sessions {
		if status == "" || s.Status == status {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ApproveSession(_ context.Context, token string, app *core.App, perms []core.ResourcePermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	if session.Status != core.SessionPending {
		return ErrNotFound
	}

	// Commit under one lock: app, permissions and session flip land
	// together or not at all.
	appCopy := *app
	m.apps[app.ID] = &appCopy
	for i := range perms {
		p := perms[i]
		m.permissions[p.ID] = &p
	}
	session.Status = core.SessionApproved
	session.BoundAppID = app.ID
	return nil
}

func (m *MemoryRepository) AppendRequestLog(_ context.Context, entry *core.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *MemoryRepository) ListRequestLogs(_ context.Context, filter LogFilter) ([]core.RequestLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.RequestLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		entry := m.logs[i]
		if filter.AppID != "" && entry.AppID != filter.AppID {
			continue
		}
		if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Decision != "" && string(entry.Decision) != filter.Decision {
			continue
		}
		if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
