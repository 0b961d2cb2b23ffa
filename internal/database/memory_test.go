package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/gateway/internal/core"
)

func TestFindAppNotFound(t *testing.T) {
	m := NewMemoryRepository()
	_, err := m.FindApp(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.FindPermission(context.Background(), "a", "llm:groq", "chat.completions")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.FindResourceSecret(context.Background(), "llm:groq")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.FindConnectSession(context.Background(), "token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumePairingCodeSingleUseUnderContention(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, m.InsertPairingCode(ctx, "contended-code", now.Add(time.Minute)))

	const workers = 50
	var okCount int64
	var usedCount int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			result, err := m.ConsumePairingCode(ctx, "contended-code", now)
			require.NoError(t, err)
			switch result {
			case ConsumeOK:
				atomic.AddInt64(&okCount, 1)
			case ConsumeAlreadyUsed:
				atomic.AddInt64(&usedCount, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), okCount, "exactly one consumer wins")
	assert.Equal(t, int64(workers-1), usedCount)
}

func TestConsumePairingCodeOutcomes(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	result, err := m.ConsumePairingCode(ctx, "ghost", now)
	require.NoError(t, err)
	assert.Equal(t, ConsumeNotFound, result)

	require.NoError(t, m.InsertPairingCode(ctx, "stale", now.Add(-time.Minute)))
	result, err = m.ConsumePairingCode(ctx, "stale", now)
	require.NoError(t, err)
	assert.Equal(t, ConsumeExpired, result)
}

func TestApproveSessionAtomicity(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()

	session := &core.ConnectSession{
		Token:     "tok",
		Status:    core.SessionPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, m.CreateConnectSession(ctx, session))

	app := &core.App{ID: "app-1", Name: "A", Status: core.AppActive, CreatedAt: time.Now()}
	perms := []core.ResourcePermission{
		{ID: "p1", AppID: "app-1", ResourceID: "llm:groq", Action: "chat.completions", Status: core.PermissionActive},
		{ID: "p2", AppID: "app-1", ResourceID: "llm:gemini", Action: "chat.completions", Status: core.PermissionActive},
	}
	require.NoError(t, m.ApproveSession(ctx, "tok", app, perms))

	got, err := m.FindConnectSession(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, core.SessionApproved, got.Status)
	assert.Equal(t, "app-1", got.BoundAppID)

	stored, err := m.ListPermissions(ctx, "app-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// A decided session cannot be approved again.
	err = m.ApproveSession(ctx, "tok", &core.App{ID: "app-2"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	// The losing app never landed.
	_, err = m.FindApp(ctx, "app-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveSessionConcurrentDecision(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, m.CreateConnectSession(ctx, &core.ConnectSession{
		Token: "tok", Status: core.SessionPending,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))

	const workers = 20
	var wins int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			app := &core.App{ID: fmt.Sprintf("app-%d", n), Status: core.AppActive}
			if err := m.ApproveSession(ctx, "tok", app, nil); err == nil {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins, "exactly one approval commits")
}

func TestUpsertResourceSecretReplaces(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, m.UpsertResourceSecret(ctx, &core.ResourceSecret{
		ResourceID: "llm:groq", EncryptedKey: []byte("one"), KeyIV: []byte("iv1"), Status: core.SecretActive,
	}))
	require.NoError(t, m.UpsertResourceSecret(ctx, &core.ResourceSecret{
		ResourceID: "llm:groq", EncryptedKey: []byte("two"), KeyIV: []byte("iv2"), Status: core.SecretActive,
	}))

	got, err := m.FindResourceSecret(ctx, "llm:groq")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.EncryptedKey)
}

func TestListRequestLogsFiltering(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	entries := []core.RequestLog{
		{ID: "1", AppID: "a", ResourceID: "llm:groq", Decision: core.DecisionAllowed, CreatedAt: base},
		{ID: "2", AppID: "b", ResourceID: "llm:groq", Decision: core.DecisionDeniedRateLimit, CreatedAt: base.Add(time.Minute)},
		{ID: "3", AppID: "a", ResourceID: "llm:gemini", Decision: core.DecisionAllowed, CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range entries {
		require.NoError(t, m.AppendRequestLog(ctx, &entries[i]))
	}

	got, err := m.ListRequestLogs(ctx, LogFilter{AppID: "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].ID, "newest first")

	got, err = m.ListRequestLogs(ctx, LogFilter{Decision: string(core.DecisionDeniedRateLimit)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)

	got, err = m.ListRequestLogs(ctx, LogFilter{Since: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = m.ListRequestLogs(ctx, LogFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)
}

func TestListConnectSessionsByStatus(t *testing.T) {
	m := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now()

	for i, status := range []core.SessionStatus{core.SessionPending, core.SessionApproved, core.SessionPending} {
		require.NoError(t, m.CreateConnectSession(ctx, &core.ConnectSession{
			Token: fmt.Sprintf("t%d", i), Status: status, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	pending, err := m.ListConnectSessions(ctx, core.SessionPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := m.ListConnectSessions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "t0", all[0].Token, "oldest first")

	limited, err := m.ListConnectSessions(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
