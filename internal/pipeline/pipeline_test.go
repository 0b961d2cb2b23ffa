package pipeline

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/gateway/internal/adapters"
	"github.com/keyrelay/gateway/internal/circuitbreaker"
	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/counter"
	"github.com/keyrelay/gateway/internal/database"
	"github.com/keyrelay/gateway/internal/pop"
	"github.com/keyrelay/gateway/internal/usage"
	"github.com/keyrelay/gateway/internal/vault"
)

// fakeAdapter validates with the shared chat helpers and returns a
// canned response, recording what execute received.
type fakeAdapter struct {
	execErr    *core.GatewayError
	lastSecret string
	lastShaped []byte
	calls      int
}

func (f *fakeAdapter) ResourceType() string                { return "llm" }
func (f *fakeAdapter) Provider() string                    { return "fake" }
func (f *fakeAdapter) SupportedActions() []string          { return []string{"chat.completions"} }
func (f *fakeAdapter) CredentialSchema() map[string]string { return nil }

func (f *fakeAdapter) ValidateAndShape(action string, input []byte, constraints json.RawMessage) (*adapters.ValidationResult, *core.GatewayError) {
	if action != "chat.completions" {
		return nil, adapters.UnsupportedAction(adapters.ID(f), action)
	}
	req, gerr := adapters.ParseChatRequest(input)
	if gerr != nil {
		return nil, gerr
	}
	return adapters.ShapeChat(req, constraints, 4096)
}

func (f *fakeAdapter) Execute(_ context.Context, _ string, shaped []byte, ec adapters.ExecContext, _ adapters.ExecOptions) (*adapters.ExecResult, *core.GatewayError) {
	f.calls++
	f.lastSecret = ec.Secret
	f.lastShaped = shaped
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &adapters.ExecResult{
		Body:        []byte(`{"model":"fake-1","choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`),
		ContentType: "application/json",
	}, nil
}

func (f *fakeAdapter) ExtractUsage(response []byte) core.Usage {
	return adapters.ExtractChatUsage(response)
}

type fixture struct {
	gateway *Gateway
	repo    *database.MemoryRepository
	adapter *fakeAdapter
	appID   string
	priv    ed25519.PrivateKey
	perm    *core.ResourcePermission
}

// newFixture builds a gateway over the in-memory stores with one active
// app and one active permission. permMutators adjust the permission
// before it lands.
func newFixture(t *testing.T, permMutators ...func(*core.ResourcePermission)) *fixture {
	t.Helper()

	repo := database.NewMemoryRepository()
	registry := adapters.NewRegistry()
	fake := &fakeAdapter{}
	require.NoError(t, registry.Register(fake))

	v, err := vault.New("pipeline-test-master")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	counters := counter.NewMemoryStore()
	recorder := usage.NewRecorder(repo, counters, nil, nil, logger)

	gw := New(Config{
		Repo:     repo,
		Nonces:   pop.NewMemoryNonceStore(),
		Counters: counters,
		Registry: registry,
		Vault:    v,
		Breakers: circuitbreaker.NewManager(circuitbreaker.DefaultSettings(), logger),
		Recorder: recorder,
		Logger:   logger,
	})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ctx := context.Background()
	app := &core.App{
		ID:        "app-1",
		Name:      "Fixture",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Status:    core.AppActive,
		CreatedAt: time.Now(),
	}
	perm := core.ResourcePermission{
		ID: "perm-1", AppID: app.ID, ResourceID: "llm:fake",
		Action: "chat.completions", Status: core.PermissionActive, CreatedAt: time.Now(),
	}
	for _, mutate := range permMutators {
		mutate(&perm)
	}
	session := &core.ConnectSession{
		Token: "fixture-session", Status: core.SessionPending,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, repo.CreateConnectSession(ctx, session))
	require.NoError(t, repo.ApproveSession(ctx, session.Token, app, []core.ResourcePermission{perm}))

	ciphertext, iv, err := v.Encrypt([]byte("sk-upstream-secret"))
	require.NoError(t, err)
	require.NoError(t, repo.UpsertResourceSecret(ctx, &core.ResourceSecret{
		ResourceID: "llm:fake", Status: core.SecretActive,
		EncryptedKey: ciphertext, KeyIV: iv, CreatedAt: time.Now(),
	}))

	return &fixture{gateway: gw, repo: repo, adapter: fake, appID: app.ID, priv: priv, perm: &perm}
}

var nonceCounter int64

func freshNonce() string {
	nonceCounter++
	return "test-nonce-" + strconv.FormatInt(time.Now().UnixNano()+nonceCounter, 36) + "-pad"
}

type signOpts struct {
	ts    int64
	nonce string
	sig   []byte
}

func (fx *fixture) signedRequest(body []byte, opts *signOpts) *Request {
	path := "/r/llm/fake/v1/chat/completions"
	ts := time.Now().Unix()
	nonce := freshNonce()
	if opts != nil && opts.ts != 0 {
		ts = opts.ts
	}
	if opts != nil && opts.nonce != "" {
		nonce = opts.nonce
	}

	canonical := pop.BuildCanonical(http.MethodPost, path, fx.appID, ts, nonce, pop.HashBody(body))
	sig := ed25519.Sign(fx.priv, []byte(canonical))
	if opts != nil && opts.sig != nil {
		sig = opts.sig
	}

	h := http.Header{}
	h.Set(pop.HeaderVersion, "1")
	h.Set(pop.HeaderAppID, fx.appID)
	h.Set(pop.HeaderTS, strconv.FormatInt(ts, 10))
	h.Set(pop.HeaderNonce, nonce)
	h.Set(pop.HeaderSig, base64.StdEncoding.EncodeToString(sig))

	return &Request{
		Method:        http.MethodPost,
		PathWithQuery: path,
		ResourceID:    "llm:fake",
		Action:        "chat.completions",
		Header:        h,
		Body:          body,
	}
}

var chatBody = []byte(`{"model":"fake-1","messages":[{"role":"user","content":"hi"}]}`)

func waitForLogs(t *testing.T, repo *database.MemoryRepository, want int) []core.RequestLog {
	t.Helper()
	var logs []core.RequestLog
	require.Eventually(t, func() bool {
		got, err := repo.ListRequestLogs(context.Background(), database.LogFilter{})
		if err != nil || len(got) != want {
			return false
		}
		logs = got
		return true
	}, 2*time.Second, 10*time.Millisecond, "expected %d request logs", want)
	return logs
}

func TestHandleAllowed(t *testing.T) {
	fx := newFixture(t)

	res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
	require.Nil(t, res.Err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, string(res.Body), `"ok"`)
	assert.Equal(t, "sk-upstream-secret", fx.adapter.lastSecret, "decrypted credential reaches the adapter")
	require.NotNil(t, res.Rate)
	assert.True(t, res.Rate.Allowed)

	logs := waitForLogs(t, fx.repo, 1)
	assert.Equal(t, core.DecisionAllowed, logs[0].Decision)
	assert.Equal(t, fx.appID, logs[0].AppID)
	assert.Equal(t, int64(2), logs[0].TokensIn)
	assert.Equal(t, int64(3), logs[0].TokensOut)
}

func TestHandleReplayDenied(t *testing.T) {
	fx := newFixture(t)
	nonce := freshNonce()

	res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, &signOpts{nonce: nonce}))
	require.Nil(t, res.Err)

	res = fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, &signOpts{nonce: nonce}))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrInvalidNonce, res.Err.Code)

	logs := waitForLogs(t, fx.repo, 2)
	decisions := map[core.Decision]int{}
	for _, entry := range logs {
		decisions[entry.Decision]++
	}
	assert.Equal(t, 1, decisions[core.DecisionAllowed])
	assert.Equal(t, 1, decisions[core.DecisionDeniedAuth])
}

func TestHandleSkewDenied(t *testing.T) {
	fx := newFixture(t)

	res := fx.gateway.Handle(context.Background(),
		fx.signedRequest(chatBody, &signOpts{ts: time.Now().Add(-10 * time.Minute).Unix()}))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrExpiredTimestamp, res.Err.Code)
	assert.Zero(t, fx.adapter.calls)
}

func TestHandleBadSignatureDoesNotBurnNonce(t *testing.T) {
	fx := newFixture(t)
	nonce := freshNonce()

	res := fx.gateway.Handle(context.Background(),
		fx.signedRequest(chatBody, &signOpts{nonce: nonce, sig: make([]byte, ed25519.SignatureSize)}))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrInvalidSignature, res.Err.Code)

	// The forged attempt must not have reserved the nonce.
	res = fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, &signOpts{nonce: nonce}))
	assert.Nil(t, res.Err)
}

func TestHandleTamperedBodyDenied(t *testing.T) {
	fx := newFixture(t)

	req := fx.signedRequest(chatBody, nil)
	req.Body = []byte(`{"model":"fake-1","messages":[{"role":"user","content":"tampered"}]}`)

	res := fx.gateway.Handle(context.Background(), req)
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrInvalidSignature, res.Err.Code)
}

func TestHandleUnknownApp(t *testing.T) {
	fx := newFixture(t)

	req := fx.signedRequest(chatBody, nil)
	req.Header.Set(pop.HeaderAppID, "ghost")

	res := fx.gateway.Handle(context.Background(), req)
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrAppNotFound, res.Err.Code)
}

func TestHandleSuspendedApp(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.repo.SetAppStatus(context.Background(), fx.appID, core.AppSuspended))

	res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrAppDisabled, res.Err.Code)
}

func TestHandleRevokedPermission(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.repo.SetPermissionStatus(context.Background(), fx.perm.ID, core.PermissionRevoked))

	res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrPermissionDenied, res.Err.Code)
	assert.Zero(t, fx.adapter.calls)
}

func TestHandleUnknownResource(t *testing.T) {
	fx := newFixture(t)

	req := fx.signedRequest(chatBody, nil)
	req.ResourceID = "llm:nope"
	res := fx.gateway.Handle(context.Background(), req)
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrUnknownResource, res.Err.Code)

	req = fx.signedRequest(chatBody, nil)
	req.ResourceID = "malformed"
	res = fx.gateway.Handle(context.Background(), req)
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrInvalidRequest, res.Err.Code)
}

func TestHandleEnforcementDenied(t *testing.T) {
	fx := newFixture(t, func(p *core.ResourcePermission) {
		p.Constraints = json.RawMessage(`{"maxOutputTokens":100}`)
	})

	body := []byte(`{"model":"fake-1","messages":[{"role":"user","content":"hi"}],"max_tokens":500}`)
	res := fx.gateway.Handle(context.Background(), fx.signedRequest(body, nil))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrMaxTokensExceeded, res.Err.Code)
	assert.Zero(t, fx.adapter.calls, "denied requests never reach the upstream")
}

func TestHandleDisabledSecret(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.repo.UpsertResourceSecret(context.Background(), &core.ResourceSecret{
		ResourceID: "llm:fake", Status: core.SecretDisabled,
	}))

	res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrResourceNotConfigured, res.Err.Code)
}

func TestHandleDailyBudgetExhausted(t *testing.T) {
	quota := int64(2)
	fx := newFixture(t, func(p *core.ResourcePermission) { p.DailyQuota = &quota })

	for i := 0; i < 2; i++ {
		res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
		require.Nil(t, res.Err)
	}

	res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrBudgetExceeded, res.Err.Code)
	assert.True(t, res.Err.Retryable)
	assert.Equal(t, "DAILY", res.Err.Details["period"])
	assert.NotEmpty(t, res.Err.Details["resetAt"])
}

func TestHandlePermissionRateLimit(t *testing.T) {
	limit := 2
	windowSec := 60
	fx := newFixture(t, func(p *core.ResourcePermission) {
		p.RateLimitRequests = &limit
		p.RateLimitWindowSec = &windowSec
	})

	for i := 0; i < 2; i++ {
		res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
		require.Nil(t, res.Err)
	}

	res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrRateLimitExceeded, res.Err.Code)
	require.NotNil(t, res.Rate, "denials carry the rate state for headers")
	assert.False(t, res.Rate.Allowed)
}

func TestHandleBreakerOpens(t *testing.T) {
	fx := newFixture(t)
	fx.adapter.execErr = &core.GatewayError{
		Code: core.ErrUpstreamError, Message: "upstream down",
		Status: http.StatusBadGateway, Retryable: true,
	}

	settings := circuitbreaker.DefaultSettings()
	for i := 0; i < int(settings.FailureThreshold); i++ {
		res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
		require.NotNil(t, res.Err)
		assert.Equal(t, core.ErrUpstreamError, res.Err.Code)
	}
	callsBefore := fx.adapter.calls

	res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
	require.NotNil(t, res.Err)
	assert.Equal(t, core.ErrUpstreamError, res.Err.Code)
	assert.Equal(t, "open", res.Err.Details["circuit"])
	assert.Equal(t, callsBefore, fx.adapter.calls, "open breaker short-circuits the upstream call")
}

func TestHandleUpstream429DoesNotTrip(t *testing.T) {
	fx := newFixture(t)
	fx.adapter.execErr = adapters.MapUpstreamStatus(http.StatusTooManyRequests, "")

	settings := circuitbreaker.DefaultSettings()
	for i := 0; i < int(settings.FailureThreshold)+2; i++ {
		res := fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
		require.NotNil(t, res.Err)
		_, isOpen := res.Err.Details["circuit"]
		assert.False(t, isOpen, "4xx upstream failures must not open the breaker")
	}
}

func TestHandleWritesOneLogPerAttempt(t *testing.T) {
	fx := newFixture(t)

	fx.gateway.Handle(context.Background(), fx.signedRequest(chatBody, nil))
	req := fx.signedRequest(chatBody, nil)
	req.Header.Del(pop.HeaderSig)
	fx.gateway.Handle(context.Background(), req)

	logs := waitForLogs(t, fx.repo, 2)
	decisions := map[core.Decision]bool{}
	for _, entry := range logs {
		decisions[entry.Decision] = true
	}
	assert.True(t, decisions[core.DecisionAllowed])
	assert.True(t, decisions[core.DecisionDeniedAuth])
}
