package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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
	"github.com/keyrelay/gateway/internal/events"
	"github.com/keyrelay/gateway/internal/pairing"
	"github.com/keyrelay/gateway/internal/pipeline"
	"github.com/keyrelay/gateway/internal/pop"
	"github.com/keyrelay/gateway/internal/usage"
	"github.com/keyrelay/gateway/internal/vault"
	"github.com/keyrelay/gateway/internal/webhooks"
)

const testAdminToken = "test-admin-token"

// echoAdapter answers chat.completions with a canned body so the HTTP
// surface can be exercised without a network upstream.
type echoAdapter struct{}

func (echoAdapter) ResourceType() string                { return "llm" }
func (echoAdapter) Provider() string                    { return "echo" }
func (echoAdapter) SupportedActions() []string          { return []string{"chat.completions"} }
func (echoAdapter) SupportedConstraints() []string      { return adapters.ChatConstraints }
func (echoAdapter) CredentialSchema() map[string]string { return nil }
func (echoAdapter) ExtractUsage(body []byte) core.Usage { return adapters.ExtractChatUsage(body) }

func (e echoAdapter) ValidateAndShape(action string, input []byte, constraints json.RawMessage) (*adapters.ValidationResult, *core.GatewayError) {
	if action != "chat.completions" {
		return nil, adapters.UnsupportedAction(adapters.ID(e), action)
	}
	req, gerr := adapters.ParseChatRequest(input)
	if gerr != nil {
		return nil, gerr
	}
	return adapters.ShapeChat(req, constraints, 4096)
}

func (echoAdapter) Execute(context.Context, string, []byte, adapters.ExecContext, adapters.ExecOptions) (*adapters.ExecResult, *core.GatewayError) {
	return &adapters.ExecResult{
		Body:        []byte(`{"model":"echo-1","choices":[{"message":{"role":"assistant","content":"pong"}}]}`),
		ContentType: "application/json",
	}, nil
}

type testServer struct {
	router http.Handler
	repo   *database.MemoryRepository
	vault  *vault.Vault
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := database.NewMemoryRepository()
	registry := adapters.NewRegistry()
	require.NoError(t, registry.Register(echoAdapter{}))

	v, err := vault.New("api-test-master")
	require.NoError(t, err)

	counters := counter.NewMemoryStore()
	bus := events.NewMemoryBus(logger)
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultSettings(), logger)
	recorder := usage.NewRecorder(repo, counters, bus, nil, logger)

	gw := pipeline.New(pipeline.Config{
		Repo:     repo,
		Nonces:   pop.NewMemoryNonceStore(),
		Counters: counters,
		Registry: registry,
		Vault:    v,
		Breakers: breakers,
		Recorder: recorder,
		Logger:   logger,
	})

	srv := NewServer(Config{
		Gateway:    gw,
		Pairing:    pairing.NewService(repo, registry, logger),
		Registry:   registry,
		Repo:       repo,
		Vault:      v,
		Bus:        bus,
		Breakers:   breakers,
		Hooks:      webhooks.NewRegistry(),
		Logger:     logger,
		AdminToken: testAdminToken,
	})

	return &testServer{router: srv.Router(), repo: repo, vault: v}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) adminReq(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("x-admin-token", testAdminToken)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestDiscovery(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest("GET", "/.well-known/resources", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Gateway struct {
			Version string `json:"version"`
			Name    string `json:"name"`
		} `json:"gateway"`
		Resources []adapters.Info `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, Version, out.Gateway.Version)
	assert.NotEmpty(t, out.Gateway.Name)
	require.Len(t, out.Resources, 1)

	res := out.Resources[0]
	assert.Equal(t, "llm:echo", res.ResourceID)
	assert.Contains(t, res.Actions, "chat.completions")
	assert.Equal(t, 1, res.Auth.Pop.Version)
	assert.ElementsMatch(t,
		[]string{"allowedModels", "maxOutputTokens", "allowTools", "allowStreaming"},
		res.Constraints.Supports)
}

func TestAdminAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest("GET", "/api/admin/apps", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/api/admin/apps", nil)
	req.Header.Set("x-admin-token", "wrong")
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(ts.adminReq("GET", "/api/admin/apps", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConnectFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	// Admin mints a pairing code.
	rec := ts.do(ts.adminReq("POST", "/api/admin/pairing-codes", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := decodeBody(t, rec)
	code, _ := issued["code"].(string)
	require.NotEmpty(t, code)
	pairingString, _ := issued["pairingString"].(string)
	parsed, gerr := pairing.ParsePairingString(pairingString)
	require.Nil(t, gerr)
	assert.Equal(t, code, parsed.Code)

	// The app prepares a session with the code.
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	prepare, err := json.Marshal(map[string]interface{}{
		"connectCode": code,
		"publicKey":   base64.StdEncoding.EncodeToString(pub),
		"appMetadata": map[string]string{"name": "HTTP Test App"},
		"requestedPermissions": []map[string]interface{}{
			{"resourceId": "llm:echo", "actions": []string{"chat.completions"}},
		},
		"redirectUri": "https://app.example.com/cb",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/connect/prepare", bytes.NewReader(prepare))
	req.Header.Set("Content-Type", "application/json")
	rec = ts.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	prepared := decodeBody(t, rec)
	token, _ := prepared["sessionToken"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "PENDING", prepared["status"])
	approvalURL, _ := prepared["approvalUrl"].(string)
	assert.Contains(t, approvalURL, "://")
	assert.Contains(t, approvalURL, "/connect/approve?session="+token)

	// Polling sees PENDING before the decision.
	rec = ts.do(httptest.NewRequest("GET", "/api/connect/session/"+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", decodeBody(t, rec)["status"])

	// Admin approves.
	rec = ts.do(ts.adminReq("POST", "/api/admin/sessions/"+token+"/approve", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decodeBody(t, rec)
	appID, _ := approved["appId"].(string)
	require.NotEmpty(t, appID)
	assert.Contains(t, approved["redirectUrl"], "status=approved")

	// Polling now reports APPROVED with the app id.
	rec = ts.do(httptest.NewRequest("GET", "/api/connect/session/"+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "APPROVED", status["status"])
	assert.Equal(t, appID, status["appId"])
}

func TestPutSecretAndProxyRoundtrip(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	// Store the upstream credential through the admin surface.
	secretBody, _ := json.Marshal(map[string]string{"apiKey": "sk-echo"})
	rec := ts.do(ts.adminReq("PUT", "/api/admin/resources/llm/echo/secret", secretBody))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := ts.repo.FindResourceSecret(ctx, "llm:echo")
	require.NoError(t, err)
	plaintext, err := ts.vault.Decrypt(stored.EncryptedKey, stored.KeyIV)
	require.NoError(t, err)
	assert.Equal(t, "sk-echo", string(plaintext))

	// Bind an app directly so the proxy path can be exercised.
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	session := &core.ConnectSession{
		Token: "s", Status: core.SessionPending,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, ts.repo.CreateConnectSession(ctx, session))
	app := &core.App{
		ID: "app-http", Name: "HTTP", Status: core.AppActive,
		PublicKey: base64.StdEncoding.EncodeToString(pub), CreatedAt: time.Now(),
	}
	require.NoError(t, ts.repo.ApproveSession(ctx, "s", app, []core.ResourcePermission{{
		ID: "p", AppID: app.ID, ResourceID: "llm:echo",
		Action: "chat.completions", Status: core.PermissionActive,
	}}))

	body := []byte(`{"model":"echo-1","messages":[{"role":"user","content":"ping"}]}`)
	path := "/r/llm/echo/v1/chat/completions"
	ts0 := time.Now().Unix()
	nonce := "http-test-nonce-0001"
	canonical := pop.BuildCanonical("POST", path, app.ID, ts0, nonce, pop.HashBody(body))

	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set(pop.HeaderVersion, "1")
	req.Header.Set(pop.HeaderAppID, app.ID)
	req.Header.Set(pop.HeaderTS, strconv.FormatInt(ts0, 10))
	req.Header.Set(pop.HeaderNonce, nonce)
	req.Header.Set(pop.HeaderSig, base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(canonical))))

	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "pong")
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestProxyErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"x"}]}`)
	req := httptest.NewRequest("POST", "/r/llm/echo/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("X-Request-ID", "trace-me")

	rec := ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var out struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ERR_MISSING_AUTH", out.Error.Code)
	assert.Equal(t, "trace-me", out.Error.RequestID)
	assert.NotEmpty(t, out.Error.Message)
}

func TestProxyUnknownEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest("POST", "/r/llm/echo/v1/embeddings", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_UNSUPPORTED_ACTION")
}

func TestHeaderAddressedProxyRequiresResource(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_RESOURCE_REQUIRED")
}

func TestUsageSummary(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	now := time.Now()
	entries := []core.RequestLog{
		{ID: "1", AppID: "app-1", ResourceID: "llm:echo", Decision: core.DecisionAllowed,
			TokensIn: 10, TokensOut: 20, CreatedAt: now},
		{ID: "2", AppID: "app-1", ResourceID: "llm:echo", Decision: core.DecisionDeniedRateLimit,
			CreatedAt: now},
		{ID: "3", AppID: "app-2", ResourceID: "llm:groq", Decision: core.DecisionError,
			CreatedAt: now},
	}
	for i := range entries {
		require.NoError(t, ts.repo.AppendRequestLog(ctx, &entries[i]))
	}

	rec := ts.do(ts.adminReq("GET", "/api/admin/usage", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Total      usageBucket            `json:"total"`
		ByResource map[string]usageBucket `json:"byResource"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(3), out.Total.Requests)
	assert.Equal(t, int64(1), out.Total.Allowed)
	assert.Equal(t, int64(1), out.Total.Denied)
	assert.Equal(t, int64(1), out.Total.Errors)
	assert.Equal(t, int64(10), out.Total.TokensIn)
	assert.Equal(t, int64(20), out.Total.TokensOut)
	require.Contains(t, out.ByResource, "llm:echo")
	assert.Equal(t, int64(2), out.ByResource["llm:echo"].Requests)

	// The appId filter narrows the aggregation.
	rec = ts.do(ts.adminReq("GET", "/api/admin/usage?appId=app-2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out.ByResource = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(1), out.Total.Requests)
	assert.NotContains(t, out.ByResource, "llm:echo")
}

func TestPutSecretUnknownResource(t *testing.T) {
	ts := newTestServer(t)
	secretBody, _ := json.Marshal(map[string]string{"apiKey": "sk"})
	rec := ts.do(ts.adminReq("PUT", "/api/admin/resources/llm/nope/secret", secretBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_UNKNOWN_RESOURCE")
}
