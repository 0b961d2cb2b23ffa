// Package sdk is the Go client for apps talking to a gateway: pairing
// string handling, the connect handshake and request signing.
package sdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PoP v1 header names, mirroring the gateway side.
const (
	headerVersion = "x-pop-v"
	headerAppID   = "x-app-id"
	headerTS      = "x-ts"
	headerNonce   = "x-nonce"
	headerSig     = "x-sig"
)

// GenerateKeypair creates a fresh Ed25519 keypair. The public key is
// returned base64-encoded, ready for the prepare call.
func GenerateKeypair() (publicKey string, privateKey ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), priv, nil
}

// ParsePairingString splits "pair::<proxyUrl>::<code>".
func ParsePairingString(s string) (proxyURL, code string, err error) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 || parts[0] != "pair" {
		return "", "", fmt.Errorf("pairing string must be pair::<proxyUrl>::<code>")
	}
	u, err := url.Parse(parts[1])
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("proxy url %q must be absolute http(s)", parts[1])
	}
	if len(parts[2]) < 16 {
		return "", "", fmt.Errorf("connect code too short")
	}
	return parts[1], parts[2], nil
}

// Client signs data-plane requests against one gateway.
type Client struct {
	baseURL string
	appID   string
	key     ed25519.PrivateKey
	http    *http.Client
}

// NewClient creates a signing client. appID is assigned at approval.
func NewClient(baseURL, appID string, key ed25519.PrivateKey) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		appID:   appID,
		key:     key,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// canonical builds the v1 signing string.
func canonical(method, pathWithQuery, appID string, ts int64, nonce, bodyHash string) string {
	return fmt.Sprintf("v1\n%s\n%s\n%s\n%d\n%s\n%s\n",
		strings.ToUpper(method), pathWithQuery, appID, ts, nonce, bodyHash)
}

func newNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Sign attaches the PoP v1 headers to a request whose body is body.
func (c *Client) Sign(req *http.Request, body []byte) error {
	nonce, err := newNonce()
	if err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ts := time.Now().Unix()

	sum := sha256.Sum256(body)
	bodyHash := base64.RawURLEncoding.EncodeToString(sum[:])

	pathWithQuery := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		pathWithQuery += "?" + req.URL.RawQuery
	}

	sig := ed25519.Sign(c.key, []byte(canonical(req.Method, pathWithQuery, c.appID, ts, nonce, bodyHash)))

	req.Header.Set(headerVersion, "1")
	req.Header.Set(headerAppID, c.appID)
	req.Header.Set(headerTS, strconv.FormatInt(ts, 10))
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSig, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// Do sends a signed request to path (which may include a query string).
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.Sign(req, body); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// ChatCompletions posts a chat request to a path-addressed resource,
// e.g. ChatCompletions(ctx, "llm:groq", payload).
func (c *Client) ChatCompletions(ctx context.Context, resourceID string, payload []byte) (*http.Response, error) {
	typ, provider, ok := strings.Cut(resourceID, ":")
	if !ok {
		return nil, fmt.Errorf("resource id %q is not <type>:<provider>", resourceID)
	}
	return c.Do(ctx, http.MethodPost, fmt.Sprintf("/r/%s/%s/v1/chat/completions", typ, provider), payload)
}

// PermissionRequest mirrors the prepare payload's permission entries.
type PermissionRequest struct {
	ResourceID        string          `json:"resourceId"`
	Actions           []string        `json:"actions"`
	Constraints       json.RawMessage `json:"constraints,omitempty"`
	RequestedDuration string          `json:"requestedDuration,omitempty"`
}

// AppMetadata is the app self-description sent at prepare time.
type AppMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
}

// PrepareResult is the gateway's answer to a prepare call. ApprovalURL
// is where the app sends its owner to approve the connection.
type PrepareResult struct {
	ApprovalURL  string    `json:"approvalUrl"`
	SessionToken string    `json:"sessionToken"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Prepare runs the connect prepare step against a pairing string.
func Prepare(ctx context.Context, pairingString, publicKey, redirectURI string,
	meta AppMetadata, perms []PermissionRequest) (*PrepareResult, error) {

	proxyURL, code, err := ParsePairingString(pairingString)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"connectCode":          code,
		"publicKey":            publicKey,
		"appMetadata":          meta,
		"requestedPermissions": perms,
		"redirectUri":          redirectURI,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(proxyURL, "/")+"/api/connect/prepare", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("prepare failed with status %d: %s", resp.StatusCode, raw)
	}

	var result PrepareResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse prepare response: %w", err)
	}
	return &result, nil
}

// PollSession polls the session endpoint until it leaves PENDING or ctx
// is done, and returns the bound app id on approval.
func PollSession(ctx context.Context, proxyURL, token string, interval time.Duration) (appID string, err error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	client := &http.Client{Timeout: 15 * time.Second}
	endpoint := strings.TrimSuffix(proxyURL, "/") + "/api/connect/session/" + url.PathEscape(token)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		var body struct {
			Status string `json:"status"`
			AppID  string `json:"appId"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr != nil {
			return "", decodeErr
		}

		switch body.Status {
		case "APPROVED":
			return body.AppID, nil
		case "REJECTED":
			return "", fmt.Errorf("connection rejected")
		case "EXPIRED":
			return "", fmt.Errorf("session expired before approval")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}
