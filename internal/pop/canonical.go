// Package pop implements proof-of-possession authentication: canonical
// request strings, Ed25519 signature verification and single-use nonce
// reservation.
package pop

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/keyrelay/gateway/internal/core"
)

// PoP v1 header names.
const (
	HeaderVersion = "x-pop-v"
	HeaderAppID   = "x-app-id"
	HeaderTS      = "x-ts"
	HeaderNonce   = "x-nonce"
	HeaderSig     = "x-sig"
)

// Version is the only supported protocol version.
const Version = "1"

// MinNonceLength is the minimum accepted nonce length.
const MinNonceLength = 16

var nonceFormat = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Headers is the parsed PoP header set of an inbound request.
type Headers struct {
	AppID     string
	Timestamp int64
	Nonce     string
	Signature []byte
}

// BuildCanonical constructs the v1 canonical string. Identical inputs
// produce byte-identical output; every field is signature-relevant.
//
//	v1\n<METHOD>\n<PATH_WITH_QUERY>\n<APP_ID>\n<TS>\n<NONCE>\n<BODY_HASH>\n
func BuildCanonical(method, pathWithQuery, appID string, ts int64, nonce, bodyHash string) string {
	var b strings.Builder
	b.WriteString("v")
	b.WriteString(Version)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(pathWithQuery)
	b.WriteByte('\n')
	b.WriteString(appID)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(bodyHash)
	b.WriteByte('\n')
	return b.String()
}

// HashBody returns base64url(SHA-256(body)) without padding. An empty
// body hashes the empty byte string.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// PathWithQuery is pathname + search; search includes "?" when present.
func PathWithQuery(r *http.Request) string {
	p := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		return p + "?" + r.URL.RawQuery
	}
	return p
}

// ParseHeaders validates the PoP header set. It rejects missing or
// malformed headers before any signature work is done.
func ParseHeaders(h http.Header) (*Headers, *core.GatewayError) {
	version := h.Get(HeaderVersion)
	if version == "" {
		return nil, core.NewError(core.ErrMissingAuth, "missing "+HeaderVersion+" header")
	}
	if version != Version {
		return nil, core.NewErrorf(core.ErrUnsupportedPopVersion, "unsupported PoP version %q", version)
	}

	appID := h.Get(HeaderAppID)
	if appID == "" {
		return nil, core.NewError(core.ErrMissingAuth, "missing "+HeaderAppID+" header")
	}

	tsRaw := h.Get(HeaderTS)
	if tsRaw == "" {
		return nil, core.NewError(core.ErrMissingAuth, "missing "+HeaderTS+" header")
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, core.NewErrorf(core.ErrMissingAuth, "malformed %s header: %q", HeaderTS, tsRaw)
	}

	nonce := h.Get(HeaderNonce)
	if len(nonce) < MinNonceLength || !nonceFormat.MatchString(nonce) {
		return nil, core.NewErrorf(core.ErrMissingAuth, "nonce must be at least %d URL-safe characters", MinNonceLength)
	}

	sigRaw := h.Get(HeaderSig)
	if sigRaw == "" {
		return nil, core.NewError(core.ErrMissingAuth, "missing "+HeaderSig+" header")
	}
	sig, err := base64.StdEncoding.DecodeString(sigRaw)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, core.NewError(core.ErrMissingAuth, "malformed signature encoding")
	}

	return &Headers{AppID: appID, Timestamp: ts, Nonce: nonce, Signature: sig}, nil
}

// CheckSkew rejects timestamps outside |now - ts| <= window. The bounds
// are computed in whole seconds so an extreme ts cannot wrap the
// comparison.
func CheckSkew(ts int64, now time.Time, window time.Duration) *core.GatewayError {
	windowSecs := int64(window / time.Second)
	nowSecs := now.Unix()
	if ts < nowSecs-windowSecs || ts > nowSecs+windowSecs {
		return core.NewErrorf(core.ErrExpiredTimestamp,
			"timestamp outside allowed skew window of %ds", windowSecs)
	}
	return nil
}

// DecodePublicKey decodes a base64 Ed25519 public key as bound at approval.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks the Ed25519 signature over the canonical string.
func Verify(pub ed25519.PublicKey, canonical string, sig []byte) bool {
	return ed25519.Verify(pub, []byte(canonical), sig)
}
