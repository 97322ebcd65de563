// Package admission authorizes incoming requests: it verifies the bearer
// token, loads the caller's profile and family, and enforces pause flags and
// token balance before a request may reach the router.
package admission

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims is the verified content of a bearer token. All four identity fields
// are mandatory; the authorizer denies a token that omits any of them.
type Claims struct {
	UserID    string `json:"userId"`
	ProfileID string `json:"sub"`
	FamilyID  string `json:"familyId"`
	Region    string `json:"region"`
	ExpiresAt int64  `json:"exp"`
}

// TokenVerifier validates a bearer token and extracts its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// HMACVerifier verifies tokens of the form base64url(payload).base64url(sig)
// where sig = HMAC-SHA256(payload, secret). It covers deployments without an
// external identity provider.
type HMACVerifier struct {
	secret []byte

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewHMACVerifier creates a verifier over the shared signing secret.
func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret, nowFunc: time.Now}
}

// Sign mints a token for the given claims. Used by tests and provisioning
// tooling.
func (v *HMACVerifier) Sign(c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (v *HMACVerifier) Verify(_ context.Context, token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, errors.New("malformed token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, fmt.Errorf("malformed payload: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, errors.New("signature mismatch")
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, fmt.Errorf("malformed claims: %w", err)
	}
	if c.ExpiresAt > 0 && v.nowFunc().Unix() >= c.ExpiresAt {
		return Claims{}, errors.New("token expired")
	}
	return c, nil
}
