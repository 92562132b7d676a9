package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentoven/datachat/pkg/contracts"
)

// ServiceAccountProvider validates HMAC-signed service tokens sent in the
// X-Service-Token header. Backend jobs use them to act for a given owner.
//
// Token format: base64(JSON payload) + "." + base64(HMAC-SHA256 signature)
// Payload: {"sub": "nightly-report", "owner": "user-123", "exp": 1234567890}
type ServiceAccountProvider struct {
	secret []byte
}

type serviceAccountPayload struct {
	Subject string `json:"sub"`
	Owner   string `json:"owner,omitempty"`
	Exp     int64  `json:"exp"` // Unix timestamp
}

// NewServiceAccountProvider creates a provider; an empty secret disables it.
func NewServiceAccountProvider(secret string) *ServiceAccountProvider {
	return &ServiceAccountProvider{secret: []byte(secret)}
}

func (p *ServiceAccountProvider) Name() string  { return "service_account" }
func (p *ServiceAccountProvider) Enabled() bool { return len(p.secret) > 0 }

// Authenticate validates the service account token from X-Service-Token header.
// Returns (nil, nil) if no service token is present.
// Returns (nil, error) if the token is present but invalid.
func (p *ServiceAccountProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := r.Header.Get("X-Service-Token")
	if token == "" {
		return nil, nil
	}

	payload, err := p.validateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid service account token: %w", err)
	}

	return &contracts.Identity{
		Subject:     "svc:" + payload.Subject,
		Owner:       payload.Owner,
		Provider:    "service_account",
		DisplayName: payload.Subject,
		ExpiresAt:   time.Unix(payload.Exp, 0),
	}, nil
}

func (p *ServiceAccountProvider) validateToken(token string) (*serviceAccountPayload, error) {
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return nil, fmt.Errorf("malformed token: expected payload.signature")
	}
	payloadB64, sigB64 := token[:i], token[i+1:]

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(sig, sign(p.secret, payloadB64)) {
		return nil, fmt.Errorf("signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}

	var payload serviceAccountPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}

	if payload.Exp > 0 && time.Now().Unix() > payload.Exp {
		return nil, fmt.Errorf("token expired")
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}
	if payload.Owner == "" {
		payload.Owner = payload.Subject
	}
	return &payload, nil
}

func sign(secret []byte, payloadB64 string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

// GenerateToken creates a signed service account token.
// This is a helper for CLI tools and tests; the server never calls it.
func GenerateToken(secret []byte, subject, owner string, ttl time.Duration) (string, error) {
	payload := serviceAccountPayload{
		Subject: subject,
		Owner:   owner,
		Exp:     time.Now().Add(ttl).Unix(),
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payloadB64 + "." + base64.RawURLEncoding.EncodeToString(sign(secret, payloadB64)), nil
}
