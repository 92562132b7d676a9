package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/agentoven/datachat/pkg/contracts"
)

// APIKeyProvider validates keys from the Authorization: Bearer <key> or
// X-API-Key headers. Each key is bound to exactly one owner id.
type APIKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]string // key → owner
}

// NewAPIKeyProvider creates an API key provider from a key → owner map.
func NewAPIKeyProvider(keys map[string]string) *APIKeyProvider {
	p := &APIKeyProvider{keys: make(map[string]string, len(keys))}
	for k, owner := range keys {
		if k != "" && owner != "" {
			p.keys[k] = owner
		}
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// Authenticate validates the API key and returns an Identity.
// Returns (nil, nil) if no API key is present (let next provider try).
// Returns (nil, error) if an API key is present but invalid.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := extractAPIKeyFromRequest(r)
	if apiKey == "" {
		return nil, nil
	}

	owner, ok := p.lookup(apiKey)
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	keyHash := fmt.Sprintf("%x", sha256.Sum256([]byte(apiKey)))
	return &contracts.Identity{
		Subject:     "apikey:" + keyHash[:16],
		Owner:       owner,
		Provider:    "apikey",
		DisplayName: "API Key User",
	}, nil
}

// lookup compares against every key in constant time.
func (p *APIKeyProvider) lookup(candidate string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var owner string
	found := false
	for key, o := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			owner, found = o, true
		}
	}
	return owner, found
}

// AddKey binds a new API key to owner at runtime.
func (p *APIKeyProvider) AddKey(key, owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key] = owner
}

// RemoveKey revokes an API key at runtime.
func (p *APIKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, key)
}

func extractAPIKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// SSE clients cannot set headers.
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
