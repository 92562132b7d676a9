// Package auth resolves the owner a request runs as. Every data read in
// datachat is scoped to that owner, so a caller without one gets nothing.
//
// Providers:
//   - APIKeyProvider: static API keys, each bound to an owner id
//   - ServiceAccountProvider: HMAC-signed service tokens naming an owner
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/pkg/contracts"
)

// ErrNoOwner is returned when a provider accepts a credential that does not
// name an owner.
var ErrNoOwner = errors.New("credential is not bound to an owner")

// ProviderChain asks each enabled provider in turn for the caller's owner.
// A provider that recognises the credential but rejects it ends the walk.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

func NewProviderChain() *ProviderChain {
	return &ProviderChain{}
}

func (c *ProviderChain) RegisterProvider(p contracts.AuthProvider) {
	c.mu.Lock()
	c.providers = append(c.providers, p)
	c.mu.Unlock()
	log.Info().Str("provider", p.Name()).Bool("enabled", p.Enabled()).Msg("Auth provider registered")
}

// Authenticate returns the first owner-bound identity, (nil, nil) for an
// anonymous request, or the first provider's rejection.
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	for _, p := range c.enabled() {
		id, err := p.Authenticate(ctx, r)
		switch {
		case err != nil:
			log.Debug().Err(err).Str("provider", p.Name()).Msg("Credential rejected")
			return nil, err
		case id == nil:
			continue
		case id.Owner == "":
			log.Warn().Str("provider", p.Name()).Str("subject", id.Subject).Msg("Credential has no owner")
			return nil, ErrNoOwner
		}
		if id.Provider == "" {
			id.Provider = p.Name()
		}
		log.Debug().Str("provider", id.Provider).Str("owner", id.Owner).Msg("Request authenticated")
		return id, nil
	}
	return nil, nil
}

// Providers lists the enabled providers in the order they are tried.
func (c *ProviderChain) Providers() []string {
	enabled := c.enabled()
	names := make([]string, len(enabled))
	for i, p := range enabled {
		names[i] = p.Name()
	}
	return names
}

func (c *ProviderChain) enabled() []contracts.AuthProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]contracts.AuthProvider, 0, len(c.providers))
	for _, p := range c.providers {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}
