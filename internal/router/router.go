// Package router implements the Model Router.
//
// The router holds an ordered list of configured model providers, sends each
// completion to the first one that answers, and fails over to the next on
// error. Provider kinds are served by pluggable drivers; OpenAI-compatible
// and Anthropic drivers are built in.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/pkg/models"
)

// Strategy decides the order providers are tried in.
type Strategy string

const (
	StrategyFallback   Strategy = "fallback"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyLatency    Strategy = "latency"
)

// Provider is one configured model endpoint.
type Provider struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // openai, openai-compatible, ollama, anthropic
	Model     string `json:"model"`
	APIKey    string `json:"api_key,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// ProviderDriver speaks one provider kind's wire protocol.
type ProviderDriver interface {
	Kind() string
	Call(ctx context.Context, provider *Provider, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

// ErrNoProviders is returned when no provider is configured.
var ErrNoProviders = errors.New("no model providers configured")

var (
	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datachat",
		Subsystem: "router",
		Name:      "provider_calls_total",
		Help:      "Model provider calls by provider and status",
	}, []string{"provider", "status"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "datachat",
		Subsystem: "router",
		Name:      "provider_latency_seconds",
		Help:      "Model provider call latency",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"provider"})
)

// ModelRouter routes completion requests to configured providers.
type ModelRouter struct {
	providers []Provider
	strategy  Strategy

	driversMu sync.RWMutex
	drivers   map[string]ProviderDriver

	// Round-robin counter (atomic)
	rrCounter uint64

	// Latency tracking: provider name → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64
}

// NewModelRouter creates a router over providers, tried in the given order
// under the fallback strategy.
func NewModelRouter(providers []Provider, strategy Strategy) *ModelRouter {
	if strategy == "" {
		strategy = StrategyFallback
	}
	mr := &ModelRouter{
		providers: append([]Provider(nil), providers...),
		strategy:  strategy,
		drivers:   make(map[string]ProviderDriver),
		latencies: make(map[string]int64),
	}
	oa := &OpenAIDriver{}
	mr.RegisterDriver(oa)
	mr.registerAlias("openai-compatible", oa)
	mr.registerAlias("ollama", oa)
	mr.RegisterDriver(&AnthropicDriver{})
	return mr
}

// RegisterDriver adds or replaces the driver for its kind.
func (mr *ModelRouter) RegisterDriver(d ProviderDriver) {
	mr.registerAlias(d.Kind(), d)
}

func (mr *ModelRouter) registerAlias(kind string, d ProviderDriver) {
	mr.driversMu.Lock()
	defer mr.driversMu.Unlock()
	mr.drivers[kind] = d
}

// GetDriver returns the driver for kind, or nil.
func (mr *ModelRouter) GetDriver(kind string) ProviderDriver {
	mr.driversMu.RLock()
	defer mr.driversMu.RUnlock()
	return mr.drivers[kind]
}

// ListDrivers returns the registered driver kinds, sorted.
func (mr *ModelRouter) ListDrivers() []string {
	mr.driversMu.RLock()
	defer mr.driversMu.RUnlock()
	kinds := make([]string, 0, len(mr.drivers))
	for k := range mr.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Providers returns the configured providers with API keys removed.
func (mr *ModelRouter) Providers() []Provider {
	out := make([]Provider, len(mr.providers))
	for i, p := range mr.providers {
		p.APIKey = ""
		out[i] = p
	}
	return out
}

// Complete sends req to the providers in strategy order and returns the
// first successful response.
func (mr *ModelRouter) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	if len(mr.providers) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, provider := range mr.orderProviders() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := mr.callProvider(ctx, &provider, req)
		if err != nil {
			log.Warn().
				Str("provider", provider.Name).
				Str("kind", provider.Kind).
				Err(err).
				Msg("Provider call failed, trying next")
			lastErr = err
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

// orderProviders returns a copy of the providers in strategy order.
func (mr *ModelRouter) orderProviders() []Provider {
	providers := append([]Provider(nil), mr.providers...)

	switch mr.strategy {
	case StrategyRoundRobin:
		idx := atomic.AddUint64(&mr.rrCounter, 1) - 1
		n := len(providers)
		rotated := make([]Provider, n)
		for i := 0; i < n; i++ {
			rotated[i] = providers[(int(idx)+i)%n]
		}
		return rotated

	case StrategyLatency:
		mr.latencyMu.RLock()
		sort.SliceStable(providers, func(i, j int) bool {
			li := mr.latencies[providers[i].Name]
			lj := mr.latencies[providers[j].Name]
			if li == 0 {
				li = 1000 // default 1s for unknown
			}
			if lj == 0 {
				lj = 1000
			}
			return li < lj
		})
		mr.latencyMu.RUnlock()
	}

	return providers
}

// callProvider sends the request to a specific provider.
func (mr *ModelRouter) callProvider(ctx context.Context, provider *Provider, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	kind := provider.Kind
	if kind == "" {
		kind = "openai"
	}
	driver := mr.GetDriver(kind)
	if driver == nil {
		providerCallsTotal.WithLabelValues(provider.Name, "error").Inc()
		return nil, fmt.Errorf("no driver for provider kind %q", kind)
	}

	start := time.Now()
	resp, err := driver.Call(ctx, provider, req)
	elapsed := time.Since(start)
	providerLatency.WithLabelValues(provider.Name).Observe(elapsed.Seconds())
	if err != nil {
		providerCallsTotal.WithLabelValues(provider.Name, "error").Inc()
		return nil, err
	}
	providerCallsTotal.WithLabelValues(provider.Name, "ok").Inc()

	latencyMs := elapsed.Milliseconds()
	resp.LatencyMs = latencyMs
	if resp.Provider == "" {
		resp.Provider = provider.Name
	}

	// Update latency tracking
	mr.latencyMu.Lock()
	prev := mr.latencies[provider.Name]
	if prev == 0 {
		mr.latencies[provider.Name] = latencyMs
	} else {
		// Exponential moving average
		mr.latencies[provider.Name] = (prev*7 + latencyMs*3) / 10
	}
	mr.latencyMu.Unlock()

	return resp, nil
}

func modelFor(provider *Provider, req *models.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return provider.Model
}

func maxTokensFor(provider *Provider, req *models.CompletionRequest, fallback int) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	if provider.MaxTokens > 0 {
		return int64(provider.MaxTokens)
	}
	return int64(fallback)
}
