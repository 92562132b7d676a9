// Package server provides the public entry point for initializing the
// datachat server.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/internal/api"
	"github.com/agentoven/datachat/internal/api/handlers"
	"github.com/agentoven/datachat/internal/api/middleware"
	"github.com/agentoven/datachat/internal/auth"
	"github.com/agentoven/datachat/internal/config"
	"github.com/agentoven/datachat/internal/customtool"
	"github.com/agentoven/datachat/internal/executor"
	"github.com/agentoven/datachat/internal/guardrails"
	"github.com/agentoven/datachat/internal/mcpgw"
	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/registry"
	"github.com/agentoven/datachat/internal/relations"
	"github.com/agentoven/datachat/internal/retention"
	modelrouter "github.com/agentoven/datachat/internal/router"
	"github.com/agentoven/datachat/internal/sessions"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/internal/telemetry"
	"github.com/agentoven/datachat/internal/tools"
)

// Server holds the initialized datachat server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the row store. Close it on shutdown.
	Store store.Store

	// Config is the configuration the server was built from.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown. It stops the
	// session janitor and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// Option customizes server construction.
type Option func(*options)

type options struct {
	store store.Store
	model executor.Model
}

// WithStore uses s instead of opening the configured store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithModel uses m instead of the configured provider chain.
func WithModel(m executor.Model) Option {
	return func(o *options) { o.model = m }
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig builds the server from an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := o.store
	if dataStore == nil {
		dataStore, err = openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
	}
	if err := dataStore.Migrate(ctx); err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	// Query layer
	qexec := query.NewExecutor(dataStore, query.WithOwnerColumn(cfg.Store.OwnerColumn))
	rel := relations.NewService(relations.DefaultSchema())
	custom := customtool.NewRunner(dataStore, qexec)
	dispatcher := tools.NewDispatcher(qexec, rel, custom)
	reg := registry.New(dataStore, cfg.Store.OwnerColumn)

	// Model routing
	providers := make([]modelrouter.Provider, 0, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		providers = append(providers, modelrouter.Provider{
			Name:      p.Name,
			Kind:      p.Kind,
			Model:     p.Model,
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			MaxTokens: p.MaxTokens,
		})
	}
	mr := modelrouter.NewModelRouter(providers, modelrouter.Strategy(cfg.LLM.Strategy))
	if len(providers) == 0 && o.model == nil {
		log.Warn().Msg("No model providers configured, /ask will fail until one is set")
	}
	var model executor.Model = mr
	if o.model != nil {
		model = o.model
	}

	exec := executor.NewExecutor(model, dispatcher, reg, executor.WithMaxIterations(cfg.Orchestrator.MaxIterations))
	gw := mcpgw.NewGateway(dispatcher, cfg.Version)

	log.Info().
		Int("providers", len(providers)).
		Str("strategy", cfg.LLM.Strategy).
		Int("max_iterations", cfg.Orchestrator.MaxIterations).
		Msg("Orchestrator initialized")

	// Sessions
	sess := sessions.NewMemorySessionStore(cfg.Orchestrator.MaxHistory)
	bgCtx, stopBackground := context.WithCancel(context.Background())
	janitor := retention.NewJanitor(sess, time.Duration(cfg.Orchestrator.SessionTTLMinutes)*time.Minute)
	go janitor.Start(bgCtx)

	// Auth
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider(cfg.Auth.APIKeys))
	chain.RegisterProvider(auth.NewServiceAccountProvider(cfg.Auth.ServiceAccountSecret))
	am := middleware.NewAuthMiddleware(chain, cfg.Auth.RequireAuth, cfg.Auth.DevOwner)

	guard := guardrails.New(guardrails.Options{
		MaxCharacters:        cfg.Guardrails.MaxCharacters,
		MaxWords:             cfg.Guardrails.MaxWords,
		BlockedWords:         cfg.Guardrails.BlockedWords,
		PIIPatterns:          cfg.Guardrails.PIIPatterns,
		InjectionSensitivity: cfg.Guardrails.InjectionSensitivity,
	})

	h := &handlers.Handlers{
		Store:      dataStore,
		Query:      qexec,
		Relations:  rel,
		Tools:      dispatcher,
		Custom:     custom,
		Registry:   reg,
		Executor:   exec,
		Router:     mr,
		MCPGateway: gw,
		Sessions:   sess,
		Guard:      guard,
	}

	shutdownAll := func(ctx context.Context) error {
		stopBackground()
		return shutdown(ctx)
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h, am),
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdownAll,
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, store.PostgresOptions{
			URL:              cfg.URL,
			MaxConns:         int32(cfg.MaxConnections),
			RowLevelSecurity: cfg.RowLevelSecurity,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(cfg.SnapshotPath), nil
	}
}
