package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the datachat server.
//
// Values are layered: built-in defaults, then the YAML file named by
// ASKHUB_CONFIG_FILE (if any), then environment variables.
type Config struct {
	Port         int                `yaml:"port"`
	Version      string             `yaml:"version"`
	LogLevel     string             `yaml:"log_level"`
	Store        StoreConfig        `yaml:"store"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Guardrails   GuardrailConfig    `yaml:"guardrails"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Auth         AuthConfig         `yaml:"auth"`
}

type StoreConfig struct {
	Driver           string `yaml:"driver"` // memory, postgres, sqlite
	URL              string `yaml:"url"`
	MaxConnections   int    `yaml:"max_connections"`
	RowLevelSecurity bool   `yaml:"row_level_security"`
	SQLitePath       string `yaml:"sqlite_path"`
	SnapshotPath     string `yaml:"snapshot_path"` // memory driver fixtures / persistence
	OwnerColumn      string `yaml:"owner_column"`
}

type ProviderConfig struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

type LLMConfig struct {
	Strategy  string           `yaml:"strategy"`
	Providers []ProviderConfig `yaml:"providers"`
}

type OrchestratorConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	// SessionTTLMinutes is how long an idle /ask session is kept.
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
	MaxHistory        int `yaml:"max_history"`
}

// GuardrailConfig screens /ask messages before the model sees them.
type GuardrailConfig struct {
	MaxCharacters        int      `yaml:"max_characters"`
	MaxWords             int      `yaml:"max_words"`
	BlockedWords         []string `yaml:"blocked_words"`
	PIIPatterns          []string `yaml:"pii_patterns"`
	InjectionSensitivity string   `yaml:"injection_sensitivity"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type AuthConfig struct {
	// APIKeys maps an API key to the owner id its requests run as.
	APIKeys              map[string]string `yaml:"api_keys"`
	ServiceAccountSecret string            `yaml:"service_account_secret"`
	RequireAuth          bool              `yaml:"require_auth"`
	// DevOwner is used for unauthenticated requests when auth is not required.
	DevOwner string `yaml:"dev_owner"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		Version:  "0.1.0",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:         "memory",
			MaxConnections: 25,
			SQLitePath:     "data/datachat.db",
			OwnerColumn:    "user_id",
		},
		LLM: LLMConfig{
			Strategy: "fallback",
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:     5,
			SessionTTLMinutes: 60,
			MaxHistory:        20,
		},
		Guardrails: GuardrailConfig{
			MaxCharacters:        4000,
			InjectionSensitivity: "medium",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "datachat",
		},
		Auth: AuthConfig{
			APIKeys:     map[string]string{},
			RequireAuth: true,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("ASKHUB_CONFIG_FILE"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("ASKHUB_PORT", cfg.Port)
	cfg.Version = envStr("ASKHUB_VERSION", cfg.Version)
	cfg.LogLevel = envStr("ASKHUB_LOG_LEVEL", cfg.LogLevel)

	cfg.Store.Driver = envStr("ASKHUB_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.URL = envStr("DATABASE_URL", cfg.Store.URL)
	cfg.Store.MaxConnections = envInt("DATABASE_MAX_CONNECTIONS", cfg.Store.MaxConnections)
	cfg.Store.RowLevelSecurity = envBool("ASKHUB_ROW_LEVEL_SECURITY", cfg.Store.RowLevelSecurity)
	cfg.Store.SQLitePath = envStr("ASKHUB_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.SnapshotPath = envStr("ASKHUB_SNAPSHOT_PATH", cfg.Store.SnapshotPath)
	cfg.Store.OwnerColumn = envStr("ASKHUB_OWNER_COLUMN", cfg.Store.OwnerColumn)

	cfg.LLM.Strategy = envStr("ASKHUB_ROUTING_STRATEGY", cfg.LLM.Strategy)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && !hasProviderKind(cfg.LLM.Providers, "openai") {
		cfg.LLM.Providers = append(cfg.LLM.Providers, ProviderConfig{
			Name:    "openai",
			Kind:    "openai",
			Model:   envStr("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && !hasProviderKind(cfg.LLM.Providers, "anthropic") {
		cfg.LLM.Providers = append(cfg.LLM.Providers, ProviderConfig{
			Name:   "anthropic",
			Kind:   "anthropic",
			Model:  envStr("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
			APIKey: key,
		})
	}

	cfg.Orchestrator.MaxIterations = envInt("ASKHUB_MAX_ITERATIONS", cfg.Orchestrator.MaxIterations)
	cfg.Orchestrator.SessionTTLMinutes = envInt("ASKHUB_SESSION_TTL_MINUTES", cfg.Orchestrator.SessionTTLMinutes)
	cfg.Orchestrator.MaxHistory = envInt("ASKHUB_MAX_HISTORY", cfg.Orchestrator.MaxHistory)

	cfg.Guardrails.MaxCharacters = envInt("ASKHUB_MAX_MESSAGE_CHARS", cfg.Guardrails.MaxCharacters)
	cfg.Guardrails.InjectionSensitivity = envStr("ASKHUB_INJECTION_SENSITIVITY", cfg.Guardrails.InjectionSensitivity)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)

	if keys := os.Getenv("ASKHUB_API_KEYS"); keys != "" {
		if cfg.Auth.APIKeys == nil {
			cfg.Auth.APIKeys = map[string]string{}
		}
		for k, owner := range ParseAPIKeys(keys) {
			cfg.Auth.APIKeys[k] = owner
		}
	}
	cfg.Auth.ServiceAccountSecret = envStr("ASKHUB_SA_SECRET", cfg.Auth.ServiceAccountSecret)
	cfg.Auth.RequireAuth = envBool("ASKHUB_REQUIRE_AUTH", cfg.Auth.RequireAuth)
	cfg.Auth.DevOwner = envStr("ASKHUB_DEV_OWNER", cfg.Auth.DevOwner)
}

// ParseAPIKeys reads "key=owner,key2=owner2". Entries without an owner are skipped.
func ParseAPIKeys(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, owner, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
		if !ok || key == "" || owner == "" {
			continue
		}
		out[key] = owner
	}
	return out
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("store driver postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.LLM.Strategy {
	case "fallback", "round-robin", "latency":
	default:
		return fmt.Errorf("unknown routing strategy %q", c.LLM.Strategy)
	}
	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("orchestrator max_iterations must be at least 1")
	}
	if c.Orchestrator.SessionTTLMinutes < 1 {
		return fmt.Errorf("orchestrator session_ttl_minutes must be at least 1")
	}
	switch c.Guardrails.InjectionSensitivity {
	case "", "off", "medium", "high":
	default:
		return fmt.Errorf("unknown injection sensitivity %q", c.Guardrails.InjectionSensitivity)
	}
	for i, p := range c.LLM.Providers {
		if p.Kind == "" {
			return fmt.Errorf("llm provider %d: kind is required", i)
		}
	}
	return nil
}

func hasProviderKind(providers []ProviderConfig, kind string) bool {
	for _, p := range providers {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
