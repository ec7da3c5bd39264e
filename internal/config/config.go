// Package config loads the service configuration: defaults, then a TOML
// file, then CAUCE_* environment variables (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Intent   IntentConfig   `toml:"intent"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Tenants  TenantsConfig  `toml:"tenants"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr          string `toml:"addr"`
	ShutdownGrace int    `toml:"shutdown_grace_seconds"`
}

type LLMConfig struct {
	BaseURL     string  `toml:"base_url"`
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	Temperature float64 `toml:"temperature"`
	RPM         int     `toml:"rpm"`
	TPM         int     `toml:"tpm"`
}

type IntentConfig struct {
	// Model for the LLM analyzer tier. Empty reuses the main model.
	Model      string `toml:"model"`
	NLPEnabled bool   `toml:"nlp_enabled"`
	// Embedding model powering the NLP analyzer's vector scores.
	EmbeddingModel      string `toml:"embedding_model"`
	EmbeddingDimensions int    `toml:"embedding_dimensions"`
	CacheSize           int    `toml:"cache_size"`
	CacheTTLSeconds     int    `toml:"cache_ttl_seconds"`
	// TimeoutSeconds bounds one analyzer LLM call. Zero keeps the default.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`         // sqlite file
	PostgresURL string `toml:"postgres_url"` // pgx connection string
}

type RedisConfig struct {
	Addr              string `toml:"addr"` // empty disables the warm tier
	Password          string `toml:"password"`
	DB                int    `toml:"db"`
	ContextTTLSeconds int    `toml:"context_ttl_seconds"`
}

type EngineConfig struct {
	TurnBudgetSeconds int `toml:"turn_budget_seconds"`
	MaxLockWaiters    int `toml:"max_lock_waiters"`
	SummarizeEvery    int `toml:"summarize_every"`
	// GlobalAgents restricts routable agents across all tenants. Empty
	// leaves each tenant registry in charge.
	GlobalAgents []string `toml:"global_agents"`
	// EnabledDomains disables tenant agents outside these domains. Empty
	// leaves domains unrestricted.
	EnabledDomains []string `toml:"enabled_domains"`
}

type TenantsConfig struct {
	// SeedFile is a YAML registry file watched for hot reload. Empty uses
	// the store-backed registry.
	SeedFile string `toml:"seed_file"`
}

type ObserverConfig struct {
	Enabled  bool                       `toml:"enabled"`
	Endpoint string                     `toml:"endpoint"`
	Pricing  map[string]ObserverPricing `toml:"pricing"`
}

// ObserverPricing is USD per million tokens.
type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", ShutdownGrace: 15},
		LLM:    LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini", Temperature: 0.3},
		Intent: IntentConfig{
			NLPEnabled:          true,
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDimensions: 1536,
			CacheSize:           1000,
			CacheTTLSeconds:     60,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "cauce.db"},
		Redis:    RedisConfig{ContextTTLSeconds: 7 * 24 * 3600},
		Engine:   EngineConfig{TurnBudgetSeconds: 90, MaxLockWaiters: 16, SummarizeEvery: 5},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cauce.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CAUCE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CAUCE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CAUCE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CAUCE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CAUCE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CAUCE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CAUCE_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("CAUCE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CAUCE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CAUCE_TENANT_SEED_FILE"); v != "" {
		cfg.Tenants.SeedFile = v
	}
	if v := os.Getenv("CAUCE_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if v := os.Getenv("CAUCE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Intent.Model == "" {
		cfg.Intent.Model = cfg.LLM.Model
	}

	return cfg
}
