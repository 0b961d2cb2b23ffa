// Package config loads the gateway configuration from YAML with
// environment overrides for deployment-specific values and secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Vault     VaultConfig      `yaml:"vault"`
	Admin     AdminConfig      `yaml:"admin"`
	Auth      AuthConfig       `yaml:"auth"`
	Providers []ProviderConfig `yaml:"providers"`
	Export    ExportConfig     `yaml:"export"`
	Webhooks  WebhooksConfig   `yaml:"webhooks"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// DatabaseConfig selects the repository backend: memory, postgres or
// supabase.
type DatabaseConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

// RedisConfig is optional; without an address the in-memory counter and
// nonce stores are used.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type VaultConfig struct {
	MasterSecret string `yaml:"master_secret"`
}

type AdminConfig struct {
	Token string `yaml:"token"`
}

type AuthConfig struct {
	SkewSeconds     int `yaml:"skew_seconds"`
	NonceTTLSeconds int `yaml:"nonce_ttl_seconds"`
}

// ProviderConfig registers one OpenAI-compatible provider. Gemini is
// built in and needs no entry.
type ProviderConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
}

// ExportConfig enables the Pub/Sub event exporter.
type ExportConfig struct {
	PubsubProject string `yaml:"pubsub_project"`
	PubsubTopic   string `yaml:"pubsub_topic"`
}

// WebhooksConfig selects the delivery path. With a queue path set,
// deliveries go through Cloud Tasks; otherwise direct HTTP.
type WebhooksConfig struct {
	CloudTasksQueue string `yaml:"cloud_tasks_queue"`
}

// DefaultProviders is the built-in OpenAI-compatible fleet.
var DefaultProviders = []ProviderConfig{
	{Provider: "openai", BaseURL: "https://api.openai.com/v1"},
	{Provider: "groq", BaseURL: "https://api.groq.com/openai/v1"},
	{Provider: "together", BaseURL: "https://api.together.xyz/v1"},
	{Provider: "fireworks", BaseURL: "https://api.fireworks.ai/inference/v1"},
}

// Load reads the YAML file (optional) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Server.Port, "PORT")
	override(&c.Server.Env, "APP_ENV")
	override(&c.Database.Backend, "DB_BACKEND")
	override(&c.Database.PostgresDSN, "POSTGRES_DSN")
	override(&c.Database.SupabaseURL, "SUPABASE_URL")
	override(&c.Database.SupabaseKey, "SUPABASE_SERVICE_KEY")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.Vault.MasterSecret, "VAULT_MASTER_SECRET")
	override(&c.Admin.Token, "ADMIN_TOKEN")
	override(&c.Export.PubsubProject, "PUBSUB_PROJECT")
	override(&c.Export.PubsubTopic, "PUBSUB_TOPIC")
	override(&c.Webhooks.CloudTasksQueue, "CLOUD_TASKS_QUEUE")

	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.Redis.DB = n
		}
	}
	if raw := os.Getenv("POP_SKEW_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.Auth.SkewSeconds = n
		}
	}
	if raw := os.Getenv("NONCE_TTL_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.Auth.NonceTTLSeconds = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Database.Backend == "" {
		c.Database.Backend = "memory"
	}
	if c.Auth.SkewSeconds <= 0 {
		c.Auth.SkewSeconds = 300
	}
	if c.Auth.NonceTTLSeconds <= 0 {
		c.Auth.NonceTTLSeconds = 600
	}
	if len(c.Providers) == 0 {
		c.Providers = DefaultProviders
	}
}

// SkewWindow is the PoP timestamp tolerance as a duration.
func (c *Config) SkewWindow() time.Duration {
	return time.Duration(c.Auth.SkewSeconds) * time.Second
}

// NonceTTL is the replay-defense horizon as a duration.
func (c *Config) NonceTTL() time.Duration {
	return time.Duration(c.Auth.NonceTTLSeconds) * time.Second
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Vault.MasterSecret == "" {
		return fmt.Errorf("vault master secret is required (VAULT_MASTER_SECRET)")
	}
	if c.Admin.Token == "" {
		return fmt.Errorf("admin token is required (ADMIN_TOKEN)")
	}
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("postgres backend requires POSTGRES_DSN")
		}
	case "supabase":
		if c.Database.SupabaseURL == "" || c.Database.SupabaseKey == "" {
			return fmt.Errorf("supabase backend requires SUPABASE_URL and SUPABASE_SERVICE_KEY")
		}
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	return nil
}

func override(target *string, env string) {
	if v := os.Getenv(env); v != "" {
		*target = v
	}
}
