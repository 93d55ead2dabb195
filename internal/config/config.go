package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the static, process-lifetime configuration for the shuma
// edge middleware: where it listens, which KV backend backs site state, and
// the ambient concerns (TLS, logging, telemetry, admin API, observability).
// Everything site-specific (bans, rate limits, geo lists, thresholds) lives
// in siteconfig.Config, loaded from the KV store at request time instead of
// from this file.
type Config struct {
	Listen        string              `yaml:"listen"`
	KV            KVConfig            `yaml:"kv"`
	KVFailOpen    bool                `yaml:"kv_fail_open"`
	TLS           TLSConfig           `yaml:"tls"`
	Admin         AdminConfig         `yaml:"admin"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Observability ObservabilityConfig `yaml:"observability"`
	Secrets       SecretsConfig       `yaml:"secrets"`
}

// KVConfig selects and configures the backend behind internal/kv.Store.
type KVConfig struct {
	Backend    string      `yaml:"backend"` // "memory", "redis", or "sqlite"
	Redis      RedisConfig `yaml:"redis"`
	SQLitePath string      `yaml:"sqlite_path"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TLSConfig holds TLS/HTTPS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// AdminConfig holds the bearer-token-gated admin API's listen address and
// auth settings.
type AdminConfig struct {
	Listen  string          `yaml:"listen"`
	Enabled bool            `yaml:"enabled"`
	Auth    AdminAuthConfig `yaml:"auth"`
}

// AdminAuthConfig holds admin API authentication settings.
type AdminAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// ObservabilityConfig configures the derived SQLite event mirror.
// RetentionDays is loaded and validated, but nothing in the process applies
// it: neither the SQLite mirror nor the KV event log is swept.
type ObservabilityConfig struct {
	HistoryPath   string `yaml:"history_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// SecretsConfig holds the HMAC keys the decision pipeline signs and
// verifies JS verification tokens, PoW seeds, interactive challenge seeds,
// and maze tokens with. Each should be a long random value supplied by the
// operator; the defaults here exist so a fresh checkout still runs.
type SecretsConfig struct {
	JS        string `yaml:"js"`
	PoW       string `yaml:"pow"`
	Maze      string `yaml:"maze"`
	Challenge string `yaml:"challenge"`
}

// Load reads and parses the configuration file, starting from defaults
// when it does not exist; environment overrides and validation apply in
// both cases.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8080",
		KV: KVConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				DB:   0,
			},
			SQLitePath: "data/shuma.db",
		},
		KVFailOpen: false,
		TLS: TLSConfig{
			Enabled:  false,
			AutoCert: false,
		},
		Admin: AdminConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "shuma",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Observability: ObservabilityConfig{
			HistoryPath:   "data/shuma-events.db",
			RetentionDays: 30,
		},
		Secrets: SecretsConfig{
			JS:        "dev-js-secret-change-me",
			PoW:       "dev-pow-secret-change-me",
			Maze:      "dev-maze-secret-change-me",
			Challenge: "dev-challenge-secret-change-me",
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SHUMA_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SHUMA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("SHUMA_KV_BACKEND"); v != "" {
		c.KV.Backend = v
	}
	if v := os.Getenv("SHUMA_REDIS_ADDR"); v != "" {
		c.KV.Redis.Addr = v
	}
	if v := os.Getenv("SHUMA_REDIS_PASSWORD"); v != "" {
		c.KV.Redis.Password = v
	}
	if v := os.Getenv("SHUMA_SQLITE_PATH"); v != "" {
		c.KV.SQLitePath = v
	}
	if os.Getenv("SHUMA_KV_FAIL_OPEN") == "true" {
		c.KVFailOpen = true
	}

	if os.Getenv("SHUMA_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("SHUMA_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("SHUMA_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("SHUMA_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if v := os.Getenv("SHUMA_OBSERVABILITY_HISTORY_PATH"); v != "" {
		c.Observability.HistoryPath = v
	}
	if v := os.Getenv("SHUMA_OBSERVABILITY_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			c.Observability.RetentionDays = days
		}
	}

	if os.Getenv("SHUMA_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("SHUMA_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("SHUMA_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if os.Getenv("SHUMA_TLS_AUTO_CERT") == "true" {
		c.TLS.AutoCert = true
	}

	if os.Getenv("SHUMA_ADMIN_AUTH_ENABLED") == "true" {
		c.Admin.Auth.Enabled = true
	}
	if v := os.Getenv("SHUMA_ADMIN_API_KEY"); v != "" {
		c.Admin.Auth.APIKey = v
		c.Admin.Auth.Enabled = true
	}
	if v := os.Getenv("SHUMA_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}

	if v := os.Getenv("SHUMA_SECRET_JS"); v != "" {
		c.Secrets.JS = v
	}
	if v := os.Getenv("SHUMA_SECRET_POW"); v != "" {
		c.Secrets.PoW = v
	}
	if v := os.Getenv("SHUMA_SECRET_MAZE"); v != "" {
		c.Secrets.Maze = v
	}
	if v := os.Getenv("SHUMA_SECRET_CHALLENGE"); v != "" {
		c.Secrets.Challenge = v
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.KV.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("kv.backend must be \"memory\", \"redis\", or \"sqlite\", got %q", c.KV.Backend)
	}
	if c.KV.Backend == "redis" && c.KV.Redis.Addr == "" {
		return fmt.Errorf("kv.redis.addr is required when kv.backend is \"redis\"")
	}
	if c.KV.Backend == "sqlite" && c.KV.SQLitePath == "" {
		return fmt.Errorf("kv.sqlite_path is required when kv.backend is \"sqlite\"")
	}
	if c.TLS.Enabled && !c.TLS.AutoCert && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required when tls.enabled is true and tls.auto_cert is false")
	}
	return nil
}
