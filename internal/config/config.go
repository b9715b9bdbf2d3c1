package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds everything the server needs at startup. Values come from the
// environment, with an optional YAML file (BASELINER_CONFIG) layered
// underneath for deployments that prefer files over env vars.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port                 string `yaml:"port"`
	RequestTimeoutSecs   int    `yaml:"request_timeout_seconds"`
	ReportTimeoutSecs    int    `yaml:"report_timeout_seconds"`
	ShutdownTimeoutSecs  int    `yaml:"shutdown_timeout_seconds"`
	LogRequests          bool   `yaml:"log_requests"`
	MetricsEnabled       bool   `yaml:"metrics_enabled"`
	TrustForwardedHeader bool   `yaml:"trust_forwarded_header"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type AuthConfig struct {
	AdminKey    string `yaml:"admin_key"`
	TokenPepper string `yaml:"token_pepper"`
}

type LimitsConfig struct {
	MaxBodyBytesDefault int64 `yaml:"max_body_bytes_default"`
	MaxBodyBytesReports int64 `yaml:"max_body_bytes_reports"`
	MaxReportItems      int   `yaml:"max_report_items"`
	MaxReportLogs       int   `yaml:"max_report_logs"`
}

type RateLimitConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Backend            string `yaml:"backend"` // "memory" or "redis"
	RedisURL           string `yaml:"redis_url"`
	ReportsPerMinute   int    `yaml:"reports_per_minute"`
	ReportsBurst       int    `yaml:"reports_burst"`
	ReportsIPPerMinute int    `yaml:"reports_ip_per_minute"`
	ReportsIPBurst     int    `yaml:"reports_ip_burst"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:                "8080",
			RequestTimeoutSecs:  30,
			ReportTimeoutSecs:   60,
			ShutdownTimeoutSecs: 30,
			LogRequests:         true,
			MetricsEnabled:      true,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 30,
			MaxIdleConns: 10,
		},
		Limits: LimitsConfig{
			MaxBodyBytesDefault: 1 << 20,  // 1 MiB
			MaxBodyBytesReports: 10 << 20, // 10 MiB
			MaxReportItems:      500,
			MaxReportLogs:       2000,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			Backend:            "memory",
			ReportsPerMinute:   60,
			ReportsBurst:       10,
			ReportsIPPerMinute: 60,
			ReportsIPBurst:     10,
		},
	}
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment overrides. DATABASE_URL, BASELINER_ADMIN_KEY and
// BASELINER_TOKEN_PEPPER are required.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("BASELINER_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Auth.AdminKey == "" {
		return nil, fmt.Errorf("BASELINER_ADMIN_KEY is required")
	}
	if cfg.Auth.TokenPepper == "" {
		return nil, fmt.Errorf("BASELINER_TOKEN_PEPPER is required")
	}
	if cfg.RateLimit.Backend != "memory" && cfg.RateLimit.Backend != "redis" {
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.Backend == "redis" && cfg.RateLimit.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Auth.AdminKey, "BASELINER_ADMIN_KEY")
	setStr(&cfg.Auth.TokenPepper, "BASELINER_TOKEN_PEPPER")

	setInt64(&cfg.Limits.MaxBodyBytesDefault, "MAX_REQUEST_BODY_BYTES_DEFAULT")
	setInt64(&cfg.Limits.MaxBodyBytesReports, "MAX_REQUEST_BODY_BYTES_DEVICE_REPORTS")
	setInt(&cfg.Limits.MaxReportItems, "MAX_REPORT_ITEMS")
	setInt(&cfg.Limits.MaxReportLogs, "MAX_REPORT_LOGS")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setStr(&cfg.RateLimit.Backend, "RATE_LIMIT_BACKEND")
	setStr(&cfg.RateLimit.RedisURL, "REDIS_URL")
	setInt(&cfg.RateLimit.ReportsPerMinute, "RATE_LIMIT_REPORTS_PER_MINUTE")
	setInt(&cfg.RateLimit.ReportsBurst, "RATE_LIMIT_REPORTS_BURST")
	setInt(&cfg.RateLimit.ReportsIPPerMinute, "RATE_LIMIT_REPORTS_IP_PER_MINUTE")
	setInt(&cfg.RateLimit.ReportsIPBurst, "RATE_LIMIT_REPORTS_IP_BURST")

	setInt(&cfg.Server.RequestTimeoutSecs, "REQUEST_TIMEOUT_SECONDS")
	setInt(&cfg.Server.ReportTimeoutSecs, "REPORT_TIMEOUT_SECONDS")
	setBool(&cfg.Server.LogRequests, "LOG_REQUESTS")
	setBool(&cfg.Server.TrustForwardedHeader, "TRUST_FORWARDED_HEADER")
}

// RequestTimeout is the default per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSecs) * time.Second
}

// ReportTimeout is the deadline for report ingestion requests.
func (c *Config) ReportTimeout() time.Duration {
	return time.Duration(c.Server.ReportTimeoutSecs) * time.Second
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
