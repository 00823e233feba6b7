package config

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	HTTPBodyLimit  string        `mapstructure:"HTTP_BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// IngestListeners is "instrument=addr" pairs, comma separated.
	IngestListeners       string        `mapstructure:"INGEST_LISTENERS"`
	IngestIdleTimeout     time.Duration `mapstructure:"INGEST_IDLE_TIMEOUT"`
	IngestMaxMessageBytes int           `mapstructure:"INGEST_MAX_MESSAGE_BYTES"`
	IngestStoreTimeout    time.Duration `mapstructure:"INGEST_STORE_TIMEOUT"`

	NATSURL           string `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`
	MetricsEnabled    bool   `mapstructure:"METRICS_ENABLED"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "HTTP_BODY_LIMIT", "REQUEST_TIMEOUT",
	"INGEST_LISTENERS", "INGEST_IDLE_TIMEOUT", "INGEST_MAX_MESSAGE_BYTES", "INGEST_STORE_TIMEOUT",
	"NATS_URL", "NATS_SUBJECT_PREFIX", "METRICS_ENABLED", "LOG_LEVEL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("HTTP_BODY_LIMIT", "2M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("INGEST_LISTENERS", "")
	v.SetDefault("INGEST_IDLE_TIMEOUT", "30s")
	v.SetDefault("INGEST_MAX_MESSAGE_BYTES", 1<<20)
	v.SetDefault("INGEST_STORE_TIMEOUT", "30s")
	v.SetDefault("NATS_SUBJECT_PREFIX", "lab.results")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("LOG_LEVEL", "info")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil || (len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",")) {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments get "development" (no token required) and everything else
// "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Listener binds one instrument profile to a TCP address.
type Listener struct {
	Instrument string
	Addr       string
}

// Listeners parses INGEST_LISTENERS, e.g. "hematology=:5600,immunoassay=:5601".
// The result is sorted by instrument.
func (c *Config) Listeners() ([]Listener, error) {
	var out []Listener
	seenInst := map[string]bool{}
	seenAddr := map[string]bool{}

	for _, entry := range splitList(c.IngestListeners) {
		name, addr, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		addr = strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("INGEST_LISTENERS entry %q: expected instrument=host:port", entry)
		}
		if _, port, err := net.SplitHostPort(addr); err != nil || port == "" {
			return nil, fmt.Errorf("INGEST_LISTENERS entry %q: invalid address: %v", entry, err)
		}
		if seenInst[name] {
			return nil, fmt.Errorf("INGEST_LISTENERS: instrument %q listed twice", name)
		}
		if seenAddr[addr] {
			return nil, fmt.Errorf("INGEST_LISTENERS: address %q listed twice", addr)
		}
		seenInst[name], seenAddr[addr] = true, true
		out = append(out, Listener{Instrument: name, Addr: addr})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a token key source is required.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed with ENV=production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
		}
		if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if _, err := c.Listeners(); err != nil {
		return err
	}
	if c.IngestMaxMessageBytes <= 0 {
		return fmt.Errorf("INGEST_MAX_MESSAGE_BYTES must be positive, got %d", c.IngestMaxMessageBytes)
	}
	if c.IngestIdleTimeout < 0 {
		return fmt.Errorf("INGEST_IDLE_TIMEOUT must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	return nil
}
