// Package config loads the server configuration: YAML file first, then
// GATEHOUSE_* environment variables on top. Signing secrets are usually
// injected through the environment so the file on disk stays shareable.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/token"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Tokens   TokenConfig    `yaml:"tokens"`
	WebAuthn WebAuthnConfig `yaml:"webauthn"`
	Events   EventsConfig   `yaml:"events"`
	Security SecurityConfig `yaml:"security"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8443".
	Addr string `yaml:"addr"`
	// DataDir holds the embedded revocation ledger when Redis is not
	// configured.
	DataDir string `yaml:"data_dir"`
	// TLSCert and TLSKey point at a PEM key pair. When absent the server
	// generates a self-signed certificate at startup.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	// TrustedProxies lists CIDR ranges (or bare addresses) whose
	// X-Forwarded-For headers are honored. Empty means proxy headers are
	// ignored and the socket peer address is used as the client IP.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// DatabaseConfig configures the user and share store. An empty DSN selects
// the in-memory store, which is only suitable for local development.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the revocation ledger backend. An empty Addr
// selects an embedded bbolt database under Server.DataDir instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TokenConfig holds the signing secrets and lifetimes. Each secret must be
// at least 32 bytes and the three must differ from each other.
type TokenConfig struct {
	AccessSecret  string `yaml:"access_secret"`
	RefreshSecret string `yaml:"refresh_secret"`
	ShareSecret   string `yaml:"share_secret"`
	// Issuer is the iss claim stamped into every token.
	Issuer string `yaml:"issuer"`
	// Zero lifetimes keep the built-in defaults per token kind.
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	ShareTTL   time.Duration `yaml:"share_ttl"`
}

// WebAuthnConfig identifies the relying party for passkey ceremonies.
type WebAuthnConfig struct {
	RPID          string   `yaml:"rp_id"`
	RPDisplayName string   `yaml:"rp_display_name"`
	Origins       []string `yaml:"origins"`
}

// EventsConfig selects where security events are published. NATS and the
// webhook can be combined; with neither set, events only reach the audit
// log.
type EventsConfig struct {
	NATSURL    string `yaml:"nats_url"`
	WebhookURL string `yaml:"webhook_url"`
	// WebhookAuth is an optional "Header-Name: value" pair attached to
	// every webhook delivery.
	WebhookAuth string `yaml:"webhook_auth"`
}

// SecurityConfig carries the operator-editable lockout knobs. The running
// server re-reads them on configuration reload, so tightening the limits
// does not need a restart.
type SecurityConfig struct {
	MaxPasswordAttempts int           `yaml:"max_password_attempts"`
	AttemptWindow       time.Duration `yaml:"attempt_window"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present. Secrets are deliberately empty;
// Validate rejects a config without them.
func DefaultConfig() *Config {
	sec := auth.DefaultSecuritySettings()
	return &Config{
		Server: ServerConfig{
			Addr:    ":8443",
			DataDir: "data",
		},
		Tokens: TokenConfig{
			Issuer: "gatehouse",
		},
		WebAuthn: WebAuthnConfig{
			RPID:          "localhost",
			RPDisplayName: "Gatehouse",
			Origins:       []string{"https://localhost:8443"},
		},
		Security: SecurityConfig{
			MaxPasswordAttempts: sec.MaxPasswordAttempts,
			AttemptWindow:       sec.AttemptWindow,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile reads a YAML file over the defaults. Unknown keys are
// rejected so a typo in the file fails loudly instead of silently keeping
// a default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file at
// path when non-empty, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays GATEHOUSE_* variables onto the config. An empty
// variable is treated as unset.
func (c *Config) applyEnv() error {
	envString("GATEHOUSE_ADDR", &c.Server.Addr)
	envString("GATEHOUSE_DATA_DIR", &c.Server.DataDir)
	envString("GATEHOUSE_TLS_CERT", &c.Server.TLSCert)
	envString("GATEHOUSE_TLS_KEY", &c.Server.TLSKey)
	envList("GATEHOUSE_TRUSTED_PROXIES", &c.Server.TrustedProxies)

	envString("GATEHOUSE_DATABASE_DSN", &c.Database.DSN)

	envString("GATEHOUSE_REDIS_ADDR", &c.Redis.Addr)
	envString("GATEHOUSE_REDIS_PASSWORD", &c.Redis.Password)
	if err := envInt("GATEHOUSE_REDIS_DB", &c.Redis.DB); err != nil {
		return err
	}

	envString("GATEHOUSE_ACCESS_SECRET", &c.Tokens.AccessSecret)
	envString("GATEHOUSE_REFRESH_SECRET", &c.Tokens.RefreshSecret)
	envString("GATEHOUSE_SHARE_SECRET", &c.Tokens.ShareSecret)
	envString("GATEHOUSE_TOKEN_ISSUER", &c.Tokens.Issuer)
	if err := envDuration("GATEHOUSE_ACCESS_TTL", &c.Tokens.AccessTTL); err != nil {
		return err
	}
	if err := envDuration("GATEHOUSE_REFRESH_TTL", &c.Tokens.RefreshTTL); err != nil {
		return err
	}
	if err := envDuration("GATEHOUSE_SHARE_TTL", &c.Tokens.ShareTTL); err != nil {
		return err
	}

	envString("GATEHOUSE_RP_ID", &c.WebAuthn.RPID)
	envString("GATEHOUSE_RP_DISPLAY_NAME", &c.WebAuthn.RPDisplayName)
	envList("GATEHOUSE_RP_ORIGINS", &c.WebAuthn.Origins)

	envString("GATEHOUSE_NATS_URL", &c.Events.NATSURL)
	envString("GATEHOUSE_WEBHOOK_URL", &c.Events.WebhookURL)
	envString("GATEHOUSE_WEBHOOK_AUTH", &c.Events.WebhookAuth)

	if err := envInt("GATEHOUSE_MAX_PASSWORD_ATTEMPTS", &c.Security.MaxPasswordAttempts); err != nil {
		return err
	}
	if err := envDuration("GATEHOUSE_ATTEMPT_WINDOW", &c.Security.AttemptWindow); err != nil {
		return err
	}

	envString("GATEHOUSE_LOG_LEVEL", &c.Log.Level)
	envString("GATEHOUSE_LOG_FORMAT", &c.Log.Format)
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

const minSecretLen = 32

// Validate checks that the configuration can actually run a server. It is
// called on every load, so a broken edit is caught at startup or rejected
// by the reload watcher rather than surfacing as a runtime failure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Redis.Addr == "" && c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required when redis.addr is not set")
	}

	for _, s := range []struct {
		name, env, value string
	}{
		{"tokens.access_secret", "GATEHOUSE_ACCESS_SECRET", c.Tokens.AccessSecret},
		{"tokens.refresh_secret", "GATEHOUSE_REFRESH_SECRET", c.Tokens.RefreshSecret},
		{"tokens.share_secret", "GATEHOUSE_SHARE_SECRET", c.Tokens.ShareSecret},
	} {
		if s.value == "" {
			return fmt.Errorf("%s is required (set %s)", s.name, s.env)
		}
		if len(s.value) < minSecretLen {
			return fmt.Errorf("%s must be at least %d bytes", s.name, minSecretLen)
		}
	}
	if c.Tokens.AccessSecret == c.Tokens.RefreshSecret ||
		c.Tokens.AccessSecret == c.Tokens.ShareSecret ||
		c.Tokens.RefreshSecret == c.Tokens.ShareSecret {
		return fmt.Errorf("token signing secrets must be distinct")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"tokens.access_ttl", c.Tokens.AccessTTL},
		{"tokens.refresh_ttl", c.Tokens.RefreshTTL},
		{"tokens.share_ttl", c.Tokens.ShareTTL},
	} {
		if d.value < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}

	if c.WebAuthn.RPID == "" {
		return fmt.Errorf("webauthn.rp_id is required")
	}
	if len(c.WebAuthn.Origins) == 0 {
		return fmt.Errorf("webauthn.origins must list at least one origin")
	}

	if c.Security.MaxPasswordAttempts < 1 {
		return fmt.Errorf("security.max_password_attempts must be at least 1")
	}
	if c.Security.AttemptWindow <= 0 {
		return fmt.Errorf("security.attempt_window must be positive")
	}

	if _, err := c.TrustedProxies(); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text")
	}
	return nil
}

// TrustedProxies parses server.trusted_proxies into prefixes. A bare
// address becomes a single-host prefix.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	if len(c.Server.TrustedProxies) == 0 {
		return nil, nil
	}
	prefixes := make([]netip.Prefix, 0, len(c.Server.TrustedProxies))
	for _, entry := range c.Server.TrustedProxies {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %q: %w", entry, err)
			}
			prefixes = append(prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %q: %w", entry, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// SigningKeys returns fresh copies of the token secrets. The issuer wipes
// the slices it is handed, so each call must allocate.
func (c *Config) SigningKeys() token.Keys {
	return token.Keys{
		Access:  []byte(c.Tokens.AccessSecret),
		Refresh: []byte(c.Tokens.RefreshSecret),
		Share:   []byte(c.Tokens.ShareSecret),
	}
}

// SecuritySettings converts the lockout knobs into the form the login
// limiter consumes.
func (c *Config) SecuritySettings() auth.SecuritySettings {
	return auth.SecuritySettings{
		MaxPasswordAttempts: c.Security.MaxPasswordAttempts,
		AttemptWindow:       c.Security.AttemptWindow,
	}
}

// SlogLevel maps the configured level name onto slog's scale. Validate
// has already rejected unknown names.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
