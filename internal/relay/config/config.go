// Package config loads relay configuration from RELAY_* environment
// variables layered over built-in defaults.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// strongTokenRe is the pattern enforced when strong-token mode is on.
var strongTokenRe = regexp.MustCompile(`^[A-Za-z0-9._~-]{16,128}$`)

// Config holds the relay's runtime configuration.
type Config struct {
	Host   string
	Port   int
	WSPath string

	MaxSnapshotChars     int
	MaxMessageBytes      int64
	MaxConnections       int
	MaxConnectionsPerIP  int
	MaxSessions          int
	MaxClientsPerSession int

	MessageRateWindow    time.Duration
	MaxMessagesPerWindow int

	UpgradeRateWindow         time.Duration
	MaxUpgradesPerWindowPerIP int

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration

	TokenMinLength     int
	TokenMaxLength     int
	EnforceStrongToken bool
	AllowedOrigins     []string
	AllowedTokens      []string
}

var defaults = map[string]interface{}{
	"host":                           "0.0.0.0",
	"port":                           8080,
	"ws_path":                        "/ws",
	"max_snapshot_chars":             200_000,
	"max_message_bytes":              256 * 1024,
	"max_connections":                512,
	"max_connections_per_ip":         32,
	"max_sessions":                   256,
	"max_clients_per_session":        16,
	"message_rate_window_ms":         10_000,
	"max_messages_per_window":        600,
	"upgrade_rate_window_ms":         60_000,
	"max_upgrades_per_window_per_ip": 120,
	"heartbeat_interval_ms":          20_000,
	"idle_timeout_ms":                120_000,
	"token_min_length":               8,
	"token_max_length":               128,
	"enforce_strong_token":           false,
	"allowed_origins":                "",
	"allowed_tokens":                 "",
}

// Load reads configuration from the environment. Variables use the
// RELAY_ prefix with the key upper-cased, e.g. RELAY_WS_PATH,
// RELAY_MAX_SNAPSHOT_CHARS, RELAY_HEARTBEAT_INTERVAL_MS.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "RELAY_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	c := &Config{
		Host:   k.String("host"),
		Port:   k.Int("port"),
		WSPath: k.String("ws_path"),

		MaxSnapshotChars:     k.Int("max_snapshot_chars"),
		MaxMessageBytes:      k.Int64("max_message_bytes"),
		MaxConnections:       k.Int("max_connections"),
		MaxConnectionsPerIP:  k.Int("max_connections_per_ip"),
		MaxSessions:          k.Int("max_sessions"),
		MaxClientsPerSession: k.Int("max_clients_per_session"),

		MessageRateWindow:    time.Duration(k.Int("message_rate_window_ms")) * time.Millisecond,
		MaxMessagesPerWindow: k.Int("max_messages_per_window"),

		UpgradeRateWindow:         time.Duration(k.Int("upgrade_rate_window_ms")) * time.Millisecond,
		MaxUpgradesPerWindowPerIP: k.Int("max_upgrades_per_window_per_ip"),

		HeartbeatInterval: time.Duration(k.Int("heartbeat_interval_ms")) * time.Millisecond,
		IdleTimeout:       time.Duration(k.Int("idle_timeout_ms")) * time.Millisecond,

		TokenMinLength:     k.Int("token_min_length"),
		TokenMaxLength:     k.Int("token_max_length"),
		EnforceStrongToken: k.Bool("enforce_strong_token"),
		AllowedOrigins:     splitCSV(k.String("allowed_origins")),
		AllowedTokens:      splitCSV(k.String("allowed_tokens")),
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration values and applies lower bounds.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path %q must start with /", c.WSPath)
	}
	if c.MaxSnapshotChars <= 0 {
		return fmt.Errorf("max_snapshot_chars must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive")
	}
	if c.TokenMinLength < 1 || c.TokenMaxLength < c.TokenMinLength {
		return fmt.Errorf("invalid token length bounds %d..%d", c.TokenMinLength, c.TokenMaxLength)
	}
	// Heartbeat lower bound: a sub-5s interval would terminate sockets
	// faster than mobile clients can answer pings.
	if c.HeartbeatInterval < 5*time.Second {
		c.HeartbeatInterval = 5 * time.Second
	}
	return nil
}

// ValidateToken checks a bearer token against the configured length
// bounds, the strong-token pattern, and the allowlist.
func (c *Config) ValidateToken(token string) error {
	if len(token) < c.TokenMinLength || len(token) > c.TokenMaxLength {
		return fmt.Errorf("token length %d outside %d..%d", len(token), c.TokenMinLength, c.TokenMaxLength)
	}
	if c.EnforceStrongToken && !strongTokenRe.MatchString(token) {
		return fmt.Errorf("token does not satisfy strong-token policy")
	}
	if len(c.AllowedTokens) > 0 {
		for _, t := range c.AllowedTokens {
			if t == token {
				return nil
			}
		}
		return fmt.Errorf("token not in allowlist")
	}
	return nil
}

// OriginAllowed reports whether the Origin header passes the allowlist.
// An empty allowlist admits every origin.
func (c *Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
