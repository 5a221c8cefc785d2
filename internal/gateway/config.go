package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the gateway's runtime configuration.
type Config struct {
	Token    string
	RelayURL string

	ResultTimeout       time.Duration // tfclaw.command results
	CaptureTimeout      time.Duration // screen.capture grabs
	CaptureListTimeout  time.Duration // capture.list replies
	ProgressRecallDelay time.Duration // delete-previous delay
	CaptureMenuTTL      time.Duration

	AllowedUsers []string // empty allows everyone
	ReactEmoji   string   // receipt reaction; empty disables
}

var gatewayDefaults = map[string]interface{}{
	"token":                     "",
	"relay_url":                 "ws://127.0.0.1:8080/ws",
	"command_result_timeout_ms": 24 * 60 * 60 * 1000,
	"capture_timeout_ms":        20_000,
	"capture_list_timeout_ms":   15_000,
	"progress_recall_delay_ms":  350,
	"capture_menu_ttl_ms":       120_000,
	"allowed_users":             "",
	"react_emoji":               "",
}

// LoadConfig reads gateway configuration from an optional YAML file
// (TFCLAW_CONFIG_PATH) layered under TFCLAW_* environment variables.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(gatewayDefaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}
	if err := k.Load(env.Provider("TFCLAW_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TFCLAW_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	c := &Config{
		Token:               k.String("token"),
		RelayURL:            k.String("relay_url"),
		ResultTimeout:       time.Duration(k.Int("command_result_timeout_ms")) * time.Millisecond,
		CaptureTimeout:      time.Duration(k.Int("capture_timeout_ms")) * time.Millisecond,
		CaptureListTimeout:  time.Duration(k.Int("capture_list_timeout_ms")) * time.Millisecond,
		ProgressRecallDelay: time.Duration(k.Int("progress_recall_delay_ms")) * time.Millisecond,
		CaptureMenuTTL:      time.Duration(k.Int("capture_menu_ttl_ms")) * time.Millisecond,
		AllowedUsers:        splitCSV(k.String("allowed_users")),
		ReactEmoji:          k.String("react_emoji"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required values and applies lower bounds.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("TFCLAW_TOKEN is required")
	}
	if c.RelayURL == "" {
		return fmt.Errorf("TFCLAW_RELAY_URL is required")
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = 24 * time.Hour
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 20 * time.Second
	}
	if c.CaptureListTimeout <= 0 {
		c.CaptureListTimeout = 15 * time.Second
	}
	if c.ProgressRecallDelay < 0 {
		c.ProgressRecallDelay = 350 * time.Millisecond
	}
	if c.CaptureMenuTTL <= 0 {
		c.CaptureMenuTTL = 2 * time.Minute
	}
	return nil
}

// UserAllowed checks the optional user allowlist.
func (c *Config) UserAllowed(userID string) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, u := range c.AllowedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
