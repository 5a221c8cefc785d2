package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds the agent's runtime configuration.
type Config struct {
	Token          string
	RelayURL       string
	AgentID        string
	StartTerminals int
	DefaultCwd     string
	MaxLocalBuffer int

	Tmux TmuxConfig
}

// TmuxConfig controls the multiplexer driver.
type TmuxConfig struct {
	Command         string
	BaseArgs        []string
	SessionName     string
	CaptureLines    int
	PollInterval    time.Duration
	MaxDeltaChars   int
	BootstrapWindow string
	ResetOnBoot     bool
	PersistSession  bool
}

var defaults = map[string]interface{}{
	"token":            "",
	"relay_url":        "ws://127.0.0.1:8080/ws",
	"agent_id":         "",
	"start_terminals":  1,
	"default_cwd":      "",
	"max_local_buffer": 12_000,

	"tmux_command":                     "tmux",
	"tmux_base_args":                   "",
	"tmux_session_name":                "tfclaw",
	"tmux_capture_lines":               300,
	"tmux_poll_ms":                     250,
	"tmux_max_delta_chars":             4000,
	"tmux_bootstrap_window":            "_tfclaw",
	"tmux_reset_on_boot":               true,
	"tmux_persist_session_on_shutdown": false,
}

// LoadConfig reads agent configuration from TFCLAW_* environment
// variables layered over defaults.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider("TFCLAW_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TFCLAW_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	c := &Config{
		Token:          k.String("token"),
		RelayURL:       k.String("relay_url"),
		AgentID:        k.String("agent_id"),
		StartTerminals: k.Int("start_terminals"),
		DefaultCwd:     k.String("default_cwd"),
		MaxLocalBuffer: k.Int("max_local_buffer"),
		Tmux: TmuxConfig{
			Command:         k.String("tmux_command"),
			BaseArgs:        splitArgs(k.String("tmux_base_args")),
			SessionName:     k.String("tmux_session_name"),
			CaptureLines:    k.Int("tmux_capture_lines"),
			PollInterval:    time.Duration(k.Int("tmux_poll_ms")) * time.Millisecond,
			MaxDeltaChars:   k.Int("tmux_max_delta_chars"),
			BootstrapWindow: k.String("tmux_bootstrap_window"),
			ResetOnBoot:     k.Bool("tmux_reset_on_boot"),
			PersistSession:  k.Bool("tmux_persist_session_on_shutdown"),
		},
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
	if c.Tmux.SessionName == "" {
		return fmt.Errorf("tmux session name is required")
	}
	if c.Tmux.PollInterval < 50*time.Millisecond {
		c.Tmux.PollInterval = 50 * time.Millisecond
	}
	if c.Tmux.CaptureLines <= 0 {
		c.Tmux.CaptureLines = 300
	}
	if c.Tmux.MaxDeltaChars <= 0 {
		c.Tmux.MaxDeltaChars = 4000
	}
	if c.MaxLocalBuffer <= 0 {
		c.MaxLocalBuffer = 12_000
	}
	if c.StartTerminals < 0 {
		c.StartTerminals = 0
	}
	return nil
}

func splitArgs(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
