package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mdp/qrterminal/v3"

	"github.com/tfclaw/tfclaw/internal/agent/tmux"
)

// Run boots the agent and blocks until ctx is canceled or startup
// fails.
func Run(ctx context.Context, cfg *Config, log *slog.Logger) error {
	if cfg.AgentID == "" {
		id, err := gonanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 12)
		if err != nil {
			return err
		}
		cfg.AgentID = "agent-" + id
	}

	runner := tmux.NewRunner(cfg.Tmux.Command, cfg.Tmux.BaseArgs, cfg.Tmux.SessionName)
	driver := NewDriver(cfg, runner, nil, log)

	if err := driver.Bootstrap(ctx); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		driver.Shutdown(ctx)
	}()

	client, err := NewRelayClient(cfg.RelayURL, cfg.Token, driver, log)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	driver.pub = client

	printPairing(cfg.RelayURL, cfg.Token)
	log.Info("agent starting",
		"agent_id", cfg.AgentID,
		"relay", cfg.RelayURL,
		"session", cfg.Tmux.SessionName)

	go func() {
		ticker := time.NewTicker(cfg.Tmux.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				driver.Sweep(ctx)
			}
		}
	}()

	client.Run(ctx)
	return nil
}

// printPairing renders a QR code a mobile client can scan to join the
// session.
func printPairing(relayURL, token string) {
	payload := fmt.Sprintf("tfclaw://pair?relay=%s&token=%s", relayURL, token)
	fmt.Fprintln(os.Stdout, "Scan to pair a client:")
	qrterminal.GenerateWithConfig(payload, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Fprintf(os.Stdout, "Relay: %s\n", relayURL)
}
