package gateway

import (
	"context"
	"fmt"
	"log/slog"
)

// Run boots the gateway over the given chat platform and blocks until
// ctx is canceled or startup fails.
func Run(ctx context.Context, cfg *Config, chat Chat, events <-chan Message, log *slog.Logger) error {
	bridge, err := NewBridge(cfg.RelayURL, cfg.Token, log)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	router := NewRouter(cfg, bridge, chat, log)

	go bridge.Run(ctx)
	log.Info("gateway starting", "relay", cfg.RelayURL)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-events:
			if !ok {
				return nil
			}
			router.HandleMessage(ctx, m)
		}
	}
}
