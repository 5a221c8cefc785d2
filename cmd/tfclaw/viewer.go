package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tfclaw/tfclaw/internal/logging"
	"github.com/tfclaw/tfclaw/internal/viewer"
)

func runViewer(args []string) error {
	fs := flag.NewFlagSet("viewer", flag.ExitOnError)
	relayURL := fs.String("relay", envOr("TFCLAW_RELAY_URL", "ws://127.0.0.1:8080/ws"), "relay WebSocket URL")
	token := fs.String("token", os.Getenv("TFCLAW_TOKEN"), "session token")
	raw := fs.Bool("raw", false, "start in raw passthrough mode")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = fs.Parse(args)

	logging.Setup("viewer")
	if l, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(l)
	}

	if *token == "" {
		return fmt.Errorf("a session token is required (-token or TFCLAW_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v := viewer.New(viewer.Config{RelayURL: *relayURL, Token: *token, Raw: *raw}, slog.Default())
	return v.Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
