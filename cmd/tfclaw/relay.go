package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/tfclaw/tfclaw/internal/logging"
	"github.com/tfclaw/tfclaw/internal/relay"
	"github.com/tfclaw/tfclaw/internal/relay/config"
)

func runRelay(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.Setup("relay")
	if l, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(l)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return relay.NewServer(cfg).Serve(ctx)
}
