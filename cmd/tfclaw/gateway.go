package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tfclaw/tfclaw/internal/gateway"
	"github.com/tfclaw/tfclaw/internal/logging"
)

func runGateway(args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	configPath := fs.String("config", os.Getenv("TFCLAW_CONFIG_PATH"), "optional YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.Setup("gateway")
	if l, err := logging.ParseLevel(*logLevel); err == nil {
		logging.SetLevel(l)
	}

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The console adapter stands in for a chat-platform SDK: stdin
	// lines are inbound messages, replies print to stdout.
	chat := gateway.NewConsoleChat(os.Stdout)
	events := gateway.ReadEvents(ctx, os.Stdin)
	return gateway.Run(ctx, cfg, chat, events, slog.Default())
}
