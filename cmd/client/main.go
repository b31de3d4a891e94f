package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"novel-stream/internal/client"
	"novel-stream/internal/config"
	"novel-stream/internal/logger"
	"novel-stream/internal/presenter"
)

func main() {
	cfg, err := config.LoadClientConfig(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Логи идут в stderr, чтобы не смешиваться с текстом истории
	log := logger.NewZerolog(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.DialTimeout)
	transport, err := client.Dial(dialCtx, cfg.ServerURL, cfg.WS, log)
	dialCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", cfg.ServerURL, err)
		os.Exit(1)
	}
	defer func() { _ = transport.Close() }()

	runner := client.NewRunner(transport, log)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		if err := runner.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Runner stopped")
		}
	}()

	terminal := presenter.NewTerminal(runner, os.Stdout)
	if err := terminal.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Terminal stopped")
	}
}
