package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// RunRelay is the entrypoint used by cmd/pairline-relay.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func RunRelay() error {
	if err := LoadDotEnv(); err != nil {
		return err
	}
	cfg := LoadRelayConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r, err := NewRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

// RunClient is the entrypoint used by cmd/pairline. Logs go to stderr so they
// do not interleave with the conversation on stdout.
func RunClient() error {
	if err := LoadDotEnv(); err != nil {
		return err
	}
	cfg := LoadClientConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	c, err := NewClient(cfg, log, os.Stdout)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return c.Run(ctx, os.Stdin)
}
