package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Run is the process entrypoint: load env, build the app, serve until
// SIGINT/SIGTERM.
func Run() error {
	// Local dev convenience; absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := New(ctx, log, cfg)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
