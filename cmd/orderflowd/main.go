package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"orderflow/internal/app"
	"orderflow/internal/domain"
	"orderflow/internal/engine"
)

func main() {
	// Secrets may live in a local .env during development; a missing file
	// is not an error.
	_ = godotenv.Load()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer bootstrap.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(bootstrap.Config, bootstrap.Store, bootstrap.Registry, bootstrap.Bus)

	stopStreams := bootstrap.Registry.StartFillStreams(ctx, func(up domain.ExecutionUpdate) {
		eng.ApplyExecution(ctx, up)
	})
	defer stopStreams()

	// Blocks until the context is cancelled and both loops drain.
	eng.Run(ctx)
}
