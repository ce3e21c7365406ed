package app

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"orderflow/internal/event"
	"orderflow/internal/execution"
	"orderflow/internal/infra"
	"orderflow/internal/storage"
)

// Bootstrap orchestrates the application startup sequence and owns the
// handles everything else borrows.
type Bootstrap struct {
	Config   *infra.Config
	Store    *storage.Store
	Registry *execution.Registry
	Bus      *event.Bus

	unlock func()
}

func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config, prepares the workspace, and opens every shared
// resource. On error the caller gets a partially initialized Bootstrap and
// must not use it.
func (b *Bootstrap) Initialize() error {
	// 1. Load config
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("starting", "app", cfg.App.Name, "version", cfg.App.Version)

	// 3. Workspace layout + singleton lock. Two engines sharing one sqlite
	// file would double-submit orders, so fail fast.
	workDir := infra.GetWorkspaceDir()
	dataDir := filepath.Join(workDir, "data")
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	// 4. Order store (WAL-mode sqlite)
	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dataDir, dbPath)
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("order store opened", "path", dbPath)

	// 5. Exchange adapters
	registry, err := execution.NewRegistry(cfg)
	if err != nil {
		return err
	}
	b.Registry = registry

	// 6. Event bus
	b.Bus = event.NewBus()

	return nil
}

// Shutdown releases everything Initialize acquired, in reverse order.
func (b *Bootstrap) Shutdown() {
	if b.Bus != nil {
		b.Bus.Close()
	}
	if b.Registry != nil {
		b.Registry.Close()
	}
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			slog.Error("store close failed", "err", err)
		}
	}
	if b.unlock != nil {
		b.unlock()
	}
	slog.Info("shutdown complete")
}
