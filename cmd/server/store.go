package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/config"
	"github.com/5-logic/the-sync-cache/internal/domain"
	"github.com/5-logic/the-sync-cache/internal/repositories"
	"github.com/5-logic/the-sync-cache/internal/storage"
)

const pebbleKeyPrefix = "thesync/"

// openStore открывает хранилище снимков по имени бэкенда из конфига.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (domain.DurableStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil

	case config.BackendPebble:
		store, err := storage.NewPebbleStore(cfg.Path, pebbleKeyPrefix)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("не удалось создать каталог %s: %w", cfg.Path, err)
		}
		store, err := storage.NewSQLiteStore(ctx, filepath.Join(cfg.Path, "snapshots.db"))
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendReindexer:
		store, err := repositories.NewReindexerStore(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("неизвестный бэкенд хранилища: %q", cfg.Backend)
	}
}
