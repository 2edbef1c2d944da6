package store

import (
	"context"
	"fmt"

	"orchestrator-core/internal/config"
)

// Open builds the backend named by cfg.StoreBackend. The Postgres backend has
// its migrations applied before it is returned.
func Open(ctx context.Context, cfg config.Config) (JobStore, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.StoreBackend {
	case "memory":
		return NewMemory(opts), nil
	case "", "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN, opts)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
