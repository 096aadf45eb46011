package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/deployments/internal/app/migrate"
	"github.com/splax/deployments/internal/repository"
	"github.com/splax/deployments/internal/repository/badgerstore"
	"github.com/splax/deployments/internal/repository/memory"
	"github.com/splax/deployments/internal/repository/postgres"
	"github.com/splax/deployments/pkg/config"
)

type store struct {
	repo   repository.DeploymentRepository
	health func(context.Context) error
	close  func()
}

// openStore builds the repository selected by STORE_BACKEND.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return store{}, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return store{}, fmt.Errorf("database ping: %w", err)
		}
		if cfg.AutoMigrate {
			runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				pool.Close()
				return store{}, fmt.Errorf("configure migrations: %w", err)
			}
			if err := runner.Ensure(ctx); err != nil {
				pool.Close()
				return store{}, fmt.Errorf("apply migrations: %w", err)
			}
		}
		repo := postgres.New(pool)
		return store{repo: repo, health: repo.Ping, close: pool.Close}, nil
	case config.StoreBadger:
		repo, err := badgerstore.Open(badgerstore.Options{Dir: cfg.BadgerDir})
		if err != nil {
			return store{}, err
		}
		return store{repo: repo, health: repo.Ping, close: func() {
			if err := repo.Close(); err != nil {
				log.Error("failed to close badger store", "error", err)
			}
		}}, nil
	case config.StoreMemory:
		repo := memory.New()
		return store{repo: repo, health: repo.Ping, close: func() {}}, nil
	default:
		return store{}, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}
}
