package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"domainproxy/migrations"
	"domainproxy/pkg/config"
	"domainproxy/pkg/hardening"
	"domainproxy/pkg/store"

	"go.uber.org/zap"
)

type migratorDBCloser interface {
	migrations.DB
	Close()
}

// Testable variables for main()
var (
	logFatalf    = log.Fatalf
	loadConfigFn = config.Load
	openDBFn     = func(ctx context.Context, cfg *config.Config) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg.PostgresOptions())
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := runMigrator(ctx, loadConfigFn, openDBFn); err != nil {
		logFatalf("migration: %v", err)
	}
}

func runMigrator(
	ctx context.Context,
	loadConfig func() (*config.Config, error),
	openDB func(context.Context, *config.Config) (migratorDBCloser, error),
) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger("migrator")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if err := hardening.ValidateProduction(cfg.HardeningOptions("migrator", false)); err != nil {
		return err
	}

	pool, err := openDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool, migrationSource(cfg.MigrationsDir), logger.Sugar().Infof)
	if err != nil {
		return err
	}
	logger.Info("schema ready", zap.Int("applied", applied))
	return nil
}

// migrationSource serves dir when set, the embedded history otherwise.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}
