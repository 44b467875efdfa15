package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/warden/migrations"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrate applies every pending embedded goose migration
func (db *DB) Migrate(ctx context.Context) error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations.FS)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if db.logger != nil {
		for _, r := range results {
			db.logger.Info("migration applied",
				slog.String("source", r.Source.Path),
				slog.Duration("duration", r.Duration))
		}
	}
	return nil
}
