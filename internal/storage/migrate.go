package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"

	// Go migrations register themselves with goose on import.
	_ "github.com/SirClappington/workq/internal/storage/migrations"
)

// Migrate brings the schema to the latest version.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	// Every migration is compiled in; the directory only scopes SQL files.
	if err := goose.Up(db, "."); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}
