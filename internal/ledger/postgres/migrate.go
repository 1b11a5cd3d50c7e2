package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	dbmigrations "github.com/sorooshx/tradecore/db/migrations"
	"github.com/sorooshx/tradecore/internal/observability"
)

// Migrate applies the embedded SQL migrations to the Postgres instance
// reachable via dsn. Running against an up-to-date schema is a no-op.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Warn("close migrations connection",
				observability.F("error", cerr.Error()))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Warn("close migrations source",
				observability.F("error", sourceErr.Error()))
		}
		if dbErr != nil {
			observability.Log().Warn("close migrations database",
				observability.F("error", dbErr.Error()))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("database schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	observability.Log().Info("database migrations applied")
	return nil
}
