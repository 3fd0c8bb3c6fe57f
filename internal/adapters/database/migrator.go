package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations
var embeddedMigrations embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var ErrUnknownDialect = errors.New("unknown sql dialect")

type migrator struct {
	db      *sqlx.DB
	dialect Dialect

	logger *slog.Logger
}

func NewDatabaseMigrator(db *sqlx.DB, dialect Dialect, logger *slog.Logger) *migrator {
	return &migrator{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

// Migrate brings the tile schema up to date. schemaName is ignored for sqlite.
func (m *migrator) Migrate(ctx context.Context, schemaName string) error {
	switch m.dialect {
	case Postgres:
		return m.migratePostgres(ctx, schemaName)
	case SQLite:
		return m.migrateSQLite(ctx)
	default:
		return fmt.Errorf("migrate: %w: %s", ErrUnknownDialect, m.dialect)
	}
}

func (m *migrator) migratePostgres(ctx context.Context, schemaName string) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migrate: failed to connect to db: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(schemaName)))
	if err != nil {
		return fmt.Errorf("migrate: failed to create schema: %w", err)
	}

	_, err = conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(schemaName)))
	if err != nil {
		return fmt.Errorf("migrate: failed to set search path: %w", err)
	}

	databaseName, err := currentDatabase(ctx, conn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	dbDriver, err := postgres.WithConnection(ctx, conn, &postgres.Config{
		DatabaseName: databaseName,
		SchemaName:   schemaName,
	})
	if err != nil {
		return fmt.Errorf("migrate: failed to create postgres driver: %w", err)
	}

	migratorInstance, err := m.newInstance(dbDriver)
	if err != nil {
		return err
	}
	defer migratorInstance.Close()

	return m.up(ctx, migratorInstance)
}

func (m *migrator) migrateSQLite(ctx context.Context) error {
	dbDriver, err := sqlite3.WithInstance(m.db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migrate: failed to create sqlite driver: %w", err)
	}

	migratorInstance, err := m.newInstance(dbDriver)
	if err != nil {
		return err
	}
	// Closing the instance would close the shared *sql.DB through the driver

	return m.up(ctx, migratorInstance)
}

func (m *migrator) newInstance(dbDriver database.Driver) (*migrate.Migrate, error) {
	migrationSource, err := iofs.New(embeddedMigrations, "migrations/"+string(m.dialect))
	if err != nil {
		return nil, fmt.Errorf("migrate: failed to create driver from embedded migrations: %w", err)
	}

	migratorInstance, err := migrate.NewWithInstance("iofs", migrationSource, string(m.dialect), dbDriver)
	if err != nil {
		migrationSource.Close()
		return nil, fmt.Errorf("migrate: failed to create migration instance: %w", err)
	}

	return migratorInstance, nil
}

func (m *migrator) up(ctx context.Context, migratorInstance *migrate.Migrate) error {
	m.logger.InfoContext(ctx, "Starting migrations...", slog.String("dialect", string(m.dialect)))
	if err := migratorInstance.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.InfoContext(ctx, "No migrations to run.")
		} else {
			return fmt.Errorf("migrate: failed to migrate: %w", err)
		}
	}
	m.logger.InfoContext(ctx, "Migrations completed successfully.")

	return nil
}
