package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const LOCAL_CONNECTION_STRING = "user=postgres password=postgres dbname=tilestream sslmode=disable"

const MAIN_SCHEMA = "tilestream"
const TESTING_SCHEMA = "tilestream_test"

func GetSchemaName(isTesting bool) string {
	if isTesting {
		return TESTING_SCHEMA
	}
	return MAIN_SCHEMA
}

// NewPostgresDatabase connects to the database named in connectionString. The
// database must already exist, the tile tables go in a schema the migrator
// creates.
func NewPostgresDatabase(connectionString string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	return db, nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// currentDatabase returns the name of the database the connection is using
func currentDatabase(ctx context.Context, db rowQueryer) (string, error) {
	var name string
	if err := db.QueryRowContext(ctx, "SELECT current_database()").Scan(&name); err != nil {
		return "", fmt.Errorf("failed to get current database: %w", err)
	}
	return name, nil
}
