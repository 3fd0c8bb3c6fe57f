package tilestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Amund211/tilestream/internal/adapters/database"
	"github.com/Amund211/tilestream/internal/codec"
	"github.com/Amund211/tilestream/internal/domain"
)

type SQLConfig struct {
	Dialect database.Dialect
	// Schema holding the tiles table. Postgres only.
	Schema string
	// MaxEntries bounds the table by dropping the least recently written
	// rows after each write. Zero disables pruning.
	MaxEntries int
}

// SQL stores tiles in the tiles table created by the database migrations
type SQL struct {
	db         *sqlx.DB
	dialect    database.Dialect
	schema     string
	maxEntries int
	codec      codec.Codec
	nowFunc    func() time.Time
	tracer     trace.Tracer
}

var _ Store = (*SQL)(nil)

func NewSQL(db *sqlx.DB, cfg SQLConfig, c codec.Codec, nowFunc func() time.Time) *SQL {
	return &SQL{
		db:         db,
		dialect:    cfg.Dialect,
		schema:     cfg.Schema,
		maxEntries: cfg.MaxEntries,
		codec:      c,
		nowFunc:    nowFunc,
		tracer:     otel.Tracer("tilestream/tilestore/sql"),
	}
}

func (s *SQL) setSearchPath(ctx context.Context, execer sqlx.ExecerContext) error {
	if s.dialect != database.Postgres {
		return nil
	}
	_, err := execer.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(s.schema)))
	if err != nil {
		return fmt.Errorf("failed to set search path: %w", err)
	}
	return nil
}

func (s *SQL) conn(ctx context.Context) (*sqlx.Conn, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if err := s.setSearchPath(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func (s *SQL) Get(ctx context.Context, key domain.CacheKey) (domain.CacheEntry, bool, error) {
	ctx, span := s.tracer.Start(ctx, "SQL.Get")
	defer span.End()

	conn, err := s.conn(ctx)
	if err != nil {
		return domain.CacheEntry{}, false, err
	}
	defer conn.Close()

	var payload []byte
	err = conn.QueryRowxContext(
		ctx,
		s.db.Rebind("SELECT payload FROM tiles WHERE cache_key = ?"),
		string(key),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to select tile: %w", err)
	}

	entry, err := s.codec.Decode(payload)
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to decode tile row: %w", err)
	}
	return entry, true, nil
}

func (s *SQL) Put(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry) error {
	ctx, span := s.tracer.Start(ctx, "SQL.Put")
	defer span.End()

	parts, err := parseKey(key)
	if err != nil {
		return err
	}

	payload, err := s.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer txx.Rollback()

	if err := s.setSearchPath(ctx, txx); err != nil {
		return err
	}

	_, err = txx.ExecContext(
		ctx,
		s.db.Rebind(`INSERT INTO tiles (cache_key, dataset, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`),
		string(key),
		parts.dataset,
		payload,
		s.nowFunc().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tile: %w", err)
	}

	if s.maxEntries > 0 {
		if err := s.prune(ctx, txx); err != nil {
			return err
		}
	}

	if err := txx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// prune drops rows older than the newest maxEntries. Rows sharing the
// boundary timestamp are kept.
func (s *SQL) prune(ctx context.Context, txx *sqlx.Tx) error {
	_, err := txx.ExecContext(
		ctx,
		s.db.Rebind(`DELETE FROM tiles WHERE updated_at < (
			SELECT updated_at FROM tiles ORDER BY updated_at DESC LIMIT 1 OFFSET ?
		)`),
		s.maxEntries-1,
	)
	if err != nil {
		return fmt.Errorf("failed to prune tiles: %w", err)
	}
	return nil
}

func (s *SQL) DeleteAll(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "SQL.DeleteAll")
	defer span.End()

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "DELETE FROM tiles"); err != nil {
		return fmt.Errorf("failed to delete tiles: %w", err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
