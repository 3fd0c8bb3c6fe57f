package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Amund211/tilestream/internal/adapters/database"
	"github.com/Amund211/tilestream/internal/adapters/tilestore"
	"github.com/Amund211/tilestream/internal/codec"
	"github.com/Amund211/tilestream/internal/config"
)

// newPersistentStore opens the configured persistent tier. It returns a nil
// store when the tier is disabled.
func newPersistentStore(ctx context.Context, conf config.Config, c codec.Codec, registry *prometheus.Registry, logger *slog.Logger) (tilestore.Store, error) {
	cacheConf := conf.Cache()
	migratorLogger := logger.With("component", "migrator")

	switch cacheConf.Persistent {
	case "none":
		return nil, nil
	case "sqlite":
		db, err := database.NewSQLiteDatabase(cacheConf.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		err = database.NewDatabaseMigrator(db, database.SQLite, migratorLogger).Migrate(ctx, "")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
		}
		return tilestore.NewSQL(db, tilestore.SQLConfig{
			Dialect:    database.SQLite,
			MaxEntries: cacheConf.SQLiteMaxEntries,
		}, c, time.Now), nil
	case "postgres":
		db, err := database.NewPostgresDatabase(cacheConf.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		schemaName := database.GetSchemaName(!conf.IsProduction())
		err = database.NewDatabaseMigrator(db, database.Postgres, migratorLogger).Migrate(ctx, schemaName)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate postgres database: %w", err)
		}
		return tilestore.NewSQL(db, tilestore.SQLConfig{
			Dialect: database.Postgres,
			Schema:  schemaName,
		}, c, time.Now), nil
	case "pebble":
		store, err := tilestore.NewPebble(cacheConf.PebbleDir, c)
		if err != nil {
			return nil, fmt.Errorf("failed to open pebble store: %w", err)
		}
		registry.MustRegister(store.Collector())
		return store, nil
	case "redis":
		client, err := tilestore.NewRedisClient(ctx, cacheConf.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store, err := tilestore.NewRedis(tilestore.RedisConfig{
			Client:      client,
			Namespace:   "tilestream:" + conf.Dataset(),
			CloseClient: true,
		}, c)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown persistent tier %q", cacheConf.Persistent)
	}
}
