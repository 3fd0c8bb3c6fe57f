package tilestore_test

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Amund211/tilestream/internal/adapters/database"
	"github.com/Amund211/tilestream/internal/adapters/tilestore"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping db tests in short mode.")
	}
	t.Parallel()

	db, err := database.NewPostgresDatabase(database.LOCAL_CONNECTION_STRING)
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var counter atomic.Int64
	runStoreContract(t, func(t *testing.T) tilestore.Store {
		schema := fmt.Sprintf("tilestore_test_%d_%d", time.Now().UnixNano(), counter.Add(1))
		require.NoError(t, database.NewDatabaseMigrator(db, database.Postgres, logger).Migrate(t.Context(), schema))
		return &nonClosingStore{tilestore.NewSQL(db, tilestore.SQLConfig{
			Dialect: database.Postgres,
			Schema:  schema,
		}, newCodec(t), time.Now)}
	})
}

func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis tests in short mode.")
	}
	t.Parallel()

	client, err := tilestore.NewRedisClient(t.Context(), "localhost:6379")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var counter atomic.Int64
	runStoreContract(t, func(t *testing.T) tilestore.Store {
		store, err := tilestore.NewRedis(tilestore.RedisConfig{
			Client:    client,
			Namespace: fmt.Sprintf("tilestream_test_%d_%d", time.Now().UnixNano(), counter.Add(1)),
			TTL:       time.Hour,
		}, newCodec(t))
		require.NoError(t, err)
		return store
	})
}

// nonClosingStore keeps the shared test db open across subtests
type nonClosingStore struct {
	tilestore.Store
}

func (nonClosingStore) Close() error {
	return nil
}
