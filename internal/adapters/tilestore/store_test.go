package tilestore_test

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amund211/tilestream/internal/adapters/database"
	"github.com/Amund211/tilestream/internal/adapters/tilestore"
	"github.com/Amund211/tilestream/internal/codec"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/domaintest"
)

type tickingClock struct {
	lock sync.Mutex
	now  time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now advances one millisecond per call so writes get distinct timestamps
func (c *tickingClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newCodec(t *testing.T) codec.Codec {
	t.Helper()
	c, err := codec.New("cbor", true)
	require.NoError(t, err)
	return c
}

func newSQLiteStore(t *testing.T, maxEntries int) *tilestore.SQL {
	t.Helper()

	db, err := database.NewSQLiteDatabase(filepath.Join(t.TempDir(), "tiles.db"))
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	require.NoError(t, database.NewDatabaseMigrator(db, database.SQLite, logger).Migrate(t.Context(), ""))

	return tilestore.NewSQL(db, tilestore.SQLConfig{
		Dialect:    database.SQLite,
		MaxEntries: maxEntries,
	}, newCodec(t), newTickingClock().Now)
}

type storeFactory func(t *testing.T) tilestore.Store

func localStores() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T) tilestore.Store {
			store, err := tilestore.NewFile(t.TempDir(), newCodec(t))
			require.NoError(t, err)
			return store
		},
		"pebble": func(t *testing.T) tilestore.Store {
			store, err := tilestore.NewPebble(filepath.Join(t.TempDir(), "pebble"), newCodec(t))
			require.NoError(t, err)
			return store
		},
		"sqlite": func(t *testing.T) tilestore.Store {
			return newSQLiteStore(t, 0)
		},
	}
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("miss", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		store := newStore(t)
		defer store.Close()

		_, ok, err := store.Get(ctx, domaintest.NewTile(t, 3, 1, 2).Key())
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("put then get", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		store := newStore(t)
		defer store.Close()

		expiresAt := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
		tile := domaintest.NewTile(t, 12, 2170, 1190)
		entry := domaintest.NewEntryBuilder([]byte("png bytes")).
			WithETag(`W/"v1"`).
			WithExpiresAt(expiresAt).
			Build()

		require.NoError(t, store.Put(ctx, tile.Key(), entry))

		got, ok, err := store.Get(ctx, tile.Key())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("png bytes"), got.Data)
		require.Equal(t, `W/"v1"`, got.ETag)
		require.True(t, expiresAt.Equal(got.ExpiresAt))

		// Neighbours and other datasets are distinct keys
		_, ok, err = store.Get(ctx, domaintest.NewTile(t, 12, 2171, 1190).Key())
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = store.Get(ctx, domain.MustTileID(12, 2170, 1190, "other").Key())
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("put overwrites", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		store := newStore(t)
		defer store.Close()

		key := domaintest.NewTile(t, 5, 3, 3).Key()
		require.NoError(t, store.Put(ctx, key, domaintest.NewEntryBuilder([]byte("old")).Build()))
		require.NoError(t, store.Put(ctx, key, domaintest.NewEntryBuilder([]byte("new")).Build()))

		got, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("new"), got.Data)
	})

	t.Run("delete all", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		store := newStore(t)
		defer store.Close()

		keys := []domain.CacheKey{}
		for i := range 5 {
			key := domaintest.NewTile(t, 4, i, 1).Key()
			keys = append(keys, key)
			require.NoError(t, store.Put(ctx, key, domaintest.NewEntryBuilder([]byte{byte(i)}).Build()))
		}

		require.NoError(t, store.DeleteAll(ctx))

		for _, key := range keys {
			_, ok, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.False(t, ok)
		}

		// Still usable afterwards
		require.NoError(t, store.Put(ctx, keys[0], domaintest.NewEntryBuilder([]byte("again")).Build()))
		_, ok, err := store.Get(ctx, keys[0])
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		store := newStore(t)
		defer store.Close()

		key := domaintest.NewTile(t, 8, 10, 10).Key()
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Go(func() {
				assert.NoError(t, store.Put(ctx, key, domaintest.NewEntryBuilder(fmt.Appendf(nil, "writer-%d", i)).Build()))
			})
		}
		wg.Wait()

		got, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Contains(t, string(got.Data), "writer-")
	})
}

func TestStores(t *testing.T) {
	t.Parallel()

	for name, newStore := range localStores() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			runStoreContract(t, newStore)
		})
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	t.Run("malformed key", func(t *testing.T) {
		t.Parallel()

		store, err := tilestore.NewFile(t.TempDir(), newCodec(t))
		require.NoError(t, err)

		_, _, err = store.Get(t.Context(), domain.CacheKey("not-a-key"))
		require.ErrorIs(t, err, tilestore.ErrInvalidKey)
		require.ErrorIs(t, err, domain.ErrInvalidTile)

		err = store.Put(t.Context(), domain.CacheKey("osm/1/x/0"), domain.CacheEntry{})
		require.ErrorIs(t, err, tilestore.ErrInvalidKey)
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		root := t.TempDir()
		store, err := tilestore.NewFile(root, newCodec(t))
		require.NoError(t, err)

		key := domaintest.NewTile(t, 2, 1, 1).Key()
		require.NoError(t, store.Put(ctx, key, domaintest.NewEntryBuilder([]byte("ok")).Build()))

		matches, err := filepath.Glob(filepath.Join(root, "*", "2", "1_1.tile"))
		require.NoError(t, err)
		require.Len(t, matches, 1)
		require.NoError(t, os.WriteFile(matches[0], []byte{0xff, 0xfe}, 0o644))

		_, ok, err := store.Get(ctx, key)
		require.Error(t, err)
		require.False(t, ok)
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		root := t.TempDir()
		store, err := tilestore.NewFile(root, newCodec(t))
		require.NoError(t, err)

		for i := range 3 {
			require.NoError(t, store.Put(ctx, domaintest.NewTile(t, 3, i, 0).Key(), domaintest.NewEntryBuilder([]byte("x")).Build()))
		}

		tmp, err := filepath.Glob(filepath.Join(root, "*", "3", "*.tmp"))
		require.NoError(t, err)
		require.Empty(t, tmp)
	})
}

func TestSQLStorePruning(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store := newSQLiteStore(t, 3)
	defer store.Close()

	keys := []domain.CacheKey{}
	for i := range 5 {
		key := domaintest.NewTile(t, 6, i, 0).Key()
		keys = append(keys, key)
		require.NoError(t, store.Put(ctx, key, domaintest.NewEntryBuilder([]byte{byte(i)}).Build()))
	}

	for i, key := range keys {
		_, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, i >= 2, ok, "key %s", key)
	}
}

func TestPebbleCollector(t *testing.T) {
	t.Parallel()

	store, err := tilestore.NewPebble(filepath.Join(t.TempDir(), "pebble"), newCodec(t))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(t.Context(), domaintest.NewTile(t, 1, 0, 0).Key(), domaintest.NewEntryBuilder([]byte("x")).Build()))

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(store.Collector()))

	count, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	require.Equal(t, 6, count)
}
