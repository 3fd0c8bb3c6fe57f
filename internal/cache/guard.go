package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Amund211/tilestream/internal/adapters/tilestore"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/logging"
)

var errTierClosed = errors.New("cache tier closed")

// guardedStore keeps a lower tier open while lookups are reading it.
//
// Close never waits for a lookup. When reads are running the underlying
// store is closed by the last one to finish, and reads started after Close
// fail with errTierClosed.
type guardedStore struct {
	tilestore.Store

	lock    sync.Mutex
	readers int
	closed  bool
}

func newGuardedStore(store tilestore.Store) *guardedStore {
	return &guardedStore{Store: store}
}

func (g *guardedStore) Get(ctx context.Context, key domain.CacheKey) (domain.CacheEntry, bool, error) {
	g.lock.Lock()
	if g.closed {
		g.lock.Unlock()
		return domain.CacheEntry{}, false, errTierClosed
	}
	g.readers++
	g.lock.Unlock()

	defer g.release(ctx)
	return g.Store.Get(ctx, key)
}

func (g *guardedStore) release(ctx context.Context) {
	g.lock.Lock()
	g.readers--
	last := g.closed && g.readers == 0
	g.lock.Unlock()

	if !last {
		return
	}
	if err := g.Store.Close(); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "Failed to close cache tier after last lookup", slog.String("error", err.Error()))
	}
}

func (g *guardedStore) Close() error {
	g.lock.Lock()
	if g.closed {
		g.lock.Unlock()
		return nil
	}
	g.closed = true
	readers := g.readers
	g.lock.Unlock()

	if readers > 0 {
		return nil
	}
	return g.Store.Close()
}
