package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Amund211/tilestream/internal/adapters/tilestore"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/Amund211/tilestream/internal/reporting"
)

type lowerTier struct {
	tier     domain.Tier
	store    tilestore.Store
	attempts uint
}

type pendingWrite struct {
	ctx   context.Context
	entry domain.CacheEntry
	// only restricts the write to one tier. TierNone writes every tier.
	only domain.Tier
}

func mergeTargets(a, b domain.Tier) domain.Tier {
	if a == b {
		return a
	}
	return domain.TierNone
}

// tierWriter writes entries to the lower tiers in the background.
//
// Writes for one key run one at a time. Entries submitted while a write for
// the key is running replace each other, only the newest is written next.
type tierWriter struct {
	tiers           []lowerTier
	initialInterval time.Duration

	lock    sync.Mutex
	latest  map[domain.CacheKey]domain.CacheEntry
	pending map[domain.CacheKey]pendingWrite
	closed  bool

	wg sync.WaitGroup
}

func newTierWriter(tiers []lowerTier, initialInterval time.Duration) *tierWriter {
	return &tierWriter{
		tiers:           tiers,
		initialInterval: initialInterval,
		latest:          make(map[domain.CacheKey]domain.CacheEntry),
		pending:         make(map[domain.CacheKey]pendingWrite),
	}
}

// submit schedules a write. Writes run detached from the cancellation of ctx.
func (w *tierWriter) submit(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry, only domain.Tier) {
	if len(w.tiers) == 0 {
		return
	}

	write := pendingWrite{ctx: context.WithoutCancel(ctx), entry: entry, only: only}

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		logging.FromContext(ctx).WarnContext(ctx, "Dropping cache write after close", slog.String("key", string(key)))
		return
	}

	if _, running := w.latest[key]; running {
		if previous, ok := w.pending[key]; ok {
			write.only = mergeTargets(previous.only, write.only)
		}
		w.pending[key] = write
		w.latest[key] = entry
		return
	}

	w.latest[key] = entry
	w.wg.Go(func() {
		w.run(key, write)
	})
}

func (w *tierWriter) run(key domain.CacheKey, write pendingWrite) {
	for {
		w.write(write.ctx, key, write)

		w.lock.Lock()
		next, ok := w.pending[key]
		if !ok {
			delete(w.latest, key)
			w.lock.Unlock()
			return
		}
		delete(w.pending, key)
		w.lock.Unlock()

		write = next
	}
}

func (w *tierWriter) write(ctx context.Context, key domain.CacheKey, write pendingWrite) {
	for _, lower := range w.tiers {
		if write.only != domain.TierNone && write.only != lower.tier {
			continue
		}

		start := time.Now()
		err := w.writeTier(ctx, key, write.entry, lower)
		tierWriteDuration.WithLabelValues(lower.tier.String()).Observe(time.Since(start).Seconds())

		if err == nil {
			tierWrites.WithLabelValues(lower.tier.String(), "success").Inc()
			continue
		}

		tierWrites.WithLabelValues(lower.tier.String(), "failure").Inc()
		err = fmt.Errorf("failed to write %s tier: %w", lower.tier, err)
		reporting.Report(ctx, err, map[string]string{
			"key":      string(key),
			"tier":     lower.tier.String(),
			"attempts": fmt.Sprint(lower.attempts),
		})
	}
}

func (w *tierWriter) writeTier(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry, lower lowerTier) error {
	if lower.attempts <= 1 {
		return lower.store.Put(ctx, key, entry)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = w.initialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := lower.store.Put(ctx, key, entry)
		if errors.Is(err, domain.ErrInvalidTile) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			logging.FromContext(ctx).WarnContext(
				ctx,
				"Cache write failed, retrying",
				slog.String("key", string(key)),
				slog.String("tier", lower.tier.String()),
				slog.String("error", err.Error()),
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(lower.attempts))

	return err
}

// pendingEntry returns the newest entry submitted for key whose write has
// not finished
func (w *tierWriter) pendingEntry(key domain.CacheKey) (domain.CacheEntry, bool) {
	w.lock.Lock()
	defer w.lock.Unlock()
	entry, ok := w.latest[key]
	return entry, ok
}

func (w *tierWriter) flush() {
	w.wg.Wait()
}

func (w *tierWriter) close() {
	w.lock.Lock()
	w.closed = true
	w.lock.Unlock()

	w.flush()
}
