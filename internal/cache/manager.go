// Package cache is the tiered tile cache: an in-memory tier owned by the
// control loop, backed by optional file and persistent stores.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Amund211/tilestream/internal/adapters/tilestore"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/logging"
)

const defaultRetryInterval = 100 * time.Millisecond

// GetCallback receives the result of a lookup. ok is false on a total miss.
type GetCallback func(entry domain.CacheEntry, ok bool)

type Poster interface {
	Post(fn func())
}

type Options struct {
	MemoryEntries int

	// File and Persistent are optional lower tiers
	File       tilestore.Store
	Persistent tilestore.Store

	PersistentWriteAttempts uint
	// RetryInterval is the first backoff interval between persistent write attempts
	RetryInterval time.Duration
}

type Stats struct {
	MemoryEntries  int
	PendingLookups int
	LowerTiers     []string
}

type lookup struct {
	waiters    []GetCallback
	generation uint64
}

// Manager is not safe for concurrent use. Every method must be called from
// the control loop that drains mailbox.
type Manager struct {
	mailbox Poster

	memory *memoryTier
	tiers  []lowerTier
	writer *tierWriter

	lookups map[domain.CacheKey]*lookup
	// generation is bumped by DeleteAll so lookups started before it report a miss
	generation uint64
	closed     bool
}

func NewManager(mailbox Poster, opts Options) *Manager {
	tiers := []lowerTier{}
	if opts.File != nil {
		tiers = append(tiers, lowerTier{tier: domain.TierFile, store: newGuardedStore(opts.File), attempts: 1})
	}
	if opts.Persistent != nil {
		tiers = append(tiers, lowerTier{
			tier:     domain.TierPersistent,
			store:    newGuardedStore(opts.Persistent),
			attempts: max(opts.PersistentWriteAttempts, 1),
		})
	}

	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	return &Manager{
		mailbox: mailbox,
		memory:  newMemoryTier(opts.MemoryEntries),
		tiers:   tiers,
		writer:  newTierWriter(tiers, retryInterval),
		lookups: make(map[domain.CacheKey]*lookup),
	}
}

// SetProtector installs the predicate for keys that must stay in memory
func (m *Manager) SetProtector(protector Protector) {
	if protector == nil {
		protector = func(domain.CacheKey) bool { return false }
	}
	m.memory.protected = protector
}

// Get looks key up tier by tier. A memory hit calls cb before Get returns.
// Otherwise cb runs from a later mailbox drain.
func (m *Manager) Get(ctx context.Context, key domain.CacheKey, cb GetCallback) {
	if entry, ok := m.memory.get(key); ok {
		lookups.WithLabelValues(domain.TierMemory.String()).Inc()
		cb(entry, true)
		return
	}

	// Entries still being written are newer than anything in the lower tiers
	if entry, ok := m.writer.pendingEntry(key); ok {
		lookups.WithLabelValues(domain.TierMemory.String()).Inc()
		m.memory.add(key, entry)
		cb(entry.WithTier(domain.TierMemory), true)
		return
	}

	if len(m.tiers) == 0 || m.closed {
		lookups.WithLabelValues(domain.TierNone.String()).Inc()
		cb(domain.CacheEntry{}, false)
		return
	}

	if running, ok := m.lookups[key]; ok {
		lookupsCoalesced.Inc()
		running.waiters = append(running.waiters, cb)
		return
	}

	l := &lookup{waiters: []GetCallback{cb}, generation: m.generation}
	m.lookups[key] = l

	go func() {
		entry, ok := m.readLowerTiers(ctx, key)
		m.mailbox.Post(func() {
			m.completeLookup(ctx, key, l, entry, ok)
		})
	}()
}

func (m *Manager) readLowerTiers(ctx context.Context, key domain.CacheKey) (domain.CacheEntry, bool) {
	for _, lower := range m.tiers {
		entry, ok, err := lower.store.Get(ctx, key)
		if errors.Is(err, errTierClosed) {
			return domain.CacheEntry{}, false
		}
		if err != nil {
			tierReadErrors.WithLabelValues(lower.tier.String()).Inc()
			logging.FromContext(ctx).WarnContext(
				ctx,
				"Cache tier read failed, treating as miss",
				slog.String("key", string(key)),
				slog.String("tier", lower.tier.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			return entry.WithTier(lower.tier), true
		}
	}
	return domain.CacheEntry{}, false
}

func (m *Manager) completeLookup(ctx context.Context, key domain.CacheKey, l *lookup, entry domain.CacheEntry, ok bool) {
	if m.lookups[key] == l {
		delete(m.lookups, key)
	}

	switch {
	case l.generation != m.generation:
		ok = false
	case m.memory.contains(key):
		// A Put landed while the lookup ran
		entry, ok = m.memory.get(key)
	case ok:
		m.memory.add(key, entry)
		if entry.Tier == domain.TierPersistent {
			m.writer.submit(ctx, key, entry, domain.TierFile)
		}
	}

	if ok {
		lookups.WithLabelValues(entry.Tier.String()).Inc()
	} else {
		lookups.WithLabelValues(domain.TierNone.String()).Inc()
	}

	for _, cb := range l.waiters {
		cb(entry, ok)
	}
}

// Put stores entry in memory and schedules the lower-tier writes. Lower-tier
// failures are recorded, never returned.
func (m *Manager) Put(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry) {
	m.memory.add(key, entry)
	m.writer.submit(ctx, key, entry.WithTier(domain.TierNone), domain.TierNone)
}

// Evict drops key from memory. The lower tiers keep it.
func (m *Manager) Evict(key domain.CacheKey) bool {
	return m.memory.remove(key)
}

// Contains reports whether key is in memory
func (m *Manager) Contains(key domain.CacheKey) bool {
	return m.memory.contains(key)
}

// Flush waits for every scheduled lower-tier write
func (m *Manager) Flush() {
	m.writer.flush()
}

// DeleteAll clears every tier. Lookups already running report a miss.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.writer.flush()
	m.memory.purge()
	m.generation++

	var errs []error
	for _, lower := range m.tiers {
		if err := lower.store.DeleteAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear %s tier: %w", lower.tier, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "Failed to clear cache", slog.String("error", err.Error()))
		return err
	}

	logging.FromContext(ctx).InfoContext(ctx, "Cleared cache", slog.Int("lowerTiers", len(m.tiers)))
	return nil
}

// Close waits for pending writes and closes the lower tiers. Lookups still
// running report a miss, and a tier they are reading closes once they finish.
func (m *Manager) Close(ctx context.Context) error {
	m.closed = true
	m.writer.close()

	var errs []error
	for _, lower := range m.tiers {
		if err := lower.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s tier: %w", lower.tier, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Stats() Stats {
	tiers := make([]string, 0, len(m.tiers))
	for _, lower := range m.tiers {
		tiers = append(tiers, lower.tier.String())
	}
	return Stats{
		MemoryEntries:  m.memory.len(),
		PendingLookups: len(m.lookups),
		LowerTiers:     tiers,
	}
}
