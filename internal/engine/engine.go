// Package engine wires the streaming components together and drives them from
// a single control loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Amund211/tilestream/internal/adapters/transport"
	"github.com/Amund211/tilestream/internal/cache"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/fetchqueue"
	"github.com/Amund211/tilestream/internal/lifecycle"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/Amund211/tilestream/internal/mainthread"
	"github.com/Amund211/tilestream/internal/reporting"
	"github.com/Amund211/tilestream/internal/scheduler"
)

var ErrClosed = errors.New("engine closed")

type Options struct {
	Transport transport.Transport
	Decoder   lifecycle.Decoder
	Renderer  lifecycle.Renderer

	Cache     cache.Options
	Fetch     fetchqueue.Options
	Tasks     scheduler.Options
	Lifecycle lifecycle.Options
}

type Stats struct {
	Ticks     uint64
	Mailbox   int
	Lifecycle lifecycle.Stats
	Fetch     fetchqueue.Stats
	Tasks     scheduler.Stats
	Cache     cache.Stats
	UpdatedAt time.Time
}

// Source computes the desired tile set, given the time since Run started
type Source func(ctx context.Context, elapsed time.Duration) ([]domain.TileID, error)

// Engine owns every component. Apart from Stats and Do, its methods must be
// called from one goroutine, which becomes the control loop.
type Engine struct {
	mailbox   *mainthread.Mailbox
	cache     *cache.Manager
	fetch     *fetchqueue.Queue
	tasks     *scheduler.Scheduler
	lifecycle *lifecycle.Lifecycle
	nowFunc   func() time.Time

	ticks   uint64
	desired []domain.TileID
	closed  atomic.Bool
	stats   atomic.Pointer[Stats]
}

func New(opts Options, nowFunc func() time.Time) (*Engine, error) {
	if opts.Transport == nil || opts.Decoder == nil || opts.Renderer == nil {
		return nil, errors.New("transport, decoder and renderer are required")
	}

	mailbox := mainthread.NewMailbox()
	cacheManager := cache.NewManager(mailbox, opts.Cache)
	fetch := fetchqueue.New(opts.Transport, mailbox, opts.Fetch, nowFunc)
	tasks := scheduler.New(mailbox, opts.Tasks, nowFunc)

	tileLifecycle, err := lifecycle.New(cacheManager, fetch, tasks, opts.Decoder, opts.Renderer, opts.Lifecycle, nowFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile lifecycle: %w", err)
	}

	e := &Engine{
		mailbox:   mailbox,
		cache:     cacheManager,
		fetch:     fetch,
		tasks:     tasks,
		lifecycle: tileLifecycle,
		nowFunc:   nowFunc,
	}
	e.publishStats()
	return e, nil
}

// Tick runs one control loop iteration: drain the mailbox, reconcile the
// desired set, then start fetches and tasks.
func (e *Engine) Tick(ctx context.Context, desired []domain.TileID) {
	if e.closed.Load() {
		return
	}
	e.desired = desired

	e.mailbox.Drain()
	e.lifecycle.Reconcile(ctx, desired)
	e.fetch.Tick(ctx)
	e.tasks.Tick(ctx)

	e.ticks++
	e.publishStats()
}

// pump handles completions between ticks without recomputing the desired set
func (e *Engine) pump(ctx context.Context) {
	if e.closed.Load() {
		return
	}
	e.mailbox.Drain()
	e.fetch.Tick(ctx)
	e.tasks.Tick(ctx)
	e.publishStats()
}

// Run ticks every interval until ctx is done. Completions posted between
// ticks are handled as soon as they arrive.
func (e *Engine) Run(ctx context.Context, interval time.Duration, source Source) error {
	logger := logging.FromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := e.nowFunc()
	tick := func() {
		desired, err := source(ctx, e.nowFunc().Sub(start))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to compute desired tiles", "error", err)
			reporting.Report(ctx, fmt.Errorf("failed to compute desired tiles: %w", err))
			// Keep showing what we had
			desired = e.desired
		}
		e.Tick(ctx, desired)
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick()
		case <-e.mailbox.Ready():
			e.pump(ctx)
		}
	}
}

// Do runs fn on the control loop and waits for it. It must not be called from
// the control loop itself.
func (e *Engine) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.closed.Load() {
		return ErrClosed
	}

	done := make(chan error, 1)
	e.mailbox.Post(func() {
		if e.closed.Load() {
			done <- ErrClosed
			return
		}
		done <- fn(ctx)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearCache empties every cache tier. Tiles currently shown stay shown.
func (e *Engine) ClearCache(ctx context.Context) error {
	return e.Do(ctx, func(ctx context.Context) error {
		logging.FromContext(ctx).InfoContext(ctx, "Clearing tile cache")
		if err := e.cache.DeleteAll(ctx); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
		return nil
	})
}

// SetLive toggles fetch delay smoothing, see fetchqueue.Queue.SetLive
func (e *Engine) SetLive(live bool) {
	e.fetch.SetLive(live)
}

// Close shuts components down consumer first, so nothing is left waiting on a
// component that is already gone. Pending cache writes are flushed.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed.Load() {
		return nil
	}

	e.lifecycle.Shutdown(ctx)
	e.fetch.Shutdown(ctx)
	e.tasks.Shutdown(ctx)
	e.tasks.Wait()
	// Run the cancellations posted by the shutdowns
	e.mailbox.Drain()

	e.closed.Store(true)
	e.mailbox.Close()

	err := e.cache.Close(ctx)
	e.publishStats()

	logging.FromContext(ctx).InfoContext(ctx, "Engine closed", slog.Uint64("ticks", e.ticks))
	if err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	return nil
}

func (e *Engine) publishStats() {
	e.stats.Store(&Stats{
		Ticks:     e.ticks,
		Mailbox:   e.mailbox.Len(),
		Lifecycle: e.lifecycle.Stats(),
		Fetch:     e.fetch.Stats(),
		Tasks:     e.tasks.Stats(),
		Cache:     e.cache.Stats(),
		UpdatedAt: e.nowFunc(),
	})
}

// Stats returns the snapshot taken at the end of the latest tick. Safe to call
// from any goroutine.
func (e *Engine) Stats() Stats {
	return *e.stats.Load()
}
