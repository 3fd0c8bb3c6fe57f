package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/fetchqueue"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/Amund211/tilestream/internal/scheduler"
)

const (
	DefaultFetchTimeout      = 10 * time.Second
	DefaultArtifactCacheSize = 256
)

type Options struct {
	// URL template, see domain.TileID.URL
	TileURL      string
	FetchTimeout time.Duration
	// How many zoom levels to walk up looking for a fallback. 0 disables it.
	FallbackLevels int
	// Decoded artifacts kept around for fallbacks and re-entering tiles
	ArtifactCacheSize int
}

type phase int

const (
	phaseLookup phase = iota
	phaseFetching
	phaseDecoding
	phaseReady
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseLookup:
		return "lookup"
	case phaseFetching:
		return "fetching"
	case phaseDecoding:
		return "decoding"
	case phaseReady:
		return "ready"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type decodeRequest struct {
	entry       domain.CacheEntry
	fromNetwork bool
}

// tileState is everything the lifecycle knows about one tracked tile. A new
// state is created every time a tile enters the desired set, so callbacks
// holding an old state can tell they are stale.
type tileState struct {
	tile      domain.TileID
	ctx       context.Context
	trackedAt time.Time
	priority  scheduler.Priority
	phase     phase

	entry    domain.CacheEntry
	hasEntry bool

	fetching     bool
	revalidating bool
	// A conditional fetch is in flight but the cached bytes turned out unusable
	needsFullFetch bool
	// The cached entry failed to decode and the network was asked instead
	refetched bool

	decoding     bool
	decodeTask   *scheduler.Task
	queuedDecode *decodeRequest

	shown    bool
	fallback *domain.TileID
}

type Stats struct {
	Tracked         int
	Loading         int
	Ready           int
	Failed          int
	ShowingFallback int
	Revalidating    int
}

// Lifecycle drives every desired tile from cache lookup to the renderer.
// Everything except decode work runs on the control loop.
type Lifecycle struct {
	cache    Cache
	fetcher  Fetcher
	tasks    Scheduler
	decoder  Decoder
	renderer Renderer
	nowFunc  func() time.Time

	tileURL        string
	fetchTimeout   time.Duration
	fallbackLevels int

	tiles     map[domain.CacheKey]*tileState
	artifacts *lru.Cache[domain.CacheKey, any]
	// decoders maps a key to the state whose decode task has not completed.
	// It can be a released state whose task is still running.
	decoders   map[domain.CacheKey]*tileState
	destroying bool
}

func New(c Cache, fetcher Fetcher, tasks Scheduler, decoder Decoder, renderer Renderer, opts Options, nowFunc func() time.Time) (*Lifecycle, error) {
	if opts.TileURL == "" {
		return nil, errors.New("tile url template is required")
	}

	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}

	artifactCacheSize := opts.ArtifactCacheSize
	if artifactCacheSize <= 0 {
		artifactCacheSize = DefaultArtifactCacheSize
	}
	artifacts, err := lru.New[domain.CacheKey, any](artifactCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact cache: %w", err)
	}

	l := &Lifecycle{
		cache:    c,
		fetcher:  fetcher,
		tasks:    tasks,
		decoder:  decoder,
		renderer: renderer,
		nowFunc:  nowFunc,

		tileURL:        opts.TileURL,
		fetchTimeout:   fetchTimeout,
		fallbackLevels: max(opts.FallbackLevels, 0),

		tiles:     make(map[domain.CacheKey]*tileState),
		artifacts: artifacts,
		decoders:  make(map[domain.CacheKey]*tileState),
	}

	c.SetProtector(func(key domain.CacheKey) bool {
		_, tracked := l.tiles[key]
		return tracked
	})

	return l, nil
}

// Reconcile makes the tracked set equal to desired. Tiles earlier in desired
// are treated as more important.
func (l *Lifecycle) Reconcile(ctx context.Context, desired []domain.TileID) {
	if l.destroying {
		return
	}

	wanted := make(map[domain.CacheKey]struct{}, len(desired))
	ordered := make([]domain.TileID, 0, len(desired))
	for _, tile := range desired {
		key := tile.Key()
		if _, duplicate := wanted[key]; duplicate {
			continue
		}
		wanted[key] = struct{}{}
		ordered = append(ordered, tile)
	}

	// Release first so queue slots free up for the incoming tiles
	var released []*tileState
	for key, state := range l.tiles {
		if _, ok := wanted[key]; !ok {
			released = append(released, state)
		}
	}
	slices.SortFunc(released, func(a, b *tileState) int {
		return strings.Compare(string(a.tile.Key()), string(b.tile.Key()))
	})
	for _, state := range released {
		l.release(ctx, state)
	}

	for i, tile := range ordered {
		priority := priorityFor(i, len(ordered))
		if state, ok := l.tiles[tile.Key()]; ok {
			l.reprioritize(state, priority)
			continue
		}
		l.track(ctx, tile, priority)
	}
}

// reprioritize moves a decode that has not started to the new priority
func (l *Lifecycle) reprioritize(state *tileState, priority scheduler.Priority) {
	if state.priority == priority {
		return
	}
	state.priority = priority

	task := state.decodeTask
	if task == nil || !l.tasks.Pending(task.ID) {
		return
	}
	l.tasks.AddTask(task, priority)
}

func priorityFor(index, count int) scheduler.Priority {
	switch {
	case index*4 < count:
		return scheduler.PriorityHighest
	case index*2 < count:
		return scheduler.PriorityHigh
	default:
		return scheduler.PriorityNormal
	}
}

func (l *Lifecycle) track(ctx context.Context, tile domain.TileID, priority scheduler.Priority) {
	state := &tileState{
		tile:      tile,
		ctx:       logging.AddTileToContext(ctx, tile),
		trackedAt: l.nowFunc(),
		priority:  priority,
		phase:     phaseLookup,
	}
	key := tile.Key()
	l.tiles[key] = state

	metrics.tracked.Add(ctx, 1, metric.WithAttributes(attribute.String("dataset", tile.Dataset)))

	if artifact, ok := l.artifacts.Get(key); ok {
		// Seen recently. Show it now and let the lookup decide if it is stale.
		l.display(state, artifact, domain.TierMemory)
	} else {
		l.showFallback(state)
	}

	l.cache.Get(state.ctx, key, func(entry domain.CacheEntry, ok bool) {
		l.onCacheResult(state, entry, ok)
	})
}

func (l *Lifecycle) release(ctx context.Context, state *tileState) {
	tile := state.tile
	delete(l.tiles, tile.Key())

	l.fetcher.Cancel(ctx, tile)
	l.tasks.CancelTile(ctx, tile)

	if state.shown || state.fallback != nil {
		l.renderer.Remove(ctx, tile)
	}

	metrics.released.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", state.phase.String())))
}

func (l *Lifecycle) isLive(state *tileState) bool {
	return !l.destroying && l.tiles[state.tile.Key()] == state
}

func (l *Lifecycle) showFallback(state *tileState) {
	for level := 1; level <= l.fallbackLevels; level++ {
		ancestor, ok := state.tile.Ancestor(level)
		if !ok {
			return
		}
		artifact, ok := l.artifacts.Get(ancestor.Key())
		if !ok {
			continue
		}

		state.fallback = &ancestor
		l.renderer.ShowFallback(state.ctx, state.tile, ancestor, artifact)
		metrics.fallbacks.Add(state.ctx, 1, metric.WithAttributes(attribute.Int("levels", level)))
		return
	}
}

func (l *Lifecycle) onCacheResult(state *tileState, entry domain.CacheEntry, ok bool) {
	if !l.isLive(state) {
		return
	}

	if !ok || entry.HasError || len(entry.Data) == 0 {
		l.startFetch(state, "")
		return
	}

	state.entry = entry
	state.hasEntry = true

	expired := entry.Expired(l.nowFunc())
	if !state.shown {
		l.decode(state, decodeRequest{entry: entry})
	}
	if expired {
		state.revalidating = true
		l.startFetch(state, entry.ETag)
	}
}

func (l *Lifecycle) startFetch(state *tileState, etag string) {
	if state.fetching {
		return
	}
	if !state.revalidating && state.phase != phaseReady {
		state.phase = phaseFetching
	}

	info := &fetchqueue.FetchInfo{
		Tile:    state.tile,
		URI:     state.tile.URL(l.tileURL),
		ETag:    etag,
		Timeout: l.fetchTimeout,
		Callback: func(result fetchqueue.Result) {
			l.onFetchResult(state, result)
		},
	}
	if !l.fetcher.Enqueue(state.ctx, info) {
		logging.FromContext(state.ctx).ErrorContext(state.ctx, "Fetch queue rejected tile")
		l.fail(state, "fetch", fmt.Errorf("%w: fetch queue rejected tile", domain.ErrFetchFailed))
		return
	}
	state.fetching = true
}

func (l *Lifecycle) onFetchResult(state *tileState, result fetchqueue.Result) {
	state.fetching = false
	if !l.isLive(state) {
		return
	}

	ctx := state.ctx
	revalidating := state.revalidating
	state.revalidating = false

	switch result.Status {
	case fetchqueue.StatusCancelled:
		return
	case fetchqueue.StatusFailed:
		if revalidating && state.hasEntry && !state.needsFullFetch {
			logging.FromContext(ctx).WarnContext(ctx, "Revalidation failed, keeping stale entry", "error", result.Err)
			metrics.revalidation.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
			return
		}
		l.fail(state, "fetch", result.Err)
		return
	}

	resp := result.Response
	if resp.NotModified {
		if !state.hasEntry || state.needsFullFetch {
			state.needsFullFetch = false
			l.startFetch(state, "")
			return
		}

		entry := state.entry
		entry.ExpiresAt = resp.ExpiresAt
		if resp.ETag != "" {
			entry.ETag = resp.ETag
		}
		state.entry = entry
		l.cache.Put(ctx, state.tile.Key(), entry)
		metrics.revalidation.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "not_modified")))
		return
	}

	if revalidating {
		metrics.revalidation.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "modified")))
	}

	state.needsFullFetch = false
	entry := domain.CacheEntry{
		Data:       resp.Data,
		Tier:       domain.TierNetwork,
		ETag:       resp.ETag,
		ExpiresAt:  resp.ExpiresAt,
		StatusCode: resp.StatusCode,
	}
	state.entry = entry
	state.hasEntry = true
	l.decode(state, decodeRequest{entry: entry, fromNetwork: true})
}

// decode keeps at most one decode task per tile. A request arriving while one
// runs replaces any earlier queued request.
func (l *Lifecycle) decode(state *tileState, req decodeRequest) {
	if state.decoding {
		state.queuedDecode = &req
		return
	}
	if owner, ok := l.decoders[state.tile.Key()]; ok && owner != state {
		// An earlier state of this tile is still decoding. Start once it lands.
		state.queuedDecode = &req
		if state.phase != phaseReady {
			state.phase = phaseDecoding
		}
		return
	}
	l.submitDecode(state, req)
}

func (l *Lifecycle) submitDecode(state *tileState, req decodeRequest) {
	if state.phase != phaseReady {
		state.phase = phaseDecoding
	}

	tile := state.tile
	decoder := l.decoder
	task := &scheduler.Task{
		ID:   "decode/" + string(tile.Key()),
		Tile: tile,
		Work: func(ctx context.Context) (any, error) {
			return decoder.Decode(ctx, tile, req.entry)
		},
		Continuation: func(result scheduler.Result) {
			l.onDecoded(state, req, result)
		},
	}
	if !l.tasks.AddTask(task, state.priority) {
		logging.FromContext(state.ctx).WarnContext(state.ctx, "Scheduler rejected decode task")
		return
	}
	state.decoding = true
	state.decodeTask = task
	l.decoders[tile.Key()] = state
}

func (l *Lifecycle) onDecoded(state *tileState, req decodeRequest, result scheduler.Result) {
	state.decoding = false
	state.decodeTask = nil
	key := state.tile.Key()
	if l.decoders[key] == state {
		delete(l.decoders, key)
	}
	if !l.isLive(state) {
		l.resumeDecode(key)
		return
	}

	ctx := state.ctx
	next := state.queuedDecode
	state.queuedDecode = nil

	switch result.Kind {
	case scheduler.Success:
		l.display(state, result.Value, req.entry.Tier)
		if req.fromNetwork {
			l.cache.Put(ctx, state.tile.Key(), req.entry)
		}
	case scheduler.Cancelled:
	default:
		switch {
		case next != nil:
			// Newer bytes are about to be decoded anyway
		case !req.fromNetwork && !state.refetched:
			logging.FromContext(ctx).WarnContext(ctx, "Cached entry failed to decode, refetching", "error", result.Err)
			state.refetched = true
			state.hasEntry = false
			if state.fetching {
				state.needsFullFetch = true
			} else {
				l.startFetch(state, "")
			}
		case state.shown:
			logging.FromContext(ctx).WarnContext(ctx, "Decode failed, keeping previous artifact", "error", result.Err)
		default:
			l.fail(state, "decode", result.Err)
		}
	}

	if next != nil {
		l.submitDecode(state, *next)
	}
}

// resumeDecode starts the decode the live state of key queued while an
// earlier state was still decoding
func (l *Lifecycle) resumeDecode(key domain.CacheKey) {
	if l.destroying {
		return
	}
	state, ok := l.tiles[key]
	if !ok || state.decoding || state.queuedDecode == nil {
		return
	}
	req := *state.queuedDecode
	state.queuedDecode = nil
	l.submitDecode(state, req)
}

func (l *Lifecycle) display(state *tileState, artifact any, source domain.Tier) {
	ctx := state.ctx
	key := state.tile.Key()

	l.artifacts.Add(key, artifact)
	firstShow := !state.shown
	state.phase = phaseReady
	state.shown = true
	state.fallback = nil

	l.renderer.Show(ctx, state.tile, artifact)

	metrics.ready.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", source.String())))
	if firstShow {
		metrics.timeToReady.Record(ctx, l.nowFunc().Sub(state.trackedAt).Seconds())
	}
}

func (l *Lifecycle) fail(state *tileState, stage string, err error) {
	ctx := state.ctx
	if err == nil {
		err = fmt.Errorf("%w: %s failed", domain.ErrFetchFailed, stage)
	}
	state.phase = phaseFailed

	level := slog.LevelWarn
	if errors.Is(err, domain.ErrNoData) {
		level = slog.LevelInfo
	}
	logging.FromContext(ctx).Log(ctx, level, "Tile failed", "stage", stage, "error", err)

	metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	l.renderer.Failed(ctx, state.tile, err)
}

// Shutdown stops all tracking. Callbacks still in flight become no-ops. The
// renderer is not told to remove anything.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	if l.destroying {
		return
	}
	l.destroying = true

	logging.FromContext(ctx).InfoContext(ctx, "Shutting down tile lifecycle", "tracked", len(l.tiles))
	clear(l.tiles)
	clear(l.decoders)
	l.artifacts.Purge()
}

func (l *Lifecycle) Tracked(tile domain.TileID) bool {
	_, ok := l.tiles[tile.Key()]
	return ok
}

func (l *Lifecycle) Stats() Stats {
	stats := Stats{Tracked: len(l.tiles)}
	for _, state := range l.tiles {
		switch state.phase {
		case phaseReady:
			stats.Ready++
		case phaseFailed:
			stats.Failed++
		default:
			stats.Loading++
		}
		if state.fallback != nil {
			stats.ShowingFallback++
		}
		if state.revalidating {
			stats.Revalidating++
		}
	}
	return stats
}
