// Package fetchqueue throttles outbound tile requests.
//
// The queue is owned by the control loop: every method must be called from
// the goroutine that drains the mailbox. Transport completions are posted to
// the mailbox, so callbacks always run on that goroutine too.
package fetchqueue

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/Amund211/tilestream/internal/adapters/transport"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultDelay       = 200 * time.Millisecond
	DefaultActiveLimit = 6
)

type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Result struct {
	Status   Status
	Response transport.Response
	Err      error
}

type state int

const (
	statePending state = iota
	stateFetching
	stateCompleted
	stateFailed
	stateCancelled
)

// FetchInfo is one requested tile fetch. The queue owns it from Enqueue until
// its callback has fired.
type FetchInfo struct {
	Tile     domain.TileID
	URI      string
	ETag     string
	Timeout  time.Duration
	Callback func(Result)

	generation uuid.UUID
	enqueuedAt time.Time
	startedAt  time.Time
	state      state
	cancel     transport.CancelFunc
}

func (f *FetchInfo) Generation() uuid.UUID {
	return f.generation
}

func (f *FetchInfo) EnqueuedAt() time.Time {
	return f.enqueuedAt
}

type Poster interface {
	Post(fn func())
}

type Options struct {
	// Minimum age before a queued entry may start while live
	Delay time.Duration
	// Maximum number of requests in flight
	ActiveLimit int
	// Maximum number of requests started per tick. Defaults to ActiveLimit.
	PerTickLimit int
}

type Stats struct {
	Queued   int
	InFlight int
}

type Queue struct {
	transport transport.Transport
	mailbox   Poster
	nowFunc   func() time.Time

	delay        time.Duration
	activeLimit  int
	perTickLimit int
	live         bool

	// FIFO of pending entries. Cancelled entries stay until they reach the head.
	queue []*FetchInfo
	// Pending and in-flight entries
	byKey      map[domain.CacheKey]*FetchInfo
	inFlight   int
	destroying bool
}

func New(t transport.Transport, mailbox Poster, opts Options, nowFunc func() time.Time) *Queue {
	activeLimit := opts.ActiveLimit
	if activeLimit <= 0 {
		activeLimit = DefaultActiveLimit
	}
	perTickLimit := opts.PerTickLimit
	if perTickLimit <= 0 {
		perTickLimit = activeLimit
	}

	return &Queue{
		transport:    t,
		mailbox:      mailbox,
		nowFunc:      nowFunc,
		delay:        max(opts.Delay, 0),
		activeLimit:  activeLimit,
		perTickLimit: perTickLimit,
		live:         true,
		queue:        []*FetchInfo{},
		byKey:        make(map[domain.CacheKey]*FetchInfo),
	}
}

// SetLive toggles delay smoothing. Outside live mode entries start as soon as
// there is capacity.
func (q *Queue) SetLive(live bool) {
	q.live = live
}

// Enqueue accepts info unless an entry for the same key is already queued or
// in flight. A rejected info is left untouched and its callback never fires.
func (q *Queue) Enqueue(ctx context.Context, info *FetchInfo) bool {
	if q.destroying {
		return false
	}

	key := info.Tile.Key()
	if existing, ok := q.byKey[key]; ok {
		logging.FromContext(ctx).DebugContext(
			ctx,
			"Ignoring duplicate fetch",
			logging.TileAttr(info.Tile),
			slog.String("existingGeneration", existing.generation.String()),
		)
		metrics.duplicates.Add(ctx, 1, datasetAttr(info.Tile))
		return false
	}

	if info.Callback == nil {
		info.Callback = func(Result) {}
	}

	generation, err := uuid.NewV7()
	if err != nil {
		generation = uuid.New()
	}
	info.generation = generation
	info.enqueuedAt = q.nowFunc()
	info.state = statePending
	info.cancel = nil

	q.queue = append(q.queue, info)
	q.byKey[key] = info

	metrics.enqueued.Add(ctx, 1, datasetAttr(info.Tile))
	return true
}

// Tick starts queued requests while there is capacity. It never blocks.
func (q *Queue) Tick(ctx context.Context) {
	if q.destroying {
		return
	}

	now := q.nowFunc()
	started := 0
	for len(q.queue) > 0 && q.inFlight < q.activeLimit && started < q.perTickLimit {
		head := q.queue[0]
		if head.state != statePending {
			q.popHead()
			continue
		}

		// The head stalls the whole queue until it is old enough
		if q.live && now.Sub(head.enqueuedAt) < q.delay {
			break
		}

		q.popHead()
		q.start(ctx, head, now)
		started++
	}
}

func (q *Queue) popHead() {
	q.queue[0] = nil
	q.queue = q.queue[1:]
}

func (q *Queue) start(ctx context.Context, info *FetchInfo, now time.Time) {
	info.state = stateFetching
	info.startedAt = now
	q.inFlight++

	metrics.queueWait.Record(ctx, now.Sub(info.enqueuedAt).Seconds(), datasetAttr(info.Tile))

	req := transport.Request{
		URI:     info.URI,
		ETag:    info.ETag,
		Timeout: info.Timeout,
	}
	info.cancel = q.transport.Request(ctx, req, func(resp transport.Response) {
		q.mailbox.Post(func() {
			q.complete(ctx, info, resp)
		})
	})
}

func (q *Queue) complete(ctx context.Context, info *FetchInfo, resp transport.Response) {
	if info.state != stateFetching || q.byKey[info.Tile.Key()] != info {
		logging.FromContext(ctx).DebugContext(
			ctx,
			"Discarding response for cancelled fetch",
			logging.TileAttr(info.Tile),
			slog.String("generation", info.generation.String()),
		)
		return
	}

	delete(q.byKey, info.Tile.Key())
	q.inFlight--

	result := resultFromResponse(resp)
	if result.Status == StatusSuccess {
		info.state = stateCompleted
	} else {
		info.state = stateFailed
	}

	attrs := metric.WithAttributes(
		attribute.String("dataset", info.Tile.Dataset),
		attribute.String("status", result.Status.String()),
	)
	metrics.completed.Add(ctx, 1, attrs)
	metrics.requestDuration.Record(ctx, q.nowFunc().Sub(info.startedAt).Seconds(), attrs)

	info.Callback(result)
}

func resultFromResponse(resp transport.Response) Result {
	switch {
	case resp.Err == nil:
		return Result{Status: StatusSuccess, Response: resp}
	case errors.Is(resp.Err, domain.ErrCancelled):
		return Result{Status: StatusCancelled, Response: resp, Err: resp.Err}
	default:
		return Result{Status: StatusFailed, Response: resp, Err: resp.Err}
	}
}

// Cancel stops the fetch for tile wherever it is. Its callback fires once with
// StatusCancelled. Unknown or finished tiles are ignored.
func (q *Queue) Cancel(ctx context.Context, tile domain.TileID) {
	if q.destroying {
		return
	}

	info, ok := q.byKey[tile.Key()]
	if !ok {
		return
	}
	delete(q.byKey, tile.Key())

	q.cancelEntry(ctx, info)
}

func (q *Queue) cancelEntry(ctx context.Context, info *FetchInfo) {
	wasFetching := info.state == stateFetching
	info.state = stateCancelled
	if wasFetching {
		q.inFlight--
		if info.cancel != nil {
			info.cancel()
		}
	}

	metrics.completed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dataset", info.Tile.Dataset),
		attribute.String("status", StatusCancelled.String()),
	))

	info.Callback(Result{
		Status: StatusCancelled,
		Err:    domain.ErrCancelled,
	})
}

// Shutdown cancels everything outstanding. Later calls on the queue do nothing.
func (q *Queue) Shutdown(ctx context.Context) {
	if q.destroying {
		return
	}
	q.destroying = true

	outstanding := make([]*FetchInfo, 0, len(q.byKey))
	for _, info := range q.byKey {
		outstanding = append(outstanding, info)
	}
	slices.SortFunc(outstanding, func(a, b *FetchInfo) int {
		return cmp.Compare(a.enqueuedAt.UnixNano(), b.enqueuedAt.UnixNano())
	})

	q.byKey = make(map[domain.CacheKey]*FetchInfo)
	q.queue = nil

	for _, info := range outstanding {
		q.cancelEntry(ctx, info)
	}
	q.inFlight = 0

	logging.FromContext(ctx).InfoContext(ctx, "Fetch queue shut down", slog.Int("cancelled", len(outstanding)))
}

// Request bypasses the queue. The callback still runs on the control loop.
func (q *Queue) Request(ctx context.Context, req transport.Request, callback func(transport.Response)) transport.CancelFunc {
	if q.destroying {
		return func() {}
	}

	return q.transport.Request(ctx, req, func(resp transport.Response) {
		q.mailbox.Post(func() {
			callback(resp)
		})
	})
}

func (q *Queue) RequestWithETag(ctx context.Context, uri, etag string, timeout time.Duration, callback func(transport.Response)) transport.CancelFunc {
	return q.Request(ctx, transport.Request{URI: uri, ETag: etag, Timeout: timeout}, callback)
}

// Contains reports whether tile is queued or in flight
func (q *Queue) Contains(tile domain.TileID) bool {
	_, ok := q.byKey[tile.Key()]
	return ok
}

func (q *Queue) Stats() Stats {
	return Stats{
		Queued:   len(q.byKey) - q.inFlight,
		InFlight: q.inFlight,
	}
}

func datasetAttr(tile domain.TileID) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("dataset", tile.Dataset))
}
