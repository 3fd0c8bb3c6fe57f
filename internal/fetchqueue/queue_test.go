package fetchqueue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Amund211/tilestream/internal/adapters/transport"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/domaintest"
	"github.com/Amund211/tilestream/internal/fetchqueue"
	"github.com/Amund211/tilestream/internal/mainthread"
	"github.com/stretchr/testify/require"
)

type mockedTime struct {
	t           *testing.T
	currentTime time.Time
}

func newMockedTime(t *testing.T) *mockedTime {
	return &mockedTime{
		t:           t,
		currentTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockedTime) Now() time.Time {
	m.t.Helper()
	return m.currentTime
}

func (m *mockedTime) advance(d time.Duration) {
	m.t.Helper()
	m.currentTime = m.currentTime.Add(d)
}

type fakeRequest struct {
	req       transport.Request
	callback  transport.Callback
	cancelled bool
}

func (r *fakeRequest) respond(resp transport.Response) {
	r.callback(resp)
}

type fakeTransport struct {
	t        *testing.T
	requests []*fakeRequest
}

func (f *fakeTransport) Request(ctx context.Context, req transport.Request, callback transport.Callback) transport.CancelFunc {
	f.t.Helper()
	r := &fakeRequest{req: req, callback: callback}
	f.requests = append(f.requests, r)
	return func() {
		r.cancelled = true
	}
}

func (f *fakeTransport) open() int {
	count := 0
	for _, r := range f.requests {
		if !r.cancelled {
			count++
		}
	}
	return count
}

type recorder struct {
	results []fetchqueue.Result
}

func (r *recorder) callback(result fetchqueue.Result) {
	r.results = append(r.results, result)
}

type harness struct {
	clock     *mockedTime
	transport *fakeTransport
	mailbox   *mainthread.Mailbox
	queue     *fetchqueue.Queue
}

func newHarness(t *testing.T, opts fetchqueue.Options) *harness {
	clock := newMockedTime(t)
	tr := &fakeTransport{t: t}
	mailbox := mainthread.NewMailbox()
	return &harness{
		clock:     clock,
		transport: tr,
		mailbox:   mailbox,
		queue:     fetchqueue.New(tr, mailbox, opts, clock.Now),
	}
}

func newInfo(t *testing.T, x int, rec *recorder) *fetchqueue.FetchInfo {
	t.Helper()
	tile := domaintest.NewTile(t, 10, x, 5)
	return &fetchqueue.FetchInfo{
		Tile:     tile,
		URI:      fmt.Sprintf("https://tiles.example.com/10/%d/5.png", x),
		Timeout:  time.Second,
		Callback: rec.callback,
	}
}

var okResponse = transport.Response{StatusCode: 200, Data: []byte("tile")}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	h := newHarness(t, fetchqueue.Options{Delay: 200 * time.Millisecond, ActiveLimit: 4})
	rec := &recorder{}

	require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
	require.False(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)), "duplicate while queued")
	require.True(t, h.queue.Contains(domaintest.NewTile(t, 10, 1, 5)))

	h.clock.advance(time.Second)
	h.queue.Tick(ctx)
	require.Len(t, h.transport.requests, 1)

	require.False(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)), "duplicate while in flight")
	h.clock.advance(time.Second)
	h.queue.Tick(ctx)
	require.Len(t, h.transport.requests, 1)

	h.transport.requests[0].respond(okResponse)
	h.mailbox.Drain()
	require.Len(t, rec.results, 1)
	require.False(t, h.queue.Contains(domaintest.NewTile(t, 10, 1, 5)))

	// Completed keys can be fetched again
	require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
}

func TestExactlyOneCallback(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		h := newHarness(t, fetchqueue.Options{Delay: 0})
		rec := &recorder{}

		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
		h.queue.Tick(ctx)
		require.Len(t, h.transport.requests, 1)
		require.Empty(t, rec.results)

		h.transport.requests[0].respond(transport.Response{StatusCode: 200, Data: []byte("tile"), ETag: `"e1"`})
		require.Empty(t, rec.results, "callback must wait for the control loop")
		h.mailbox.Drain()

		require.Len(t, rec.results, 1)
		require.Equal(t, fetchqueue.StatusSuccess, rec.results[0].Status)
		require.Equal(t, []byte("tile"), rec.results[0].Response.Data)
		require.Equal(t, `"e1"`, rec.results[0].Response.ETag)

		// Cancelling a completed entry does nothing
		h.queue.Cancel(ctx, domaintest.NewTile(t, 10, 1, 5))
		require.Len(t, rec.results, 1)
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		h := newHarness(t, fetchqueue.Options{Delay: 0})
		rec := &recorder{}

		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
		h.queue.Tick(ctx)
		h.transport.requests[0].respond(transport.Response{StatusCode: 404, Err: domain.ErrNoData})
		h.mailbox.Drain()

		require.Len(t, rec.results, 1)
		require.Equal(t, fetchqueue.StatusFailed, rec.results[0].Status)
		require.ErrorIs(t, rec.results[0].Err, domain.ErrNoData)
	})

	t.Run("cancel before dequeue", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		h := newHarness(t, fetchqueue.Options{Delay: 200 * time.Millisecond})
		rec := &recorder{}

		tile := domaintest.NewTile(t, 10, 1, 5)
		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
		h.queue.Cancel(ctx, tile)
		require.Len(t, rec.results, 1)
		require.Equal(t, fetchqueue.StatusCancelled, rec.results[0].Status)
		require.ErrorIs(t, rec.results[0].Err, domain.ErrCancelled)

		// Idempotent
		h.queue.Cancel(ctx, tile)
		h.clock.advance(time.Second)
		h.queue.Tick(ctx)
		h.mailbox.Drain()

		require.Len(t, rec.results, 1)
		require.Empty(t, h.transport.requests, "cancelled entry must not start")
	})

	t.Run("cancel after dequeue before response", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		h := newHarness(t, fetchqueue.Options{Delay: 0})
		rec := &recorder{}

		tile := domaintest.NewTile(t, 10, 1, 5)
		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
		h.queue.Tick(ctx)
		require.Len(t, h.transport.requests, 1)

		h.queue.Cancel(ctx, tile)
		require.True(t, h.transport.requests[0].cancelled)
		require.Len(t, rec.results, 1)
		require.Equal(t, fetchqueue.StatusCancelled, rec.results[0].Status)
		require.Equal(t, fetchqueue.Stats{Queued: 0, InFlight: 0}, h.queue.Stats())

		// The late response is discarded
		h.transport.requests[0].respond(okResponse)
		h.mailbox.Drain()
		require.Len(t, rec.results, 1)
		require.Equal(t, fetchqueue.StatusCancelled, rec.results[0].Status)
	})
}

func TestCancelledTileCanBeRequestedAgain(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	h := newHarness(t, fetchqueue.Options{Delay: 0})
	first := &recorder{}
	second := &recorder{}

	tile := domaintest.NewTile(t, 10, 1, 5)
	firstInfo := newInfo(t, 1, first)
	require.True(t, h.queue.Enqueue(ctx, firstInfo))
	h.queue.Tick(ctx)
	h.queue.Cancel(ctx, tile)

	secondInfo := newInfo(t, 1, second)
	require.True(t, h.queue.Enqueue(ctx, secondInfo))
	require.NotEqual(t, firstInfo.Generation(), secondInfo.Generation())
	h.queue.Tick(ctx)
	require.Len(t, h.transport.requests, 2)

	// Late response to the first request must not complete the second
	h.transport.requests[0].respond(okResponse)
	h.mailbox.Drain()
	require.Empty(t, second.results)
	require.Equal(t, fetchqueue.Stats{Queued: 0, InFlight: 1}, h.queue.Stats())

	h.transport.requests[1].respond(okResponse)
	h.mailbox.Drain()
	require.Len(t, first.results, 1)
	require.Len(t, second.results, 1)
	require.Equal(t, fetchqueue.StatusSuccess, second.results[0].Status)
}

func TestDelaySmoothing(t *testing.T) {
	t.Parallel()

	t.Run("entries wait for the delay and keep FIFO order", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		h := newHarness(t, fetchqueue.Options{Delay: 200 * time.Millisecond, ActiveLimit: 10})
		rec := &recorder{}

		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec))) // A at t=0
		h.clock.advance(50 * time.Millisecond)
		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 2, rec))) // B at t=0.05

		h.clock.advance(50 * time.Millisecond) // t=0.1
		h.queue.Tick(ctx)
		require.Empty(t, h.transport.requests)

		h.clock.advance(150 * time.Millisecond) // t=0.25
		h.queue.Tick(ctx)
		require.Len(t, h.transport.requests, 2)
		require.Equal(t, "https://tiles.example.com/10/1/5.png", h.transport.requests[0].req.URI)
		require.Equal(t, "https://tiles.example.com/10/2/5.png", h.transport.requests[1].req.URI)
	})

	t.Run("a young head stalls the queue", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		h := newHarness(t, fetchqueue.Options{Delay: 200 * time.Millisecond, ActiveLimit: 10})
		rec := &recorder{}

		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
		h.clock.advance(199 * time.Millisecond)
		h.queue.Tick(ctx)
		require.Empty(t, h.transport.requests)

		h.clock.advance(time.Millisecond)
		h.queue.Tick(ctx)
		require.Len(t, h.transport.requests, 1)
	})

	t.Run("cancelled head does not stall", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		h := newHarness(t, fetchqueue.Options{Delay: 200 * time.Millisecond, ActiveLimit: 10})
		rec := &recorder{}

		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
		h.clock.advance(300 * time.Millisecond)
		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 2, rec)))
		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 3, rec)))
		h.queue.Cancel(ctx, domaintest.NewTile(t, 10, 1, 5))

		h.clock.advance(200 * time.Millisecond)
		h.queue.Tick(ctx)
		require.Len(t, h.transport.requests, 2)
		require.Equal(t, "https://tiles.example.com/10/2/5.png", h.transport.requests[0].req.URI)
	})

	t.Run("not live ignores the delay", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		h := newHarness(t, fetchqueue.Options{Delay: 200 * time.Millisecond, ActiveLimit: 10})
		h.queue.SetLive(false)
		rec := &recorder{}

		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
		require.True(t, h.queue.Enqueue(ctx, newInfo(t, 2, rec)))
		h.queue.Tick(ctx)
		require.Len(t, h.transport.requests, 2)
	})
}

func TestConcurrencyCap(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	const limit = 3
	const total = 50
	h := newHarness(t, fetchqueue.Options{Delay: 10 * time.Millisecond, ActiveLimit: limit})
	rec := &recorder{}

	for x := range total {
		require.True(t, h.queue.Enqueue(ctx, newInfo(t, x, rec)))
	}

	responded := 0
	for range 10 * total {
		h.clock.advance(20 * time.Millisecond)
		h.mailbox.Drain()
		h.queue.Tick(ctx)

		require.LessOrEqual(t, h.queue.Stats().InFlight, limit)
		require.LessOrEqual(t, len(h.transport.requests)-responded, limit)

		// Complete the oldest open request each round
		if responded < len(h.transport.requests) {
			h.transport.requests[responded].respond(okResponse)
			responded++
		}
		if len(rec.results) == total {
			break
		}
	}
	h.mailbox.Drain()

	require.Len(t, rec.results, total)
	require.Len(t, h.transport.requests, total)
	for i, r := range h.transport.requests {
		require.Equal(t, fmt.Sprintf("https://tiles.example.com/10/%d/5.png", i), r.req.URI, "FIFO order")
	}
}

func TestPerTickLimit(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	h := newHarness(t, fetchqueue.Options{Delay: 0, ActiveLimit: 10, PerTickLimit: 2})
	rec := &recorder{}

	for x := range 5 {
		require.True(t, h.queue.Enqueue(ctx, newInfo(t, x, rec)))
	}

	h.queue.Tick(ctx)
	require.Len(t, h.transport.requests, 2)
	h.queue.Tick(ctx)
	require.Len(t, h.transport.requests, 4)
	h.queue.Tick(ctx)
	require.Len(t, h.transport.requests, 5)
	require.Equal(t, fetchqueue.Stats{Queued: 0, InFlight: 5}, h.queue.Stats())
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	h := newHarness(t, fetchqueue.Options{Delay: 0, ActiveLimit: 1})
	rec := &recorder{}

	require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
	require.True(t, h.queue.Enqueue(ctx, newInfo(t, 2, rec)))
	h.queue.Tick(ctx)
	require.Len(t, h.transport.requests, 1)

	h.queue.Shutdown(ctx)
	require.Len(t, rec.results, 2)
	for _, result := range rec.results {
		require.Equal(t, fetchqueue.StatusCancelled, result.Status)
	}
	require.True(t, h.transport.requests[0].cancelled)

	// Everything is a no-op afterwards
	h.transport.requests[0].respond(okResponse)
	h.mailbox.Drain()
	require.False(t, h.queue.Enqueue(ctx, newInfo(t, 3, rec)))
	h.queue.Tick(ctx)
	h.queue.Cancel(ctx, domaintest.NewTile(t, 10, 2, 5))
	h.queue.Shutdown(ctx)
	require.Len(t, rec.results, 2)
	require.Len(t, h.transport.requests, 1)

	called := false
	h.queue.Request(ctx, transport.Request{URI: "https://tiles.example.com/style.json"}, func(transport.Response) {
		called = true
	})()
	require.Len(t, h.transport.requests, 1)
	require.False(t, called)
}

func TestPassthroughRequests(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	h := newHarness(t, fetchqueue.Options{Delay: 0, ActiveLimit: 1})
	rec := &recorder{}

	require.True(t, h.queue.Enqueue(ctx, newInfo(t, 1, rec)))
	h.queue.Tick(ctx)
	require.Equal(t, 1, h.queue.Stats().InFlight)

	// The active limit does not apply
	var responses []transport.Response
	h.queue.RequestWithETag(ctx, "https://tiles.example.com/10/9/5.png", `"e9"`, time.Second, func(resp transport.Response) {
		responses = append(responses, resp)
	})
	require.Len(t, h.transport.requests, 2)
	require.Equal(t, `"e9"`, h.transport.requests[1].req.ETag)
	require.Equal(t, time.Second, h.transport.requests[1].req.Timeout)

	h.transport.requests[1].respond(transport.Response{StatusCode: 304, NotModified: true})
	require.Empty(t, responses)
	h.mailbox.Drain()
	require.Len(t, responses, 1)
	require.True(t, responses[0].NotModified)

	// Queue bookkeeping is untouched
	require.Equal(t, fetchqueue.Stats{Queued: 0, InFlight: 1}, h.queue.Stats())
}
