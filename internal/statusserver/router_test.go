package statusserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Amund211/tilestream/internal/cache"
	"github.com/Amund211/tilestream/internal/engine"
	"github.com/Amund211/tilestream/internal/lifecycle"
	"github.com/Amund211/tilestream/internal/ratelimiting"
	"github.com/Amund211/tilestream/internal/statusserver"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	stats    engine.Stats
	clearErr error
	clears   int
}

func (f *fakeEngine) Stats() engine.Stats {
	return f.stats
}

func (f *fakeEngine) ClearCache(ctx context.Context) error {
	f.clears++
	return f.clearErr
}

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newRouter(e *fakeEngine, opts statusserver.Options) *gin.Engine {
	opts.NowFunc = func() time.Time { return now }
	return statusserver.NewRouter(e, opts)
}

func do(router http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	t.Run("fresh stats", func(t *testing.T) {
		t.Parallel()

		router := newRouter(&fakeEngine{stats: engine.Stats{UpdatedAt: now.Add(-time.Second)}}, statusserver.Options{})
		w := do(router, http.MethodGet, "/healthz")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), `"status":"ok"`)
		require.NotEmpty(t, w.Header().Get("X-Request-Id"))
	})

	t.Run("stale stats", func(t *testing.T) {
		t.Parallel()

		router := newRouter(&fakeEngine{stats: engine.Stats{UpdatedAt: now.Add(-time.Minute)}}, statusserver.Options{})
		w := do(router, http.MethodGet, "/healthz")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		require.Contains(t, w.Body.String(), `"status":"stale"`)
	})
}

func TestStats(t *testing.T) {
	t.Parallel()

	stats := engine.Stats{
		Ticks:     42,
		UpdatedAt: now,
		Lifecycle: lifecycle.Stats{Tracked: 9, Loading: 2, Ready: 6, Failed: 1, ShowingFallback: 1},
		Cache:     cache.Stats{MemoryEntries: 30, LowerTiers: []string{"file", "persistent"}},
	}
	stats.Fetch.Queued = 3
	stats.Tasks.Pending[0] = 2
	stats.Tasks.Running = 1

	router := newRouter(&fakeEngine{stats: stats}, statusserver.Options{})
	w := do(router, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.InDelta(t, 42, body["ticks"], 0)

	tiles := body["tiles"].(map[string]any)
	require.InDelta(t, 9, tiles["tracked"], 0)
	require.InDelta(t, 6, tiles["ready"], 0)
	require.InDelta(t, 1, tiles["showingFallback"], 0)

	tasks := body["tasks"].(map[string]any)
	require.InDelta(t, 2, tasks["pendingTotal"], 0)
	require.Len(t, tasks["pending"], 5)

	cacheBody := body["cache"].(map[string]any)
	require.Equal(t, []any{"file", "persistent"}, cacheBody["lowerTiers"])
	require.InDelta(t, 3, body["fetch"].(map[string]any)["queued"], 0)
}

func TestClearCache(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		e := &fakeEngine{}
		router := newRouter(e, statusserver.Options{})
		w := do(router, http.MethodPost, "/v1/cache/clear")
		require.Equal(t, http.StatusNoContent, w.Code)
		require.Equal(t, 1, e.clears)
	})

	t.Run("failure", func(t *testing.T) {
		t.Parallel()

		e := &fakeEngine{clearErr: errors.New("disk on fire")}
		router := newRouter(e, statusserver.Options{})
		w := do(router, http.MethodPost, "/v1/cache/clear")
		require.Equal(t, http.StatusInternalServerError, w.Code)
		require.JSONEq(t, `{"success":false,"cause":"failed to clear cache"}`, w.Body.String())
	})

	t.Run("rate limited", func(t *testing.T) {
		t.Parallel()

		limiter, stop := ratelimiting.NewTokenBucketRateLimiter(ratelimiting.RefillPerSecond(0.001), ratelimiting.BurstSize(1))
		t.Cleanup(stop)

		e := &fakeEngine{}
		router := newRouter(e, statusserver.Options{ClearLimiter: limiter})
		require.Equal(t, http.StatusNoContent, do(router, http.MethodPost, "/v1/cache/clear").Code)

		w := do(router, http.MethodPost, "/v1/cache/clear")
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		require.Equal(t, 1, e.clears)
	})

	t.Run("wrong method", func(t *testing.T) {
		t.Parallel()

		e := &fakeEngine{}
		router := newRouter(e, statusserver.Options{})
		w := do(router, http.MethodGet, "/v1/cache/clear")
		require.Equal(t, http.StatusNotFound, w.Code)
		require.Zero(t, e.clears)
	})
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tilestream_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Add(3)

	router := newRouter(&fakeEngine{}, statusserver.Options{Registry: registry})
	w := do(router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "tilestream_test_total 3"), w.Body.String())
}

func TestPanicsAreRecovered(t *testing.T) {
	t.Parallel()

	router := newRouter(&fakeEngine{}, statusserver.Options{})
	router.GET("/boom", func(c *gin.Context) {
		panic("boom")
	})
	w := do(router, http.MethodGet, "/boom")
	require.Equal(t, http.StatusInternalServerError, w.Code)
}
