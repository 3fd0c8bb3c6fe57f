// Package statusserver exposes the running engine over HTTP: health, a stats
// snapshot, prometheus metrics and a cache reset.
package statusserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Amund211/tilestream/internal/engine"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/Amund211/tilestream/internal/ratelimiting"
	"github.com/Amund211/tilestream/internal/reporting"
)

// A control loop that has not published stats for this long is unhealthy
const DefaultStaleAfter = 10 * time.Second

type Engine interface {
	Stats() engine.Stats
	ClearCache(ctx context.Context) error
}

type Options struct {
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	StaleAfter time.Duration
	// Guards the cache reset endpoint. Defaults to no limit.
	ClearLimiter  ratelimiting.RateLimiter
	SentryEnabled bool
	NowFunc       func() time.Time
}

type errorResponse struct {
	Success bool   `json:"success"`
	Cause   string `json:"cause"`
}

func writeError(c *gin.Context, statusCode int, cause string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Success: false, Cause: cause})
}

type healthResponse struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type statsResponse struct {
	Ticks     uint64     `json:"ticks"`
	Mailbox   int        `json:"mailbox"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Tiles     tileStats  `json:"tiles"`
	Fetch     fetchStats `json:"fetch"`
	Tasks     taskStats  `json:"tasks"`
	Cache     cacheStats `json:"cache"`
}

type tileStats struct {
	Tracked         int `json:"tracked"`
	Loading         int `json:"loading"`
	Ready           int `json:"ready"`
	Failed          int `json:"failed"`
	ShowingFallback int `json:"showingFallback"`
	Revalidating    int `json:"revalidating"`
}

type fetchStats struct {
	Queued   int `json:"queued"`
	InFlight int `json:"inFlight"`
}

type taskStats struct {
	Pending      []int `json:"pending"`
	PendingTotal int   `json:"pendingTotal"`
	Running      int   `json:"running"`
}

type cacheStats struct {
	MemoryEntries  int      `json:"memoryEntries"`
	PendingLookups int      `json:"pendingLookups"`
	LowerTiers     []string `json:"lowerTiers"`
}

func statsToResponse(stats engine.Stats) statsResponse {
	lowerTiers := stats.Cache.LowerTiers
	if lowerTiers == nil {
		lowerTiers = []string{}
	}
	return statsResponse{
		Ticks:     stats.Ticks,
		Mailbox:   stats.Mailbox,
		UpdatedAt: stats.UpdatedAt,
		Tiles: tileStats{
			Tracked:         stats.Lifecycle.Tracked,
			Loading:         stats.Lifecycle.Loading,
			Ready:           stats.Lifecycle.Ready,
			Failed:          stats.Lifecycle.Failed,
			ShowingFallback: stats.Lifecycle.ShowingFallback,
			Revalidating:    stats.Lifecycle.Revalidating,
		},
		Fetch: fetchStats{
			Queued:   stats.Fetch.Queued,
			InFlight: stats.Fetch.InFlight,
		},
		Tasks: taskStats{
			Pending:      stats.Tasks.Pending[:],
			PendingTotal: stats.Tasks.TotalPending(),
			Running:      stats.Tasks.Running,
		},
		Cache: cacheStats{
			MemoryEntries:  stats.Cache.MemoryEntries,
			PendingLookups: stats.Cache.PendingLookups,
			LowerTiers:     lowerTiers,
		},
	}
}

func NewRouter(e Engine, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	nowFunc := opts.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}
	clearLimiter := opts.ClearLimiter
	if clearLimiter == nil {
		clearLimiter = ratelimiting.NewUnlimited()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	r := gin.New()
	r.Use(requestLogger(logger))
	if opts.SentryEnabled {
		r.Use(sentryMiddleware())
	}
	r.Use(gin.Recovery())
	r.Use(requestMetrics())

	r.GET("/healthz", func(c *gin.Context) {
		stats := e.Stats()
		if nowFunc().Sub(stats.UpdatedAt) > staleAfter {
			c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "stale", UpdatedAt: stats.UpdatedAt})
			return
		}
		c.JSON(http.StatusOK, healthResponse{Status: "ok", UpdatedAt: stats.UpdatedAt})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, statsToResponse(e.Stats()))
	})
	v1.POST("/cache/clear", rateLimit(clearLimiter), func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := e.ClearCache(ctx); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "Failed to clear cache", "error", err)
			reporting.Report(ctx, err)
			writeError(c, http.StatusInternalServerError, "failed to clear cache")
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}
