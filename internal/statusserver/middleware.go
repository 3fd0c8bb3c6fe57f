package statusserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Amund211/tilestream/internal/logging"
	"github.com/Amund211/tilestream/internal/ratelimiting"
)

const requestIDHeader = "X-Request-Id"

// requestLogger puts a logger tagged with the request into the request context
// and logs one line per response.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		userAgent := c.Request.UserAgent()
		if userAgent == "" {
			userAgent = "<missing>"
		}

		requestLogger := logger.With(
			slog.String("requestID", requestID),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("userAgent", userAgent),
		)
		ctx := logging.AddToContext(c.Request.Context(), requestLogger)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		requestLogger.InfoContext(ctx, "Returning response",
			slog.Int("statusCode", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "<unmatched>"
		}
		attributesOption := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("route", route),
			attribute.String("status", strconv.Itoa(c.Writer.Status())),
		)

		ctx := c.Request.Context()
		metrics.requestCount.Add(ctx, 1, attributesOption)
		metrics.requestDuration.Record(ctx, time.Since(start).Seconds(), attributesOption)
	}
}

// sentryMiddleware attaches a sentry hub to the request context and reports
// panics before gin's recovery turns them into a 500.
func sentryMiddleware() gin.HandlerFunc {
	handler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	return func(c *gin.Context) {
		handler.HandleFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Request = r
			c.Next()
		}).ServeHTTP(c.Writer, c.Request)
	}
}

func rateLimit(limiter ratelimiting.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip: " + c.ClientIP()
		if !limiter.Consume(key) {
			logging.FromContext(c.Request.Context()).InfoContext(c.Request.Context(), "Rate limit exceeded", slog.String("key", key))
			writeError(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
