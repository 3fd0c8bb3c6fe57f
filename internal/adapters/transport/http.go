package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/Amund211/tilestream/internal/ratelimiting"
	"github.com/Amund211/tilestream/internal/reporting"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type HTTP struct {
	httpClient HttpClient
	limiter    ratelimiting.RateLimiter
	userAgent  string
	nowFunc    func() time.Time

	nextID   atomic.Uint64
	inFlight *xsync.MapOf[uint64, context.CancelFunc]
	wg       sync.WaitGroup
}

func NewHTTP(httpClient HttpClient, limiter ratelimiting.RateLimiter, userAgent string, nowFunc func() time.Time) *HTTP {
	return &HTTP{
		httpClient: httpClient,
		limiter:    limiter,
		userAgent:  userAgent,
		nowFunc:    nowFunc,
		inFlight:   xsync.NewMapOf[uint64, context.CancelFunc](),
	}
}

// NewInstrumentedClient returns a client whose requests are traced and measured
func NewInstrumentedClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (h *HTTP) Request(ctx context.Context, req Request, callback Callback) CancelFunc {
	var reqCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	id := h.nextID.Add(1)
	h.inFlight.Store(id, cancel)

	h.wg.Go(func() {
		defer h.inFlight.Delete(id)
		defer cancel()

		callback(h.do(reqCtx, req))
	})

	return CancelFunc(cancel)
}

func (h *HTTP) InFlight() int {
	return h.inFlight.Size()
}

// Close cancels every outstanding request and waits for their callbacks
func (h *HTTP) Close() {
	h.inFlight.Range(func(_ uint64, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
	h.wg.Wait()
}

func (h *HTTP) do(ctx context.Context, req Request) Response {
	logger := logging.FromContext(ctx)

	if err := h.limiter.Wait(ctx, ratelimiting.HostKeyFunc(req.URI)); err != nil {
		return Response{Err: fmt.Errorf("%w: %w", domain.ErrTemporarilyUnavailable, err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		err := fmt.Errorf("%w: failed to create request: %w", domain.ErrFetchFailed, err)
		reporting.Report(ctx, err, map[string]string{"uri": req.URI})
		return Response{Err: err}
	}

	httpReq.Header.Set("User-Agent", h.userAgent)
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Response{Err: fmt.Errorf("%w: %w", domain.ErrCancelled, err)}
		}
		logger.WarnContext(ctx, "Tile request failed", "uri", req.URI, "error", err.Error())
		return Response{Err: fmt.Errorf("%w: failed to send request: %w", domain.ErrFetchFailed, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: failed to read response body: %w", domain.ErrFetchFailed, err),
		}
	}

	response := responseFromHTTP(resp.StatusCode, resp.Header, data, h.nowFunc())
	if response.Err != nil && errors.Is(response.Err, domain.ErrFetchFailed) {
		reporting.Report(ctx, response.Err, map[string]string{
			"uri":    req.URI,
			"status": strconv.Itoa(resp.StatusCode),
		})
	}
	return response
}

func responseFromHTTP(statusCode int, header http.Header, data []byte, now time.Time) Response {
	response := Response{
		StatusCode: statusCode,
		ETag:       header.Get("ETag"),
		ExpiresAt:  expiresAt(header, now),
	}

	switch {
	case statusCode == http.StatusNotModified:
		response.NotModified = true
	case statusCode == http.StatusNoContent || statusCode == http.StatusNotFound:
		response.Err = fmt.Errorf("%w: status %d", domain.ErrNoData, statusCode)
	case statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout:
		response.Err = fmt.Errorf("%w: status %d", domain.ErrTemporarilyUnavailable, statusCode)
	case statusCode >= 200 && statusCode < 300:
		if len(data) == 0 {
			response.Err = fmt.Errorf("%w: empty body", domain.ErrNoData)
			break
		}
		response.Data = data
	default:
		response.Err = fmt.Errorf("%w: unexpected status code %d", domain.ErrFetchFailed, statusCode)
	}

	return response
}

// expiresAt prefers Cache-Control max-age over Expires. Uncacheable responses
// expire immediately. Returns the zero time when the server says nothing.
func expiresAt(header http.Header, now time.Time) time.Time {
	for directive := range strings.SplitSeq(header.Get("Cache-Control"), ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-cache" || directive == "no-store":
			return now
		case strings.HasPrefix(directive, "max-age="):
			seconds, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
			if err != nil || seconds < 0 {
				continue
			}
			return now.Add(time.Duration(seconds) * time.Second)
		}
	}

	if raw := header.Get("Expires"); raw != "" {
		expires, err := http.ParseTime(raw)
		if err != nil {
			// Invalid Expires means already expired
			return now
		}
		return expires
	}

	return time.Time{}
}
