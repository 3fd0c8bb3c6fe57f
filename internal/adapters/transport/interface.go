package transport

import (
	"context"
	"time"
)

type Request struct {
	URI string
	// ETag makes the request conditional
	ETag    string
	Timeout time.Duration
}

type Response struct {
	StatusCode  int
	Data        []byte
	Err         error
	ETag        string
	ExpiresAt   time.Time
	NotModified bool
}

type Callback func(Response)

type CancelFunc func()

// Transport performs one request per call and invokes the callback exactly
// once, from any goroutine. Cancelling makes the callback receive an error.
type Transport interface {
	Request(ctx context.Context, req Request, callback Callback) CancelFunc
}
