// Package tilestore holds the lower cache tiers. Every store keeps entries
// encoded with a codec.Codec so the ETag and expiry survive a restart.
package tilestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Amund211/tilestream/internal/domain"
)

var ErrInvalidKey = fmt.Errorf("%w: malformed cache key", domain.ErrInvalidTile)
var ErrClosed = errors.New("store is closed")

// Store is a lower cache tier. A miss is reported as ok=false with a nil error.
type Store interface {
	Get(ctx context.Context, key domain.CacheKey) (domain.CacheEntry, bool, error)
	Put(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry) error
	DeleteAll(ctx context.Context) error
	Close() error
}

type keyParts struct {
	dataset string
	z, x, y int
}

// parseKey splits a "dataset/z/x/y" key. The dataset itself may contain slashes.
func parseKey(key domain.CacheKey) (keyParts, error) {
	rest := string(key)
	coords := [3]int{}
	for i := 2; i >= 0; i-- {
		idx := strings.LastIndexByte(rest, '/')
		if idx < 0 {
			return keyParts{}, fmt.Errorf("%w: %s", ErrInvalidKey, key)
		}
		n, err := strconv.Atoi(rest[idx+1:])
		if err != nil || n < 0 {
			return keyParts{}, fmt.Errorf("%w: %s", ErrInvalidKey, key)
		}
		coords[i] = n
		rest = rest[:idx]
	}
	if rest == "" {
		return keyParts{}, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}

	return keyParts{dataset: rest, z: coords[0], x: coords[1], y: coords[2]}, nil
}
