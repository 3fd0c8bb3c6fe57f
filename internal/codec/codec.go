// Package codec serializes cache entries for the lower cache tiers.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/Amund211/tilestream/internal/domain"
)

var ErrUnknownCodec = errors.New("unknown codec")
var ErrCorruptEntry = errors.New("corrupt cache entry")

type Codec interface {
	Encode(entry domain.CacheEntry) ([]byte, error)
	Decode(data []byte) (domain.CacheEntry, error)
	Name() string
}

// envelope is the stored form of a cache entry. The tier of origin is not
// stored, the reading store sets it.
type envelope struct {
	Data       []byte `cbor:"1,keyasint" msgpack:"d"`
	ETag       string `cbor:"2,keyasint,omitempty" msgpack:"e,omitempty"`
	ExpiresAt  int64  `cbor:"3,keyasint,omitempty" msgpack:"x,omitempty"`
	StatusCode int    `cbor:"4,keyasint,omitempty" msgpack:"s,omitempty"`
	HasError   bool   `cbor:"5,keyasint,omitempty" msgpack:"h,omitempty"`
}

func envelopeFromEntry(entry domain.CacheEntry) envelope {
	var expiresAt int64
	if !entry.ExpiresAt.IsZero() {
		expiresAt = entry.ExpiresAt.UnixMilli()
	}
	return envelope{
		Data:       entry.Data,
		ETag:       entry.ETag,
		ExpiresAt:  expiresAt,
		StatusCode: entry.StatusCode,
		HasError:   entry.HasError,
	}
}

func (e envelope) entry() domain.CacheEntry {
	var expiresAt time.Time
	if e.ExpiresAt != 0 {
		expiresAt = time.UnixMilli(e.ExpiresAt)
	}
	return domain.CacheEntry{
		Data:       e.Data,
		ETag:       e.ETag,
		ExpiresAt:  expiresAt,
		StatusCode: e.StatusCode,
		HasError:   e.HasError,
	}
}

// New returns the codec called name, optionally wrapped in zstd compression
func New(name string, compress bool) (Codec, error) {
	var c Codec
	switch name {
	case "cbor":
		cborCodec, err := NewCBOR()
		if err != nil {
			return nil, fmt.Errorf("failed to create cbor codec: %w", err)
		}
		c = cborCodec
	case "msgpack":
		c = Msgpack{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}

	if !compress {
		return c, nil
	}

	zstdCodec, err := NewZstd(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd codec: %w", err)
	}
	return zstdCodec, nil
}
