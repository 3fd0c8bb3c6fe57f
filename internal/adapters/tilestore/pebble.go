package tilestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/Amund211/tilestream/internal/codec"
	"github.com/Amund211/tilestream/internal/domain"
)

var tilePrefix = []byte("tile/")

// prefixEnd is the first key after every key starting with tilePrefix
var prefixEnd = []byte("tile0")

type Pebble struct {
	db    *pebble.DB
	codec codec.Codec
}

var _ Store = (*Pebble)(nil)

func NewPebble(dir string, c codec.Codec) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &Pebble{db: db, codec: c}, nil
}

func pebbleKey(key domain.CacheKey) []byte {
	return append(append(make([]byte, 0, len(tilePrefix)+len(key)), tilePrefix...), key...)
}

func (p *Pebble) Get(ctx context.Context, key domain.CacheKey) (domain.CacheEntry, bool, error) {
	value, closer, err := p.db.Get(pebbleKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	// value is only valid until closer is closed
	entry, err := p.codec.Decode(value)
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to decode pebble value: %w", err)
	}
	entry.Data = append([]byte(nil), entry.Data...)

	return entry, true, nil
}

func (p *Pebble) Put(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry) error {
	data, err := p.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	if err := p.db.Set(pebbleKey(key), data, pebble.NoSync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (p *Pebble) DeleteAll(ctx context.Context) error {
	if err := p.db.DeleteRange(tilePrefix, prefixEnd, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete range: %w", err)
	}
	return nil
}

func (p *Pebble) Close() error {
	if err := p.db.Flush(); err != nil {
		return errors.Join(fmt.Errorf("pebble flush: %w", err), p.db.Close())
	}
	return p.db.Close()
}
