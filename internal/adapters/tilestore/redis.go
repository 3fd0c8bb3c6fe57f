package tilestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Amund211/tilestream/internal/codec"
	"github.com/Amund211/tilestream/internal/domain"
)

const deleteBatchSize = 500

type RedisConfig struct {
	Client    redis.UniversalClient
	Namespace string
	// TTL of stored entries. Zero keeps entries until DeleteAll.
	TTL time.Duration
	// CloseClient should be set only if the store exclusively owns the client
	CloseClient bool
}

type Redis struct {
	rdb         redis.UniversalClient
	namespace   string
	ttl         time.Duration
	closeClient bool
	codec       codec.Codec
}

var _ Store = (*Redis)(nil)

var ErrNilClient = errors.New("redis store: nil client")

func NewRedis(cfg RedisConfig, c codec.Codec) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "tilestream"
	}

	return &Redis{
		rdb:         cfg.Client,
		namespace:   namespace,
		ttl:         max(cfg.TTL, 0),
		closeClient: cfg.CloseClient,
		codec:       c,
	}, nil
}

// NewRedisClient connects to addr and verifies the connection
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func (r *Redis) key(key domain.CacheKey) string {
	return r.namespace + ":" + string(key)
}

func (r *Redis) Get(ctx context.Context, key domain.CacheKey) (domain.CacheEntry, bool, error) {
	data, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}

	entry, err := r.codec.Decode(data)
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to decode redis value: %w", err)
	}
	return entry, true, nil
}

func (r *Redis) Put(ctx context.Context, key domain.CacheKey, entry domain.CacheEntry) error {
	data, err := r.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	if err := r.rdb.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// DeleteAll removes every key in the namespace
func (r *Redis) DeleteAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.namespace+":*", deleteBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			if err := r.rdb.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis unlink: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) Close() error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
