package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"rosegarden/internal/offline"
)

// CacheStorage keeps offline cache stores in Redis so every proxy replica
// shares them. Store names live in a set; each store is a hash of request
// key to encoded response.
type CacheStorage struct {
	rdb    *redis.Client
	prefix string
}

func (c *Client) CacheStorage(prefix string) *CacheStorage {
	return &CacheStorage{rdb: c.rdb, prefix: prefix}
}

func (s *CacheStorage) namesKey() string {
	return s.prefix + "stores"
}

func (s *CacheStorage) storeKey(name string) string {
	return s.prefix + "store:" + name
}

func (s *CacheStorage) Open(ctx context.Context, name string) (offline.Store, error) {
	if err := s.rdb.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("open cache store %s: %w", name, err)
	}
	return &cacheStore{rdb: s.rdb, name: name, key: s.storeKey(name)}, nil
}

func (s *CacheStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.namesKey(), name).Result()
}

func (s *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.namesKey(), name)
		pipe.Del(ctx, s.storeKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete cache store %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *CacheStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list cache stores: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

type cacheStore struct {
	rdb  *redis.Client
	name string
	key  string
}

func (s *cacheStore) Name() string {
	return s.name
}

func (s *cacheStore) Match(ctx context.Context, key string) (*offline.CachedResponse, error) {
	data, err := s.rdb.HGet(ctx, s.key, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, offline.ErrNotCached
		}
		return nil, fmt.Errorf("cache match %s: %w", key, err)
	}

	var resp offline.CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("cache unmarshal %s: %w", key, err)
	}
	return &resp, nil
}

func (s *cacheStore) Put(ctx context.Context, key string, resp *offline.CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := s.rdb.HSet(ctx, s.key, key, data).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

func (s *cacheStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache keys: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}
