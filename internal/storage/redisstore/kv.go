package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ravenq/raven/internal/request"
)

// KVStore is a storage.KeyValueStore backed by plain Redis string keys.
type KVStore struct {
	rdb    *redis.Client
	prefix string
}

// NewKVStore wraps an existing go-redis client for session snapshotting.
func NewKVStore(rdb *redis.Client, prefix string) *KVStore {
	if prefix == "" {
		prefix = "raven:kv"
	}
	return &KVStore{rdb: rdb, prefix: prefix}
}

func (s *KVStore) key(k string) string { return s.prefix + ":" + k }

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("redisstore/kv: %w: %s", request.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, s.key(key), value, 0).Err()
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}
