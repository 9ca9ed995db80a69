package memstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ravenq/raven/internal/request"
)

// KVStore is a minimal file-backed storage.KeyValueStore, used by the
// session pool to persist its snapshot. When Dir is empty it behaves as a
// pure in-memory map (useful for tests).
type KVStore struct {
	mu   sync.RWMutex
	dir  string
	data map[string][]byte
}

// NewKVStore creates a KVStore; dir may be "" for in-memory-only use.
func NewKVStore(dir string) *KVStore {
	return &KVStore{dir: dir, data: make(map[string][]byte)}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.data[key]; ok {
		return v, nil
	}
	if s.dir == "" {
		return nil, fmt.Errorf("memstore/kv: %w: %s", request.ErrNotFound, key)
	}
	b, err := os.ReadFile(filepath.Join(s.dir, key+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("memstore/kv: %w: %s", request.ErrNotFound, key)
		}
		return nil, err
	}
	return b, nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("memstore/kv: mkdir: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, key+".json"), value, 0o644)
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	if s.dir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, key+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
