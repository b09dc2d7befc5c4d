package kademlia

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
)

// ValueStore holds the key-value pairs this node is asked to keep.
type ValueStore struct {
	storage *pkg.MemoryStorage
}

// NewValueStore creates a store whose entries expire after ttl; zero keeps
// them forever.
func NewValueStore(ttl time.Duration) *ValueStore {
	return &ValueStore{
		storage: pkg.NewMemoryStorage(&pkg.MemoryConfig{
			CleanupInterval: time.Minute,
			DefaultTTL:      ttl,
		}),
	}
}

// Put stores value under key, overwriting any previous value.
func (s *ValueStore) Put(ctx context.Context, key, value []byte) error {
	if err := wire.CheckLength("key", len(key)); err != nil {
		return err
	}
	if err := wire.CheckLength("value", len(value)); err != nil {
		return err
	}
	if err := s.storage.Set(ctx, string(key), value, 0); err != nil {
		return fmt.Errorf("failed to store value: %w", err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *ValueStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	value, err := s.storage.Get(ctx, string(key))
	if err != nil {
		if errors.Is(err, pkg.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load value: %w", err)
	}
	return value, nil
}

// Delete drops the local copy of key. Missing keys are not an error.
func (s *ValueStore) Delete(ctx context.Context, key []byte) error {
	if err := s.storage.Delete(ctx, string(key)); err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}

// Keys lists the stored keys.
func (s *ValueStore) Keys(ctx context.Context) ([]string, error) {
	return s.storage.Keys(ctx)
}

// Len returns the number of stored values.
func (s *ValueStore) Len() int {
	return s.storage.Len()
}

// Stats returns the storage counters.
func (s *ValueStore) Stats() pkg.Stats {
	return s.storage.Stats()
}

// Close releases the underlying storage.
func (s *ValueStore) Close() error {
	return s.storage.Close()
}
