package pkg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig holds configuration for in-memory storage.
type MemoryConfig struct {
	// CleanupInterval determines how often expired entries are removed.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration

	// DefaultTTL applies to Set calls with a zero TTL. Zero means never expire.
	DefaultTTL time.Duration
}

// MemoryStorage is a lock-guarded map of byte values with optional expiry.
// Concurrent writers to the same key resolve last-write-wins.
type MemoryStorage struct {
	mu         sync.RWMutex
	data       map[string]*entry
	defaultTTL time.Duration
	ticker     *time.Ticker
	done       chan struct{}
	closed     atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStorage creates a new in-memory storage instance.
// If config is nil, default values are used.
func NewMemoryStorage(config *MemoryConfig) *MemoryStorage {
	cleanupInterval := time.Minute
	var defaultTTL time.Duration
	if config != nil {
		if config.CleanupInterval > 0 {
			cleanupInterval = config.CleanupInterval
		}
		defaultTTL = config.DefaultTTL
	}

	ms := &MemoryStorage{
		data:       make(map[string]*entry),
		defaultTTL: defaultTTL,
		ticker:     time.NewTicker(cleanupInterval),
		done:       make(chan struct{}),
	}

	go ms.cleanupExpired()

	return ms
}

func (ms *MemoryStorage) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get retrieves a copy of the value stored under key.
// Returns ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	e, exists := ms.data[key]
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	if e.expired(time.Now()) {
		ms.mu.Lock()
		// only drop it if nobody replaced the entry meanwhile
		if ms.data[key] == e {
			delete(ms.data, key)
			ms.evictions.Add(1)
		}
		ms.mu.Unlock()

		ms.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	ms.hits.Add(1)

	result := make([]byte, len(e.value))
	copy(result, e.value)
	return result, nil
}

// Set stores a copy of value under key, replacing any previous value.
// A zero ttl falls back to the configured default TTL.
func (ms *MemoryStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = ms.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	ms.mu.Lock()
	if ms.data == nil {
		ms.mu.Unlock()
		return ErrStorageUnavailable
	}
	ms.data[key] = &entry{value: valueCopy, expiresAt: expiresAt}
	ms.mu.Unlock()

	ms.sets.Add(1)
	return nil
}

// Delete removes key. No error is returned if the key doesn't exist.
func (ms *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	ms.mu.Lock()
	delete(ms.data, key)
	ms.mu.Unlock()

	ms.deletes.Add(1)
	return nil
}

// Keys returns the unexpired keys in no particular order.
func (ms *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	keys := make([]string, 0, len(ms.data))
	for k, e := range ms.data {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (ms *MemoryStorage) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.data)
}

// Close stops the cleanup goroutine and drops all data.
// It is safe to call more than once.
func (ms *MemoryStorage) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	ms.ticker.Stop()
	close(ms.done)

	ms.mu.Lock()
	ms.data = nil
	ms.mu.Unlock()

	return nil
}

func (ms *MemoryStorage) cleanupExpired() {
	for {
		select {
		case <-ms.ticker.C:
			ms.removeExpiredEntries()
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStorage) removeExpiredEntries() {
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, e := range ms.data {
		if e.expired(now) {
			delete(ms.data, key)
			ms.evictions.Add(1)
		}
	}
}

// Stats is a snapshot of storage counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
}

// Stats returns current storage statistics.
func (ms *MemoryStorage) Stats() Stats {
	return Stats{
		Entries:   ms.Len(),
		Hits:      ms.hits.Load(),
		Misses:    ms.misses.Load(),
		Sets:      ms.sets.Load(),
		Deletes:   ms.deletes.Load(),
		Evictions: ms.evictions.Load(),
	}
}
