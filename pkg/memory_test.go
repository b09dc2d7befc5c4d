package pkg

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStorageGet tests the Get method.
func TestMemoryStorageGet(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		setup     func(*MemoryStorage)
		key       string
		wantValue []byte
		wantErr   error
	}{
		{
			name:    "key not found",
			setup:   func(*MemoryStorage) {},
			key:     "nonexistent",
			wantErr: ErrKeyNotFound,
		},
		{
			name: "valid key",
			setup: func(s *MemoryStorage) {
				s.Set(ctx, "test-key", []byte("test-value"), time.Hour)
			},
			key:       "test-key",
			wantValue: []byte("test-value"),
		},
		{
			name: "expired key",
			setup: func(s *MemoryStorage) {
				s.Set(ctx, "expired-key", []byte("value"), time.Millisecond)
				time.Sleep(5 * time.Millisecond)
			},
			key:     "expired-key",
			wantErr: ErrKeyNotFound,
		},
		{
			name: "empty value",
			setup: func(s *MemoryStorage) {
				s.Set(ctx, "empty", []byte{}, 0)
			},
			key:       "empty",
			wantValue: []byte{},
		},
		{
			name: "last write wins",
			setup: func(s *MemoryStorage) {
				s.Set(ctx, "dup", []byte("first"), 0)
				s.Set(ctx, "dup", []byte("second"), 0)
			},
			key:       "dup",
			wantValue: []byte("second"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := NewMemoryStorage(&MemoryConfig{CleanupInterval: time.Second})
			defer storage.Close()

			tt.setup(storage)

			value, err := storage.Get(ctx, tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestMemoryStorageCopiesValues(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(nil)
	defer storage.Close()

	in := []byte("abc")
	require.NoError(t, storage.Set(ctx, "k", in, 0))
	in[0] = 'x'

	out, err := storage.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	out[1] = 'y'
	again, err := storage.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStorageDefaultTTL(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(&MemoryConfig{CleanupInterval: time.Hour, DefaultTTL: 20 * time.Millisecond})
	defer storage.Close()

	require.NoError(t, storage.Set(ctx, "short", []byte("v"), 0))
	require.NoError(t, storage.Set(ctx, "long", []byte("v"), time.Hour))

	time.Sleep(40 * time.Millisecond)

	_, err := storage.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = storage.Get(ctx, "long")
	assert.NoError(t, err)
}

func TestMemoryStorageExpiration(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(&MemoryConfig{CleanupInterval: 20 * time.Millisecond})
	defer storage.Close()

	require.NoError(t, storage.Set(ctx, "short", []byte("short-lived"), 30*time.Millisecond))
	require.NoError(t, storage.Set(ctx, "no-ttl", []byte("no-expiry"), 0))
	assert.Equal(t, 2, storage.Len())

	// the sweeper removes the entry without any Get touching it
	assert.Eventually(t, func() bool {
		return storage.Len() == 1
	}, time.Second, 10*time.Millisecond)

	_, err := storage.Get(ctx, "no-ttl")
	assert.NoError(t, err)
	assert.Positive(t, storage.Stats().Evictions)
}

func TestMemoryStorageKeys(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(nil)
	defer storage.Close()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, storage.Set(ctx, k, []byte(k), 0))
	}
	require.NoError(t, storage.Delete(ctx, "b"))

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, keys)
}

func TestMemoryStorageConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(&MemoryConfig{CleanupInterval: time.Second})
	defer storage.Close()

	const (
		numGoroutines = 50
		numOperations = 200
	)

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines*numOperations)

	wg.Add(numGoroutines * 3)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				key := fmt.Sprintf("key-%d-%d", id, j)
				if err := storage.Set(ctx, key, []byte(key), time.Hour); err != nil {
					errs <- err
				}
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				storage.Get(ctx, fmt.Sprintf("key-%d-%d", id, j/2))
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				storage.Set(ctx, "shared", []byte(fmt.Sprintf("%d", id)), 0)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	_, err := storage.Get(ctx, "shared")
	assert.NoError(t, err)
}

func TestMemoryStorageContextCancellation(t *testing.T) {
	storage := NewMemoryStorage(nil)
	defer storage.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := storage.Get(ctx, "key")
	assert.Equal(t, ErrContextCanceled, err)

	err = storage.Set(ctx, "key", []byte("value"), time.Hour)
	assert.Equal(t, ErrContextCanceled, err)

	err = storage.Delete(ctx, "key")
	assert.Equal(t, ErrContextCanceled, err)

	_, err = storage.Keys(ctx)
	assert.Equal(t, ErrContextCanceled, err)
}

func TestMemoryStorageClose(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(nil)

	storage.Set(ctx, "key", []byte("value"), time.Hour)

	require.NoError(t, storage.Close())

	_, err := storage.Get(ctx, "key")
	assert.Equal(t, ErrStorageUnavailable, err)

	err = storage.Set(ctx, "key", []byte("value"), time.Hour)
	assert.Equal(t, ErrStorageUnavailable, err)

	assert.NoError(t, storage.Close(), "second Close should be a no-op")
	assert.Zero(t, storage.Len())
}

func TestMemoryStorageStats(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage(nil)
	defer storage.Close()

	assert.Equal(t, Stats{}, storage.Stats())

	storage.Set(ctx, "key1", []byte("value1"), time.Hour)
	storage.Set(ctx, "key2", []byte("value2"), time.Hour)
	storage.Get(ctx, "key1")        // hit
	storage.Get(ctx, "nonexistent") // miss
	storage.Delete(ctx, "key2")

	stats := storage.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.Sets)
	assert.Equal(t, int64(1), stats.Deletes)
}
