package hash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idFromHex(t *testing.T, s string) NodeID {
	t.Helper()
	id, err := ParseID(s)
	require.NoError(t, err)
	return id
}

func TestHashKey(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		check func(*testing.T, NodeID)
	}{
		{
			name: "deterministic",
			data: []byte("test"),
			check: func(t *testing.T, id NodeID) {
				assert.Equal(t, id, HashKey([]byte("test")), "same input should produce same hash")
			},
		},
		{
			name: "different inputs produce different hashes",
			data: []byte("test1"),
			check: func(t *testing.T, id NodeID) {
				assert.NotEqual(t, id, HashKey([]byte("test2")))
			},
		},
		{
			name: "empty data",
			data: []byte{},
			check: func(t *testing.T, id NodeID) {
				assert.False(t, id.IsZero())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, HashKey(tt.data))
		})
	}
}

func TestHashAddress(t *testing.T) {
	a := HashAddress("127.0.0.1", 8440)
	b := HashAddress("127.0.0.1", 8441)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, HashAddress("127.0.0.1", 8440))
}

func TestRandomID(t *testing.T) {
	a, err := RandomID()
	require.NoError(t, err)
	b, err := RandomID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKeyTarget(t *testing.T) {
	t.Run("short key is zero padded", func(t *testing.T) {
		id := KeyTarget([]byte("k"))
		assert.Equal(t, byte('k'), id[0])
		for _, b := range id[1:] {
			assert.Zero(t, b)
		}
	})

	t.Run("long key is truncated", func(t *testing.T) {
		key := []byte(strings.Repeat("a", 40))
		id := KeyTarget(key)
		assert.Equal(t, key[:IDLength], id[:])
	})

	t.Run("empty key is zero", func(t *testing.T) {
		assert.True(t, KeyTarget(nil).IsZero())
	})
}

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: "000102030405060708090a0b0c0d0e0f"},
		{name: "not hex", input: "zz0102030405060708090a0b0c0d0e0f", wantErr: true},
		{name: "too short", input: "0001", wantErr: true},
		{name: "too long", input: "000102030405060708090a0b0c0d0e0f10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, id.String())
		})
	}
}

func TestDistance(t *testing.T) {
	a := idFromHex(t, "00000000000000000000000000000001")
	b := idFromHex(t, "00000000000000000000000000000002")
	z := Zero

	t.Run("self distance is zero", func(t *testing.T) {
		assert.True(t, Distance(a, a).IsZero())
	})

	t.Run("symmetric", func(t *testing.T) {
		assert.Equal(t, Distance(a, b), Distance(b, a))
		assert.Equal(t, idFromHex(t, "00000000000000000000000000000003"), Distance(a, b))
	})

	t.Run("distance from zero is identity", func(t *testing.T) {
		assert.Equal(t, a, Distance(z, a))
		assert.Equal(t, b, Distance(z, b))
	})

	t.Run("random ids", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			x, err := RandomID()
			require.NoError(t, err)
			y, err := RandomID()
			require.NoError(t, err)
			assert.Equal(t, Distance(x, y), Distance(y, x))
			assert.True(t, Distance(x, x).IsZero())
		}
	})
}

func TestCommonPrefixLen(t *testing.T) {
	base := Zero
	assert.Equal(t, M, CommonPrefixLen(base, base))
	for i := 0; i < M; i++ {
		flipped := base
		flipped[i/8] ^= 0x80 >> uint(i%8)
		assert.Equal(t, i, CommonPrefixLen(base, flipped), "bit %d", i)
	}
}

func TestCloser(t *testing.T) {
	target := idFromHex(t, "00000000000000000000000000000000")
	near := idFromHex(t, "00000000000000000000000000000001")
	far := idFromHex(t, "80000000000000000000000000000000")

	assert.True(t, Closer(target, near, far))
	assert.False(t, Closer(target, far, near))
	assert.False(t, Closer(target, near, near))
	assert.True(t, Closer(target, target, near))
}

func TestCmp(t *testing.T) {
	a := idFromHex(t, "00000000000000000000000000000001")
	b := idFromHex(t, "ff000000000000000000000000000000")
	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(a))
	assert.Equal(t, "00000000", a.Short())
}
