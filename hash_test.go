package keyshift

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKeyString(t *testing.T) {
	// BLAKE3 hash of the empty key
	h := HashKey("")
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashKeyShortString(t *testing.T) {
	h := HashKey("foo")
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashKeyDeterministic(t *testing.T) {
	require.Equal(t, HashKey("foo"), HashKey("foo"))
	require.NotEqual(t, HashKey("foo"), HashKey("bar"))
}

func TestHashKeyShard(t *testing.T) {
	h := HashKey("foo")
	for _, n := range []int{1, 2, 16, 64, 1000} {
		s := h.Shard(n)
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, n)
	}
	require.Equal(t, 0, h.Shard(0))
}

func TestHashKeyIsZero(t *testing.T) {
	var zero KeyHash
	require.True(t, zero.IsZero())
	require.False(t, HashKey("foo").IsZero())
}

func TestParseKeyHash(t *testing.T) {
	original := HashKey("parse test")

	parsed, err := ParseKeyHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)
}

func TestParseKeyHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKeyHash(tt.input)
			require.Error(t, err)
		})
	}
}
