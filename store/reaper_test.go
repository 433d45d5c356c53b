package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper(t *testing.T) {
	ctx := context.Background()

	t.Run("reclaims idle entries", func(t *testing.T) {
		s := newTestStore(t)
		for _, key := range []string{"a", "b", "c"} {
			h, err := s.Open(ctx, key)
			require.NoError(t, err)
			require.NoError(t, h.Close())
		}
		h, err := s.Open(ctx, "kept")
		require.NoError(t, err)
		require.NoError(t, h.Set(ctx, "", []byte("v")))
		require.NoError(t, h.Close())

		reaper := NewReaper(s)
		assert.Equal(t, 3, reaper.ReapNow(ctx))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("keeps frozen entries", func(t *testing.T) {
		s := newTestStore(t)
		h, err := s.Open(ctx, "frozen")
		require.NoError(t, err)
		_, err = h.Freeze(ctx, "", time.Minute)
		require.NoError(t, err)
		require.NoError(t, h.Close())

		assert.Equal(t, 0, NewReaper(s).ReapNow(ctx))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("applies forward retention", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		currentTime := baseTime
		s := newTestStore(t, WithNow(func() time.Time { return currentTime }))

		h, err := s.Open(ctx, "moved")
		require.NoError(t, err)
		require.NoError(t, h.Forward(ctx, "", mustURL(t, "http://b/host/")))
		require.NoError(t, h.Close())

		reaper := NewReaper(s, WithForwardRetention(10*time.Minute))
		assert.Equal(t, 0, reaper.ReapNow(ctx))

		currentTime = baseTime.Add(30 * time.Minute)
		assert.Equal(t, 1, reaper.ReapNow(ctx))
	})

	t.Run("Run stops on context cancel", func(t *testing.T) {
		s := newTestStore(t)
		reaper := NewReaper(s, WithReaperInterval(10*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			reaper.Run(ctx)
			close(done)
		}()

		time.Sleep(50 * time.Millisecond)

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("reaper did not stop on context cancel")
		}
	})
}
