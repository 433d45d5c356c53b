package directory

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper(t *testing.T) {
	ctx := context.Background()

	t.Run("reaps expired records", func(t *testing.T) {
		c := newClock()
		db := newTestBolt(t, WithNow(c.Now))

		require.NoError(t, db.Add(ctx, "short", record("http://a/host/", 1, 10*time.Minute)))
		require.NoError(t, db.Add(ctx, "long", record("http://a/host/", 1, 24*time.Hour)))
		require.NoError(t, db.Add(ctx, "forever", record("http://a/host/", 1, 0)))

		c.Set(c.Now().Add(30 * time.Minute))

		reaper := NewReaper(db, WithReaperBatchSize(10))
		assert.Equal(t, 1, reaper.ReapNow(ctx))

		expired, err := db.Expired(ctx, c.Now(), 0)
		require.NoError(t, err)
		assert.Empty(t, expired)

		_, ok, err := db.Get(ctx, "long")
		require.NoError(t, err)
		assert.True(t, ok)
		_, ok, err = db.Get(ctx, "forever")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("respects batch size", func(t *testing.T) {
		c := newClock()
		db := newTestBolt(t, WithNow(c.Now))

		for i := 0; i < 10; i++ {
			require.NoError(t, db.Add(ctx, "k"+strconv.Itoa(i), record("http://a/host/", 1, 5*time.Minute)))
		}

		c.Set(c.Now().Add(30 * time.Minute))

		reaper := NewReaper(db, WithReaperBatchSize(3))
		assert.Equal(t, 3, reaper.ReapNow(ctx))
		assert.Equal(t, 3, reaper.ReapNow(ctx))

		expired, err := db.Expired(ctx, c.Now(), 0)
		require.NoError(t, err)
		assert.Len(t, expired, 4)
	})

	t.Run("keeps records refreshed after listing", func(t *testing.T) {
		c := newClock()
		db := newTestBolt(t, WithNow(c.Now))

		require.NoError(t, db.Add(ctx, "k", record("http://a/host/", 1, time.Minute)))
		c.Set(c.Now().Add(2 * time.Minute))

		expired, err := db.Expired(ctx, c.Now(), 0)
		require.NoError(t, err)
		require.Len(t, expired, 1)

		// republished before the reaper gets to it
		require.NoError(t, db.Add(ctx, "k", record("http://b/host/", 2, time.Hour)))

		deleted, err := db.DeleteExpired(ctx, expired[0], c.Now())
		require.NoError(t, err)
		assert.False(t, deleted)

		rec, ok, err := Lookup(ctx, db, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "http://b/host/", rec.Primary())
	})

	t.Run("Run stops on context cancel", func(t *testing.T) {
		db := newTestBolt(t)
		reaper := NewReaper(db, WithReaperInterval(10*time.Millisecond))

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
