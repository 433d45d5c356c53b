package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(append([]Option{WithShards(4)}, opts...)...)
}

func openKey(t *testing.T, s *Store, key string) *Handle {
	t.Helper()
	h, err := s.Open(context.Background(), key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestHandleGetSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := openKey(t, s, "k")

	res, err := h.Get(ctx, "")
	require.NoError(t, err)
	assert.False(t, res.Found())
	assert.Nil(t, res.Forward)

	require.NoError(t, h.Set(ctx, "", []byte("hello")))

	res, err = h.Get(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Found())
	assert.Equal(t, []byte("hello"), res.Data)
}

func TestHandleSetEmptyValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := openKey(t, s, "k")

	require.NoError(t, h.Set(ctx, "", nil))

	res, err := h.Get(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Found())
	assert.Empty(t, res.Data)
}

func TestHandleGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := openKey(t, s, "k")

	value := []byte("abc")
	require.NoError(t, h.Set(ctx, "", value))
	value[0] = 'x'

	res, err := h.Get(ctx, "")
	require.NoError(t, err)
	res.Data[1] = 'y'

	res, err = h.Get(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), res.Data)
}

func TestHandleForward(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := openKey(t, s, "k")
	target := mustURL(t, "http://b:8080/host/")

	require.NoError(t, h.Set(ctx, "", []byte("v")))
	require.NoError(t, h.Forward(ctx, "", target))

	res, err := h.Get(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, res.Data)
	require.NotNil(t, res.Forward)
	assert.Equal(t, target.String(), res.Forward.String())

	st := h.State()
	assert.False(t, st.HasData)
	assert.Equal(t, target.String(), st.Forward)

	// Set clears the forward again.
	require.NoError(t, h.Set(ctx, "", []byte("back")))
	st = h.State()
	assert.True(t, st.HasData)
	assert.Empty(t, st.Forward)
}

func TestHandleForwardRequiresTarget(t *testing.T) {
	s := newTestStore(t)
	h := openKey(t, s, "k")
	require.Error(t, h.Forward(context.Background(), "", nil))
}

func TestFreezeReturnsForward(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := openKey(t, s, "k")
	target := mustURL(t, "http://b/host/")

	require.NoError(t, h.Forward(ctx, "", target))

	res, err := h.Freeze(ctx, "", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, res.Token)
	require.NotNil(t, res.Forward)
	assert.Equal(t, target.String(), res.Forward.String())
}

func TestRefreezeWithSameTokenDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s := newTestStore(t)
	h := openKey(t, s, "k")

	first, err := h.Freeze(ctx, "", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, first.Token)

	second, err := h.Freeze(ctx, first.Token, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, second.Token)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, second.Token, h.State().Token)
}

func TestFreezeWithOtherTokenBlocksUntilExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := openKey(t, s, "k")
	require.NoError(t, h.Set(ctx, "", []byte("v")))
	lease, err := h.Freeze(ctx, "", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	start := time.Now()
	h2 := openKey(t, s, "k")
	res, err := h2.Freeze(ctx, "", time.Minute)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.NotEqual(t, lease.Token, res.Token)
}

func TestGetUnderFreezeBlocksUntilCleared(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h := openKey(t, s, "k")
	require.NoError(t, h.Set(ctx, "", []byte("v1")))
	lease, err := h.Freeze(ctx, "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	got := make(chan []byte, 1)
	go func() {
		r, err := s.Open(ctx, "k")
		if err != nil {
			close(got)
			return
		}
		defer func() { _ = r.Close() }()
		res, err := r.Get(ctx, "")
		if err != nil {
			close(got)
			return
		}
		got <- res.Data
	}()

	select {
	case <-got:
		t.Fatal("reader did not wait for the freeze")
	case <-time.After(50 * time.Millisecond):
	}

	// The lease holder writes and thereby clears its freeze.
	w := openKey(t, s, "k")
	require.NoError(t, w.Set(ctx, lease.Token, []byte("v2")))
	require.NoError(t, w.Close())

	select {
	case data := <-got:
		assert.Equal(t, []byte("v2"), data)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after freeze was cleared")
	}
}

func TestGetWithLeaseTokenDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s := newTestStore(t)
	h := openKey(t, s, "k")
	require.NoError(t, h.Set(ctx, "", []byte("v")))
	lease, err := h.Freeze(ctx, "", time.Minute)
	require.NoError(t, err)

	res, err := h.Get(ctx, lease.Token)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), res.Data)
	assert.True(t, h.State().Frozen)
}

func TestWaitHonoursContext(t *testing.T) {
	s := newTestStore(t)

	h := openKey(t, s, "k")
	_, err := h.Freeze(context.Background(), "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	h2 := openKey(t, s, "k")
	_, err = h2.Get(ctx, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The handle gave up the lock while waiting.
	_, err = h2.Get(context.Background(), "")
	require.ErrorIs(t, err, ErrReleased)
	require.NoError(t, h2.Close())
	require.NoError(t, h2.Close())
}

func TestOpenHonoursContext(t *testing.T) {
	s := newTestStore(t)
	_ = openKey(t, s, "k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Open(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenWaitsForClose(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Open(context.Background(), "k")
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Open(cancelled, "other")
	require.ErrorIs(t, err, context.Canceled)

	opened := make(chan *Handle, 1)
	go func() {
		h2, err := s.Open(context.Background(), "k")
		assert.NoError(t, err)
		opened <- h2
	}()

	select {
	case <-opened:
		t.Fatal("second handle opened while the first was held")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, h.Close())
	select {
	case h2 := <-opened:
		require.NotNil(t, h2)
		require.NoError(t, h2.Close())
	case <-time.After(time.Second):
		t.Fatal("second handle not opened after close")
	}
}

func TestThaw(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	h := openKey(t, s, "k")

	lease, err := h.Freeze(ctx, "", time.Minute)
	require.NoError(t, err)

	ok, err := h.Thaw(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, h.State().Frozen)

	ok, err = h.Thaw(ctx, lease.Token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, h.State().Frozen)
}

func TestFreezeExpiryIsNoopAfterSupersede(t *testing.T) {
	ctx := context.Background()
	var n int
	s := newTestStore(t, WithTokenSource(func() string {
		n++
		return "tok-" + strconv.Itoa(n)
	}))

	h := openKey(t, s, "k")
	first, err := h.Freeze(ctx, "", 30*time.Millisecond)
	require.NoError(t, err)
	second, err := h.Freeze(ctx, first.Token, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	time.Sleep(80 * time.Millisecond)

	h2 := openKey(t, s, "k")
	st := h2.State()
	assert.True(t, st.Frozen)
	assert.Equal(t, second.Token, st.Token)
}

func TestResumeToken(t *testing.T) {
	s := newTestStore(t)
	h := openKey(t, s, "k")

	assert.True(t, h.ResumeToken().IsZero())
	h.SetResumeToken(Resume{Token: "t", Peer: "http://a/host/"})
	require.NoError(t, h.Close())

	h2 := openKey(t, s, "k")
	assert.Equal(t, Resume{Token: "t", Peer: "http://a/host/"}, h2.ResumeToken())
	h2.SetResumeToken(Resume{})
	assert.True(t, h2.ResumeToken().IsZero())
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Open(ctx, "counter")
			if !assert.NoError(t, err) {
				return
			}
			defer func() { _ = h.Close() }()

			res, err := h.Get(ctx, "")
			if !assert.NoError(t, err) {
				return
			}
			n := 0
			if res.Found() {
				n, _ = strconv.Atoi(string(res.Data))
			}
			assert.NoError(t, h.Set(ctx, "", []byte(strconv.Itoa(n+1))))
		}()
	}
	wg.Wait()

	h := openKey(t, s, "counter")
	res, err := h.Get(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(workers), string(res.Data))
}

func TestReclaim(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	currentTime := baseTime
	s := newTestStore(t, WithNow(func() time.Time { return currentTime }))

	// empty entry, reclaimable
	h, err := s.Open(ctx, "empty")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// data, kept
	h, err = s.Open(ctx, "data")
	require.NoError(t, err)
	require.NoError(t, h.Set(ctx, "", []byte("v")))
	require.NoError(t, h.Close())

	// forwarded, kept until retention passes
	h, err = s.Open(ctx, "fwd")
	require.NoError(t, err)
	require.NoError(t, h.Forward(ctx, "", mustURL(t, "http://b/host/")))
	require.NoError(t, h.Close())

	// held, kept
	held := openKey(t, s, "held")

	require.Equal(t, 4, s.Len())
	assert.Equal(t, 1, s.Reclaim(time.Hour))
	assert.Equal(t, 3, s.Len())

	currentTime = baseTime.Add(2 * time.Hour)
	assert.Equal(t, 0, s.Reclaim(0))
	assert.Equal(t, 1, s.Reclaim(time.Hour))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, held.Close())
	assert.Equal(t, 1, s.Reclaim(time.Hour))
	assert.Equal(t, 1, s.Len())
}
