// Package store provides the local per-key storage of a host: the value
// bytes, the freeze lease, the forward pointer left behind after a handoff and
// the resume state of an in-flight migration.
//
// Every access goes through a Handle obtained from Open, which holds the key's
// exclusive lock until Close.
package store

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/keyshift"
	"golang.org/x/sync/semaphore"
)

// DefaultShards is the number of shards used when none is configured.
const DefaultShards = 64

// Resume is the persisted state of an interrupted migration: the lease token
// issued by Peer.
type Resume struct {
	Token string
	Peer  string
}

// IsZero reports whether no migration is pending.
func (r Resume) IsZero() bool {
	return r.Token == ""
}

// entry is the mutable state of one key. All fields except refs are guarded
// by lock; refs is guarded by the owning shard's mutex.
type entry struct {
	key  string
	lock *semaphore.Weighted
	refs int

	data        []byte
	freeze      *freeze
	forward     *url.URL
	forwardedAt time.Time
	resume      Resume
}

// freeze is an active lease. done is closed when the lease is resolved,
// either by expiry or by an operation that supersedes it.
type freeze struct {
	token    string
	deadline time.Time
	timer    *time.Timer
	done     chan struct{}
}

type shard struct {
	mu      sync.Mutex
	entries map[keyshift.KeyHash]*entry
}

// Store is a sharded in-memory collection of entries.
type Store struct {
	shards   []*shard
	logger   *slog.Logger
	now      func() time.Time
	newToken func() string
}

// Option configures a Store.
type Option func(*Store)

// WithShards sets the number of shards.
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithTokenSource sets the function minting freeze tokens.
func WithTokenSource(fn func() string) Option {
	return func(s *Store) {
		s.newToken = fn
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		shards:   make([]*shard, DefaultShards),
		logger:   slog.Default(),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[keyshift.KeyHash]*entry)}
	}
	return s
}

// Open acquires exclusive access to the entry for key, creating it on first
// use. The returned handle must be closed to release the lock.
func (s *Store) Open(ctx context.Context, key string) (*Handle, error) {
	sh, e := s.ref(key)
	if err := lockEntry(ctx, e); err != nil {
		s.unref(sh, e)
		return nil, err
	}
	return &Handle{store: s, shard: sh, e: e, held: true}, nil
}

// Len returns the number of entries currently tracked.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Reclaim drops idle entries: entries nobody holds or waits for, with no
// data, no freeze and no pending resume. Forwarded entries are dropped once
// they are older than forwardRetention; a zero retention keeps them.
// It returns the number of entries removed.
func (s *Store) Reclaim(forwardRetention time.Duration) int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for h, e := range sh.entries {
			if e.refs == 0 && e.idle(now, forwardRetention) {
				delete(sh.entries, h)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// ref returns the entry for key, registering the caller as a reference so the
// entry cannot be reclaimed.
func (s *Store) ref(key string) (*shard, *entry) {
	h := keyshift.HashKey(key)
	sh := s.shards[h.Shard(len(s.shards))]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[h]
	if !ok {
		e = &entry{key: key, lock: semaphore.NewWeighted(1)}
		sh.entries[h] = e
	}
	e.refs++
	return sh, e
}

func (s *Store) unref(sh *shard, e *entry) {
	sh.mu.Lock()
	e.refs--
	sh.mu.Unlock()
}

func (e *entry) idle(now time.Time, forwardRetention time.Duration) bool {
	if e.data != nil || e.freeze != nil || !e.resume.IsZero() {
		return false
	}
	if e.forward != nil {
		return forwardRetention > 0 && now.Sub(e.forwardedAt) >= forwardRetention
	}
	return true
}

// lockEntry fails fast on a done context; Acquire may otherwise still
// succeed when the lock happens to be free.
func lockEntry(ctx context.Context, e *entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.lock.Acquire(ctx, 1)
}

func unlockEntry(e *entry) {
	e.lock.Release(1)
}
