package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/wolfeidau/keyshift/telemetry"
)

// ErrReleased is returned by Handle operations once the handle has been
// closed, or after a freeze wait was abandoned and the lock could not be
// re-acquired.
var ErrReleased = errors.New("store: handle released")

// GetResult is the outcome of Handle.Get. At most one of Data and Forward is
// set; neither set means the key has no data here.
type GetResult struct {
	Data    []byte
	Forward *url.URL
}

// Found reports whether data was returned.
func (r GetResult) Found() bool {
	return r.Data != nil
}

// FreezeResult is the outcome of Handle.Freeze: either a fresh lease token or
// the forward target the key has moved to.
type FreezeResult struct {
	Token    string
	Deadline time.Time
	Forward  *url.URL
}

// EntryState is a point-in-time snapshot of an entry.
type EntryState struct {
	HasData  bool
	Size     int
	Forward  string
	Frozen   bool
	Token    string
	Deadline time.Time
	Resume   Resume
}

// Handle is exclusive access to one entry. It is not safe for concurrent use.
type Handle struct {
	store  *Store
	shard  *shard
	e      *entry
	held   bool
	closed bool
}

// Key returns the key the handle was opened for.
func (h *Handle) Key() string {
	return h.e.key
}

// Close releases the lock. It is safe to call more than once.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.held {
		h.held = false
		unlockEntry(h.e)
	}
	h.store.unref(h.shard, h.e)
	return nil
}

// Get returns the entry's data or forward, waiting while a freeze held by a
// different token is active.
func (h *Handle) Get(ctx context.Context, token string) (GetResult, error) {
	if err := h.wait(ctx, token); err != nil {
		return GetResult{}, err
	}
	if h.e.forward != nil {
		return GetResult{Forward: cloneURL(h.e.forward)}, nil
	}
	if h.e.data == nil {
		return GetResult{}, nil
	}
	return GetResult{Data: bytes.Clone(h.e.data)}, nil
}

// Set stores value, clearing any freeze and forward.
func (h *Handle) Set(ctx context.Context, token string, value []byte) error {
	if err := h.wait(ctx, token); err != nil {
		return err
	}
	h.release(ctx, "released")
	h.e.forward = nil
	h.e.forwardedAt = time.Time{}
	if value == nil {
		value = []byte{}
	}
	h.e.data = bytes.Clone(value)
	return nil
}

// Freeze grants a lease on the entry. If the entry has been forwarded the
// forward is returned instead. Freezing with the active token never waits:
// the lease is replaced by a new one with a new token and deadline.
func (h *Handle) Freeze(ctx context.Context, token string, timeout time.Duration) (FreezeResult, error) {
	if err := h.check(); err != nil {
		return FreezeResult{}, err
	}
	if h.e.forward != nil {
		return FreezeResult{Forward: cloneURL(h.e.forward)}, nil
	}
	if err := h.wait(ctx, token); err != nil {
		return FreezeResult{}, err
	}
	if h.e.forward != nil {
		return FreezeResult{Forward: cloneURL(h.e.forward)}, nil
	}

	event := "granted"
	if h.e.freeze != nil {
		event = "extended"
	}
	h.release(ctx, "")

	f := h.store.arm(h.e, timeout)
	telemetry.RecordFreeze(ctx, event)
	h.store.logger.Debug("freeze granted",
		slog.String("key", h.e.key),
		slog.String("event", event),
		slog.Duration("timeout", timeout),
	)
	return FreezeResult{Token: f.token, Deadline: f.deadline}, nil
}

// Forward drops the entry's data and freeze and points it at uri.
func (h *Handle) Forward(ctx context.Context, token string, uri *url.URL) error {
	if uri == nil {
		return errors.New("store: forward target is required")
	}
	if err := h.wait(ctx, token); err != nil {
		return err
	}
	h.release(ctx, "released")
	h.e.data = nil
	h.e.forward = cloneURL(uri)
	h.e.forwardedAt = h.store.now()
	return nil
}

// Thaw releases the freeze held by token without touching data. It reports
// whether a freeze was released.
func (h *Handle) Thaw(ctx context.Context, token string) (bool, error) {
	if err := h.check(); err != nil {
		return false, err
	}
	f := h.e.freeze
	if f == nil || token == "" || f.token != token {
		return false, nil
	}
	h.release(ctx, "released")
	return true, nil
}

// ResumeToken returns the pending migration state.
func (h *Handle) ResumeToken() Resume {
	return h.e.resume
}

// SetResumeToken records or, with the zero value, clears the pending
// migration state.
func (h *Handle) SetResumeToken(r Resume) {
	h.e.resume = r
}

// State returns a snapshot of the entry.
func (h *Handle) State() EntryState {
	st := EntryState{
		HasData: h.e.data != nil,
		Size:    len(h.e.data),
		Resume:  h.e.resume,
	}
	if h.e.forward != nil {
		st.Forward = h.e.forward.String()
	}
	if f := h.e.freeze; f != nil {
		st.Frozen = true
		st.Token = f.token
		st.Deadline = f.deadline
	}
	return st
}

func (h *Handle) check() error {
	if h.closed || !h.held {
		return ErrReleased
	}
	return nil
}

// wait blocks until no freeze other than token's is active. The lock is
// dropped while blocked so the expiry timer and the finalizing Forward can
// run, and re-acquired before the state is checked again.
func (h *Handle) wait(ctx context.Context, token string) error {
	for {
		if err := h.check(); err != nil {
			return err
		}
		f := h.e.freeze
		if f == nil || (token != "" && f.token == token) {
			return nil
		}

		h.held = false
		unlockEntry(h.e)

		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := lockEntry(ctx, h.e); err != nil {
			return err
		}
		h.held = true
	}
}

// release resolves the active freeze, if any, waking its waiters.
func (h *Handle) release(ctx context.Context, event string) {
	f := h.e.freeze
	if f == nil {
		return
	}
	f.timer.Stop()
	close(f.done)
	h.e.freeze = nil
	if event != "" {
		telemetry.RecordFreeze(ctx, event)
	}
}

// arm installs a new freeze on e. The caller holds e's lock, so the expiry
// callback cannot observe e before the freeze is installed.
func (s *Store) arm(e *entry, timeout time.Duration) *freeze {
	f := &freeze{
		token:    s.newToken(),
		deadline: s.now().Add(timeout),
		done:     make(chan struct{}),
	}
	key := e.key
	f.timer = time.AfterFunc(timeout, func() {
		s.expire(key, f)
	})
	e.freeze = f
	return f
}

// expire clears f if it is still the active freeze of key.
func (s *Store) expire(key string, f *freeze) {
	ctx := context.Background()
	h, err := s.Open(ctx, key)
	if err != nil {
		return
	}
	defer func() { _ = h.Close() }()

	if h.e.freeze != f {
		return
	}
	h.e.freeze = nil
	close(f.done)
	telemetry.RecordFreeze(ctx, "expired")
	s.logger.Debug("freeze expired", slog.String("key", key))
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}
