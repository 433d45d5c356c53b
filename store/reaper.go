package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/keyshift/telemetry"
)

// Reaper periodically drops idle entries from a Store.
type Reaper struct {
	store            *Store
	interval         time.Duration
	forwardRetention time.Duration
	logger           *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithForwardRetention sets how long a forwarded entry is kept before it may
// be reclaimed. Zero keeps forwards for the lifetime of the process.
func WithForwardRetention(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.forwardRetention = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for s.
// Defaults: interval=1m, forwardRetention=0.
func NewReaper(s *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:    s,
		interval: time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("store reaper started", "interval", r.interval, "forwardRetention", r.forwardRetention)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("store reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

// ReapNow runs a single cycle immediately and returns the number of entries
// removed.
func (r *Reaper) ReapNow(ctx context.Context) int {
	return r.reap(ctx)
}

func (r *Reaper) reap(ctx context.Context) int {
	start := time.Now()
	deleted := r.store.Reclaim(r.forwardRetention)
	telemetry.RecordReaperCycle(ctx, "store", deleted, time.Since(start))
	telemetry.RecordStoreEntries(ctx, r.store.Len())

	if deleted > 0 {
		r.logger.Debug("idle entries reclaimed", "deleted", deleted)
	}
	return deleted
}
