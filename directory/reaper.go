package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/keyshift/telemetry"
)

// Reaper runs periodic cleanup of expired records in a Bolt directory.
type Reaper struct {
	db        *Bolt
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum records to process per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a new expiry reaper with the given options.
// Defaults: interval=5m, batchSize=100.
func NewReaper(db *Bolt, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		db:        db,
		interval:  5 * time.Minute,
		batchSize: 100,
		logger:    slog.Default(),
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

	r.logger.Debug("directory reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("directory reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

// ReapNow runs a single reap cycle immediately and returns the number of
// records deleted.
func (r *Reaper) ReapNow(ctx context.Context) int {
	return r.reapBatch(ctx)
}

func (r *Reaper) reapBatch(ctx context.Context) int {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordReaperCycle(ctx, "directory", deleted, time.Since(start))
	}()

	now := r.db.now()
	expired, err := r.db.Expired(ctx, now, r.batchSize)
	if err != nil {
		r.logger.Error("failed to list expired records", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	for _, h := range expired {
		ok, err := r.db.DeleteExpired(ctx, h, now)
		if err != nil {
			r.logger.Warn("failed to delete expired record", "hash", h.ShortString(), "error", err)
			continue
		}
		if ok {
			deleted++
		}
	}

	r.logger.Info("expired records reaped", "deleted", deleted, "total", len(expired))
	return deleted
}
