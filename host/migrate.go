package host

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/wolfeidau/keyshift"
	"github.com/wolfeidau/keyshift/directory"
	"github.com/wolfeidau/keyshift/peer"
	"github.com/wolfeidau/keyshift/store"
	"github.com/wolfeidau/keyshift/telemetry"
)

// migrate pulls key from its current owner into e. The owner is found by
// following forwards from the entry's own forward, a pending resume, or the
// record's primary. The resume token is persisted before anything else
// changes so an interrupted migration can be retried with the same lease.
func (h *Host) migrate(ctx context.Context, key string, e *store.Handle, rec keyshift.LocationRecord) (err error) {
	start := time.Now()
	hops := 0
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		telemetry.RecordMigration(ctx, outcome, hops, time.Since(start))
	}()

	target, token, err := h.chaseStart(e, rec)
	if err != nil {
		return err
	}

	var lock peer.LockResult
	for {
		if keyshift.SameEndpoint(target.String(), h.self) {
			return fmt.Errorf("%w: forward chain for %q leads back to this host", keyshift.ErrProtocol, key)
		}

		client, err := h.peers.Client(target)
		if err != nil {
			return err
		}
		lock, err = client.ShiftLock(ctx, key, token)
		if err != nil {
			return fmt.Errorf("shift lock on %s: %w", target.Redacted(), err)
		}
		if lock.Found() {
			break
		}
		if lock.Forward == nil {
			return fmt.Errorf("%w: %s holds no data for %q", keyshift.ErrProtocol, target.Redacted(), key)
		}

		hops++
		if hops > h.maxHops {
			return fmt.Errorf("%w: forward chain for %q exceeds %d hops", keyshift.ErrProtocol, key, h.maxHops)
		}
		h.logger.Debug("following forward", "key", key, "from", target.Redacted(), "to", lock.Forward.Redacted())
		target = lock.Forward
		// a lease token is only meaningful to the peer that issued it
		token = ""
	}

	e.SetResumeToken(store.Resume{Token: lock.Token, Peer: target.String()})
	if err := e.Set(ctx, "", lock.Data); err != nil {
		return fmt.Errorf("storing migrated value: %w", err)
	}

	next := keyshift.NewLocationRecord(h.self, rec.Version+1, h.recordTTL)
	if err := directory.Publish(ctx, h.dir, key, next); err != nil {
		return fmt.Errorf("publishing location record: %w", err)
	}

	h.logger.Info("migrated key",
		slog.String("key", key),
		slog.String("from", target.Redacted()),
		slog.Uint64("version", next.Version),
		slog.Int("hops", hops),
	)

	return h.finalize(ctx, key, e)
}

// chaseStart picks where a migration starts and the lease token to present
// there.
func (h *Host) chaseStart(e *store.Handle, rec keyshift.LocationRecord) (*url.URL, string, error) {
	if r := e.ResumeToken(); !r.IsZero() {
		u, err := url.Parse(r.Peer)
		if err != nil {
			return nil, "", fmt.Errorf("%w: resume peer %q: %v", keyshift.ErrProtocol, r.Peer, err)
		}
		return u, r.Token, nil
	}

	start := e.State().Forward
	if start == "" {
		start = rec.Primary()
	}
	if start == "" {
		return nil, "", fmt.Errorf("%w: location record names no primary", keyshift.ErrProtocol)
	}
	u, err := url.Parse(start)
	if err != nil {
		return nil, "", fmt.Errorf("%w: endpoint %q: %v", keyshift.ErrProtocol, start, err)
	}
	return u, "", nil
}

// finalize tells the previous owner recorded in the resume token to forward
// to this host, then clears the resume token. Losing a race to another host
// leaves the local entry forwarded to the winner.
func (h *Host) finalize(ctx context.Context, key string, e *store.Handle) error {
	r := e.ResumeToken()
	prev, err := url.Parse(r.Peer)
	if err != nil {
		return fmt.Errorf("%w: resume peer %q: %v", keyshift.ErrProtocol, r.Peer, err)
	}

	client, err := h.peers.Client(prev)
	if err != nil {
		return err
	}
	moved, err := client.Shift(ctx, key, r.Token, h.selfURL)
	if err != nil {
		return fmt.Errorf("shift on %s: %w", prev.Redacted(), err)
	}
	e.SetResumeToken(store.Resume{})

	if moved != nil && !keyshift.SameEndpoint(moved.String(), h.self) {
		h.logger.Warn("previous owner had already moved key",
			slog.String("key", key),
			slog.String("previous", prev.Redacted()),
			slog.String("moved_to", moved.Redacted()),
		)
		return e.Forward(ctx, "", moved)
	}
	return nil
}
