// Package host implements a keyshift host: the public key operations, the
// peer handoff operations and the migration that moves a key's ownership to
// the host being asked for it.
package host

import (
	"context"
	"errors"
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

const (
	// DefaultLeaseTimeout is how long a freeze granted to a caller lasts.
	DefaultLeaseTimeout = 5 * time.Second

	// DefaultMaxHops bounds the forwards followed by one migration.
	DefaultMaxHops = 16

	// DefaultMaxMigrations bounds the migration attempts of one access.
	DefaultMaxMigrations = 8
)

// errRelocated is returned by an operation that found its entry forwarded
// after waiting on a freeze.
var errRelocated = errors.New("entry relocated")

// PeerResolver returns a client for a peer endpoint. *peer.Provider
// implements it.
type PeerResolver interface {
	Client(uri *url.URL) (peer.Client, error)
}

// Config configures a Host.
type Config struct {
	// Self is this host's peer endpoint, e.g. "http://a:8080/host/".
	Self string

	Store     *store.Store
	Directory directory.Directory
	Peers     PeerResolver

	// LeaseTimeout is the lifetime of freezes granted by this host
	// (default: 5s).
	LeaseTimeout time.Duration

	// RecordTTL is the TTL of location records this host publishes
	// (default: 24h).
	RecordTTL time.Duration

	// MaxHops bounds the forward chain followed by one migration (default: 16).
	MaxHops int

	// MaxMigrations bounds the migration attempts of one access (default: 8).
	MaxMigrations int

	Logger *slog.Logger
}

// Host owns keys on behalf of one endpoint.
type Host struct {
	self          string
	selfURL       *url.URL
	store         *store.Store
	dir           directory.Directory
	peers         PeerResolver
	leaseTimeout  time.Duration
	recordTTL     time.Duration
	maxHops       int
	maxMigrations int
	logger        *slog.Logger
}

// New creates a host from cfg.
func New(cfg Config) (*Host, error) {
	self, err := keyshift.NormalizeEndpoint(cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("%w: self endpoint: %v", keyshift.ErrConfiguration, err)
	}
	selfURL, err := url.Parse(self)
	if err != nil {
		return nil, fmt.Errorf("%w: self endpoint: %v", keyshift.ErrConfiguration, err)
	}
	if cfg.Store == nil || cfg.Directory == nil || cfg.Peers == nil {
		return nil, fmt.Errorf("%w: store, directory and peers are required", keyshift.ErrConfiguration)
	}

	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = keyshift.DefaultRecordTTL
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.MaxMigrations <= 0 {
		cfg.MaxMigrations = DefaultMaxMigrations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Host{
		self:          self,
		selfURL:       selfURL,
		store:         cfg.Store,
		dir:           cfg.Directory,
		peers:         cfg.Peers,
		leaseTimeout:  cfg.LeaseTimeout,
		recordTTL:     cfg.RecordTTL,
		maxHops:       cfg.MaxHops,
		maxMigrations: cfg.MaxMigrations,
		logger:        cfg.Logger.With("component", "host", "self", self),
	}, nil
}

// Self returns the normalized endpoint of this host.
func (h *Host) Self() string {
	return h.self
}

// Select returns the value of key, migrating it here first when another host
// owns it. A lease token lets the holder of a freeze read without waiting.
func (h *Host) Select(ctx context.Context, key, token string) ([]byte, error) {
	var data []byte
	err := h.access(ctx, key, modeOwner, func(e *store.Handle) error {
		res, err := e.Get(ctx, token)
		if err != nil {
			return err
		}
		if res.Forward != nil {
			return errRelocated
		}
		if !res.Found() {
			return fmt.Errorf("%w: %q", keyshift.ErrNotFound, key)
		}
		data = res.Data
		return nil
	})
	return data, err
}

// Update stores value under key, migrating ownership here first when needed.
func (h *Host) Update(ctx context.Context, key string, value []byte) error {
	return h.access(ctx, key, modeOwner, func(e *store.Handle) error {
		res, err := e.Get(ctx, "")
		if err != nil {
			return err
		}
		if res.Forward != nil {
			return errRelocated
		}
		return e.Set(ctx, "", value)
	})
}

// Freeze grants a lease on key's local entry. When the entry has been
// forwarded the result carries the forward target instead of a token.
func (h *Host) Freeze(ctx context.Context, key, token string) (store.FreezeResult, error) {
	var res store.FreezeResult
	err := h.access(ctx, key, modeLease, func(e *store.Handle) error {
		var err error
		res, err = e.Freeze(ctx, token, h.leaseTimeout)
		return err
	})
	return res, err
}

// Remove deletes key's location record and forwards the local entry to
// forward. Both token and forward are required. A freeze held under another
// token is waited out before the record is touched, so a cancelled wait leaves
// both the record and the entry unchanged.
func (h *Host) Remove(ctx context.Context, key, token string, forward *url.URL) error {
	if err := validateFinalize(token, forward); err != nil {
		return err
	}
	return h.access(ctx, key, modeLease, func(e *store.Handle) error {
		if _, err := e.Get(ctx, token); err != nil {
			return err
		}
		if err := h.dir.Remove(ctx, key); err != nil {
			return fmt.Errorf("removing location record: %w", err)
		}
		return e.Forward(ctx, token, forward)
	})
}

// ShiftLock freezes the local entry for a peer and returns its data with the
// lease token. An entry with no data yields an empty result and keeps no
// freeze.
func (h *Host) ShiftLock(ctx context.Context, key, token string) (peer.LockResult, error) {
	var res peer.LockResult
	err := h.access(ctx, key, modePeer, func(e *store.Handle) error {
		fr, err := e.Freeze(ctx, token, h.leaseTimeout)
		if err != nil {
			return err
		}
		if fr.Forward != nil {
			res = peer.LockResult{Forward: fr.Forward}
			return nil
		}

		got, err := e.Get(ctx, fr.Token)
		if err != nil {
			return err
		}
		if !got.Found() {
			_, err := e.Thaw(ctx, fr.Token)
			return err
		}
		res = peer.LockResult{Token: fr.Token, Data: got.Data}
		return nil
	})
	return res, err
}

// Shift finalizes a handoff: the local entry drops its data and forwards to
// forward. If the entry had already been forwarded elsewhere that target is
// returned and nothing changes.
func (h *Host) Shift(ctx context.Context, key, token string, forward *url.URL) (*url.URL, error) {
	if err := validateFinalize(token, forward); err != nil {
		return nil, err
	}
	var moved *url.URL
	err := h.access(ctx, key, modePeer, func(e *store.Handle) error {
		res, err := e.Get(ctx, token)
		if err != nil {
			return err
		}
		if res.Forward != nil && !keyshift.SameEndpoint(res.Forward.String(), forward.String()) {
			moved = res.Forward
			return nil
		}
		return e.Forward(ctx, token, forward)
	})
	return moved, err
}

func validateFinalize(token string, forward *url.URL) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", keyshift.ErrValidation)
	}
	if forward == nil || !forward.IsAbs() || forward.Host == "" {
		return fmt.Errorf("%w: absolute forward uri is required", keyshift.ErrValidation)
	}
	return nil
}

type mode int

const (
	// modeOwner operations need this host to own the key.
	modeOwner mode = iota
	// modeLease operations are proven by a lease token and skip migration.
	modeLease
	// modePeer operations act on the local entry only.
	modePeer
)

// access is the envelope around every operation: the key's entry is held
// exclusively for the whole call, a brand-new key is published with this host
// as owner, and owner-mode operations migrate the key here before op runs.
func (h *Host) access(ctx context.Context, key string, m mode, op func(*store.Handle) error) error {
	e, err := h.store.Open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	if m == modePeer {
		return op(e)
	}

	rec, ok, err := directory.Lookup(ctx, h.dir, key)
	if err != nil {
		return fmt.Errorf("reading location record: %w", err)
	}
	if !ok {
		if rec, err = h.publishNew(ctx, key); err != nil {
			return err
		}
	}

	if m == modeOwner {
		telemetry.SetOwnershipContext(ctx, telemetry.OwnershipLocal)
	}
	for attempt := 0; ; attempt++ {
		if m == modeOwner {
			if err := h.own(ctx, key, e, rec); err != nil {
				return err
			}
		}

		err := op(e)
		if !errors.Is(err, errRelocated) {
			return err
		}
		if attempt > 0 {
			return fmt.Errorf("%w: %q relocated while being accessed", keyshift.ErrProtocol, key)
		}

		h.logger.Debug("entry relocated during access, chasing", "key", key)
		rec, ok, err = directory.Lookup(ctx, h.dir, key)
		if err != nil {
			return fmt.Errorf("reading location record: %w", err)
		}
		if !ok {
			if rec, err = h.publishNew(ctx, key); err != nil {
				return err
			}
		}
	}
}

// own migrates key until the directory names this host as primary and the
// local entry holds the data, then completes any interrupted finalize.
func (h *Host) own(ctx context.Context, key string, e *store.Handle, rec keyshift.LocationRecord) error {
	for attempt := 0; !h.owns(e, rec); attempt++ {
		if attempt >= h.maxMigrations {
			return fmt.Errorf("%w: ownership of %q did not settle after %d migrations", keyshift.ErrProtocol, key, attempt)
		}
		if err := h.migrate(ctx, key, e, rec); err != nil {
			return err
		}
		telemetry.SetOwnershipContext(ctx, telemetry.OwnershipMigrated)

		var ok bool
		var err error
		rec, ok, err = directory.Lookup(ctx, h.dir, key)
		if err != nil {
			return fmt.Errorf("reading location record: %w", err)
		}
		if !ok {
			if rec, err = h.publishNew(ctx, key); err != nil {
				return err
			}
		}
	}

	if !e.ResumeToken().IsZero() {
		if err := h.finalize(ctx, key, e); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) owns(e *store.Handle, rec keyshift.LocationRecord) bool {
	return rec.IsPrimary(h.self) && e.State().Forward == ""
}

// publishNew records this host as first owner of key.
func (h *Host) publishNew(ctx context.Context, key string) (keyshift.LocationRecord, error) {
	rec := keyshift.NewLocationRecord(h.self, 1, h.recordTTL)
	if err := directory.Publish(ctx, h.dir, key, rec); err != nil {
		return keyshift.LocationRecord{}, fmt.Errorf("publishing location record: %w", err)
	}
	h.logger.Debug("published new key", "key", key)
	return rec, nil
}

var _ peer.Client = (*Host)(nil)
