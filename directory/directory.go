// Package directory holds the location directory: a versioned map from key
// to the LocationRecord naming its owner.
//
// Every implementation addresses records by keyshift.HashKey, treats expired
// records as absent and applies Add only when the new version is greater than
// the stored one.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/keyshift"
)

// Value is a directory record: an opaque payload with its version and time to
// live. On Add, TTL is the lifetime of the record; on Get, it is the time left
// until the record expires. A zero TTL means the record does not expire.
type Value struct {
	Data    []byte
	Version uint64
	TTL     time.Duration
}

// Directory is the location directory contract.
type Directory interface {
	// Get returns the live record for key with its remaining TTL. The
	// boolean is false when no record exists or it has expired.
	Get(ctx context.Context, key string) (Value, bool, error)

	// Add stores v unless a live record with an equal or greater version
	// already exists, in which case the call is a no-op.
	Add(ctx context.Context, key string, v Value) error

	// Remove deletes the record for key. Removing an absent key succeeds.
	Remove(ctx context.Context, key string) error
}

// Lookup reads and decodes the location record for key.
func Lookup(ctx context.Context, d Directory, key string) (keyshift.LocationRecord, bool, error) {
	v, ok, err := d.Get(ctx, key)
	if err != nil || !ok {
		return keyshift.LocationRecord{}, false, err
	}
	rec, err := keyshift.ParseLocationRecord(v.Data, v.Version, v.TTL)
	if err != nil {
		return keyshift.LocationRecord{}, false, fmt.Errorf("%w: location record for %q: %v", keyshift.ErrProtocol, key, err)
	}
	return rec, true, nil
}

// Publish stores rec as the location record for key.
func Publish(ctx context.Context, d Directory, key string, rec keyshift.LocationRecord) error {
	return d.Add(ctx, key, Value{
		Data:    rec.Payload(),
		Version: rec.Version,
		TTL:     rec.TTL,
	})
}

// remaining is the TTL left at now for a record expiring at expiresAt.
func remaining(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	return expiresAt.Sub(now)
}
