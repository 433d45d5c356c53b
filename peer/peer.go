// Package peer is the host-to-host contract used during migration: ShiftLock
// pulls a key's data together with a freeze lease, Shift finalizes the
// handoff by pointing the old owner at the new one.
package peer

import (
	"context"
	"fmt"
	"net/url"

	"github.com/wolfeidau/keyshift"
)

// LockResult is the outcome of ShiftLock. Exactly one shape is returned:
// Token and Data when the peer holds the key, Forward when the key has moved
// on, or the zero value when the peer has no data for it.
type LockResult struct {
	Token   string
	Data    []byte
	Forward *url.URL
}

// Found reports whether the peer returned data under a lease.
func (r LockResult) Found() bool {
	return r.Token != ""
}

// Client talks to one peer host.
type Client interface {
	// ShiftLock freezes key on the peer and returns its data with the new
	// lease token. A non-empty token proves an earlier lease.
	ShiftLock(ctx context.Context, key, token string) (LockResult, error)

	// Shift tells the peer that key now lives at forward. A non-nil result
	// means the peer had already forwarded the key elsewhere.
	Shift(ctx context.Context, key, token string, forward *url.URL) (*url.URL, error)
}

// Factory builds clients for the URIs it understands.
type Factory interface {
	Client(uri *url.URL) (Client, bool)
}

// Provider picks a client for a peer URI from a list of factories.
type Provider struct {
	factories []Factory
}

// NewProvider creates a provider that consults factories in order.
func NewProvider(factories ...Factory) *Provider {
	return &Provider{factories: factories}
}

// Client returns a client for uri from the first factory that accepts it.
func (p *Provider) Client(uri *url.URL) (Client, error) {
	if uri == nil {
		return nil, fmt.Errorf("%w: no peer uri", keyshift.ErrConfiguration)
	}
	for _, f := range p.factories {
		if c, ok := f.Client(uri); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no peer client for %s", keyshift.ErrConfiguration, uri.Redacted())
}
