package keyshift

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// DefaultRecordTTL is the lifetime given to a freshly published location record.
	DefaultRecordTTL = 24 * time.Hour

	// fieldEndpoints is the protobuf field number of the endpoint list.
	fieldEndpoints protowire.Number = 1
)

// LocationRecord maps a key to the hosts holding it. Endpoints[0] is the
// primary owner; the remaining endpoints are reserved for secondaries.
type LocationRecord struct {
	Endpoints []string
	Version   uint64
	TTL       time.Duration
}

// NewLocationRecord creates a record naming primary as sole owner.
func NewLocationRecord(primary string, version uint64, ttl time.Duration) LocationRecord {
	return LocationRecord{
		Endpoints: []string{primary},
		Version:   version,
		TTL:       ttl,
	}
}

// Primary returns the owning endpoint, or "" if the record lists none.
func (r LocationRecord) Primary() string {
	if len(r.Endpoints) == 0 {
		return ""
	}
	return r.Endpoints[0]
}

// Secondaries returns the endpoints after the primary.
func (r LocationRecord) Secondaries() []string {
	if len(r.Endpoints) < 2 {
		return nil
	}
	return r.Endpoints[1:]
}

// IsPrimary reports whether uri names the primary endpoint.
func (r LocationRecord) IsPrimary(uri string) bool {
	p := r.Primary()
	return p != "" && SameEndpoint(p, uri)
}

// Payload encodes the endpoint list in protobuf wire format. Version and TTL
// are carried by the directory beside the payload.
func (r LocationRecord) Payload() []byte {
	var b []byte
	for _, e := range r.Endpoints {
		b = protowire.AppendTag(b, fieldEndpoints, protowire.BytesType)
		b = protowire.AppendString(b, e)
	}
	return b
}

// ParseLocationRecord decodes a payload produced by Payload.
// Unknown fields are skipped.
func ParseLocationRecord(data []byte, version uint64, ttl time.Duration) (LocationRecord, error) {
	r := LocationRecord{Version: version, TTL: ttl}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return LocationRecord{}, fmt.Errorf("decoding location tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num == fieldEndpoints && typ == protowire.BytesType {
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return LocationRecord{}, fmt.Errorf("decoding endpoint: %w", protowire.ParseError(n))
			}
			r.Endpoints = append(r.Endpoints, s)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return LocationRecord{}, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return r, nil
}

// NormalizeEndpoint returns the canonical form of an endpoint URI: lower-case
// scheme and host, and a trailing slash on the path.
func NormalizeEndpoint(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", s, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q must be absolute", s)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// SameEndpoint reports whether a and b name the same endpoint.
func SameEndpoint(a, b string) bool {
	na, err := NormalizeEndpoint(a)
	if err != nil {
		return a == b
	}
	nb, err := NormalizeEndpoint(b)
	if err != nil {
		return a == b
	}
	return na == nb
}
