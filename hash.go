// Package keyshift shares ownership of keyed binary blobs between cooperating
// hosts. Exactly one host owns a key at a time; ownership moves on demand and
// a versioned location directory records the current owner.
package keyshift

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a key hash in bytes (256 bits).
const HashSize = 32

// KeyHash is the BLAKE3 digest of a key. It addresses location records in the
// directory and picks the local store shard for a key.
type KeyHash [HashSize]byte

// HashKey computes the hash of key.
func HashKey(key string) KeyHash {
	return KeyHash(blake3.Sum256([]byte(key)))
}

// String returns the hex-encoded representation of the hash.
func (h KeyHash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h KeyHash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Shard maps the hash onto one of n shards.
func (h KeyHash) Shard(n int) int {
	if n <= 1 {
		return 0
	}
	v := uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
	return int(v % uint32(n))
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h KeyHash) IsZero() bool {
	return h == KeyHash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h KeyHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *KeyHash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid key hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseKeyHash parses a hex-encoded key hash.
func ParseKeyHash(s string) (KeyHash, error) {
	var h KeyHash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return KeyHash{}, err
	}
	return h, nil
}
