package directory

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/keyshift"
	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"
)

// Bucket names for bbolt storage.
var (
	bucketRecords         = []byte("records")           // key hash -> encoded record
	bucketRecordsByExpiry = []byte("records_by_expiry") // timestamp+hash -> nil
	bucketExpiryByHash    = []byte("expiry_by_hash")    // hash -> 8-byte timestamp (reverse index for O(1) delete)
)

// Field numbers of the stored record.
const (
	fieldData      protowire.Number = 1
	fieldVersion   protowire.Number = 2
	fieldTTL       protowire.Number = 3
	fieldExpiresAt protowire.Number = 4
)

// Bolt is a durable Directory backed by bbolt.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a Bolt directory.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the directory.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// NewBolt creates a new Bolt directory. Call Open before use.
func NewBolt(opts ...BoltOption) *Bolt {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening directory database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketRecordsByExpiry, bucketExpiryByHash} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened directory", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing directory")
	return b.db.Close()
}

func (b *Bolt) Get(_ context.Context, key string) (Value, bool, error) {
	h := keyshift.HashKey(key)

	var (
		rec   storedRecord
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get(h[:])
		if raw == nil {
			return nil
		}
		var err error
		rec, err = decodeRecord(raw)
		if err != nil {
			return fmt.Errorf("decoding record %s: %w", h.ShortString(), err)
		}
		found = true
		return nil
	})
	if err != nil {
		return Value{}, false, err
	}
	now := b.now()
	if !found || rec.expired(now) {
		return Value{}, false, nil
	}
	v := rec.value
	v.TTL = remaining(rec.expiresAt, now)
	return v, true, nil
}

func (b *Bolt) Add(_ context.Context, key string, v Value) error {
	h := keyshift.HashKey(key)
	now := b.now()

	return b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)

		if raw := records.Get(h[:]); raw != nil {
			cur, err := decodeRecord(raw)
			if err != nil {
				return fmt.Errorf("decoding record %s: %w", h.ShortString(), err)
			}
			if !cur.expired(now) && cur.value.Version >= v.Version {
				return nil
			}
		}

		rec := storedRecord{value: v}
		if v.TTL > 0 {
			rec.expiresAt = now.Add(v.TTL)
		}
		if err := records.Put(h[:], encodeRecord(rec)); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return updateExpiryIndex(tx, h, rec.expiresAt)
	})
}

func (b *Bolt) Remove(_ context.Context, key string) error {
	h := keyshift.HashKey(key)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return deleteRecord(tx, h)
	})
}

// Expired returns up to limit hashes whose records expired at or before now,
// oldest first.
func (b *Bolt) Expired(_ context.Context, now time.Time, limit int) ([]keyshift.KeyHash, error) {
	var hashes []keyshift.KeyHash
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecordsByExpiry).Cursor()
		cutoff := encodeTimestamp(now)
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) != 8+keyshift.HashSize {
				continue
			}
			if bytes.Compare(k[:8], cutoff) > 0 {
				break
			}
			var h keyshift.KeyHash
			copy(h[:], k[8:])
			hashes = append(hashes, h)
			if limit > 0 && len(hashes) >= limit {
				break
			}
		}
		return nil
	})
	return hashes, err
}

// DeleteExpired removes the record for h if it is still expired at now. A
// record refreshed since Expired returned it is kept.
func (b *Bolt) DeleteExpired(_ context.Context, h keyshift.KeyHash, now time.Time) (bool, error) {
	var deleted bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get(h[:])
		if raw != nil {
			rec, err := decodeRecord(raw)
			if err == nil && !rec.expired(now) {
				return nil
			}
		}
		deleted = true
		return deleteRecord(tx, h)
	})
	return deleted, err
}

func deleteRecord(tx *bbolt.Tx, h keyshift.KeyHash) error {
	if err := tx.Bucket(bucketRecords).Delete(h[:]); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return updateExpiryIndex(tx, h, time.Time{})
}

// updateExpiryIndex replaces the expiry index entries for h. A zero
// expiresAt only removes them.
func updateExpiryIndex(tx *bbolt.Tx, h keyshift.KeyHash, expiresAt time.Time) error {
	byExpiry := tx.Bucket(bucketRecordsByExpiry)
	byHash := tx.Bucket(bucketExpiryByHash)

	if old := byHash.Get(h[:]); old != nil {
		if err := byExpiry.Delete(expiryKey(old, h)); err != nil {
			return fmt.Errorf("deleting expiry index: %w", err)
		}
		if err := byHash.Delete(h[:]); err != nil {
			return fmt.Errorf("deleting reverse expiry index: %w", err)
		}
	}

	if expiresAt.IsZero() {
		return nil
	}

	ts := encodeTimestamp(expiresAt)
	if err := byExpiry.Put(expiryKey(ts, h), nil); err != nil {
		return fmt.Errorf("putting expiry index: %w", err)
	}
	if err := byHash.Put(h[:], ts); err != nil {
		return fmt.Errorf("putting reverse expiry index: %w", err)
	}
	return nil
}

func expiryKey(ts []byte, h keyshift.KeyHash) []byte {
	k := make([]byte, 0, len(ts)+len(h))
	k = append(k, ts...)
	return append(k, h[:]...)
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice
// that sorts in time order.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // order-preserving signed->unsigned shift
	return buf
}

type storedRecord struct {
	value     Value
	expiresAt time.Time
}

func (r storedRecord) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

func encodeRecord(r storedRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, r.value.Data)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, r.value.Version)
	if r.value.TTL > 0 {
		b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.value.TTL))
	}
	if !r.expiresAt.IsZero() {
		b = protowire.AppendTag(b, fieldExpiresAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.expiresAt.UnixNano())) //nolint:gosec // post-1970 timestamps
	}
	return b
}

var errMalformedRecord = errors.New("malformed record")

func decodeRecord(b []byte) (storedRecord, error) {
	var r storedRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return storedRecord{}, fmt.Errorf("%w: %v", errMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return storedRecord{}, fmt.Errorf("%w: %v", errMalformedRecord, protowire.ParseError(n))
			}
			r.value.Data = bytes.Clone(v)
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldVersion || num == fieldTTL || num == fieldExpiresAt):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return storedRecord{}, fmt.Errorf("%w: %v", errMalformedRecord, protowire.ParseError(n))
			}
			switch num {
			case fieldVersion:
				r.value.Version = v
			case fieldTTL:
				r.value.TTL = time.Duration(v) //nolint:gosec // written from a positive duration
			case fieldExpiresAt:
				r.expiresAt = time.Unix(0, int64(v)).UTC() //nolint:gosec // written from a positive timestamp
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return storedRecord{}, fmt.Errorf("%w: %v", errMalformedRecord, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

var _ Directory = (*Bolt)(nil)
