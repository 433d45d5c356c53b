package directory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/keyshift"
)

// Memory is an in-process Directory.
type Memory struct {
	mu      sync.RWMutex
	records map[keyshift.KeyHash]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	value     Value
	expiresAt time.Time
}

// MemoryOption configures a Memory directory.
type MemoryOption func(*Memory)

// WithMemoryNow sets the time function for testing.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory directory.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[keyshift.KeyHash]memoryRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) (Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	rec, ok := m.records[keyshift.HashKey(key)]
	if !ok || rec.expired(now) {
		return Value{}, false, nil
	}
	v := rec.value
	v.Data = bytes.Clone(v.Data)
	v.TTL = remaining(rec.expiresAt, now)
	return v, true, nil
}

func (m *Memory) Add(_ context.Context, key string, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := keyshift.HashKey(key)
	now := m.now()
	if cur, ok := m.records[h]; ok && !cur.expired(now) && cur.value.Version >= v.Version {
		return nil
	}

	rec := memoryRecord{value: v}
	rec.value.Data = bytes.Clone(v.Data)
	if v.TTL > 0 {
		rec.expiresAt = now.Add(v.TTL)
	}
	m.records[h] = rec
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, keyshift.HashKey(key))
	return nil
}

// Len returns the number of stored records, including expired ones not yet
// dropped.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (r memoryRecord) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

var _ Directory = (*Memory)(nil)
