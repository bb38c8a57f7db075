package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Store, used in tests and as the substrate for
// short-lived sessions that need no durability. An optional capacity limit
// makes quota failures injectable.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	used     int64
	capacity int64 // 0 means unlimited
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithCapacity sets a hard capacity in bytes. Writes that would exceed it
// fail with ErrQuotaExceeded.
func WithCapacity(n int64) MemoryOption {
	return func(m *Memory) {
		m.capacity = n
	}
}

// NewMemory creates a new in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves the value at key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Set stores value at key.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.used - int64(len(m.data[key])) + int64(len(value))
	if m.capacity > 0 && next > m.capacity {
		return ErrQuotaExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.used = next
	return nil
}

// Delete removes the value at key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if val, ok := m.data[key]; ok {
		m.used -= int64(len(val))
		delete(m.data, key)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Estimate implements QuotaEstimator.
func (m *Memory) Estimate(_ context.Context) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u := Usage{UsedBytes: m.used}
	if m.capacity > 0 {
		u.AvailableBytes = m.capacity - m.used
	}
	return u, nil
}

// Compile-time interface checks
var (
	_ Store          = (*Memory)(nil)
	_ QuotaEstimator = (*Memory)(nil)
)
