// Package localcache persists the per-namespace JSON blob that backs the
// local storage modes of the memo engine.
package localcache

import (
	"context"
	"sync"

	"github.com/animemo/memosync/internal/errors"
)

// Cache stores opaque values keyed by namespace. Save replaces the value.
// Load reports ok=false when nothing was ever saved.
type Cache interface {
	Load(ctx context.Context, namespace string) (value []byte, ok bool, err error)
	Save(ctx context.Context, namespace string, value []byte) error
	Close() error
}

// ErrInjected is the cause of failures produced by Memory.FailNextSaves.
var ErrInjected = errors.New("injected cache failure")

// Memory is an in-process Cache.
type Memory struct {
	mu        sync.Mutex
	values    map[string][]byte
	failSaves int
	saves     int
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty cache.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Load(ctx context.Context, namespace string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, errors.StoreUnavailable(err, "load cancelled")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[namespace]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Save(ctx context.Context, namespace string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err, "save cancelled")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSaves > 0 {
		m.failSaves--
		return errors.StoreUnavailablef(ErrInjected, "save %s failed", namespace)
	}
	m.values[namespace] = append([]byte(nil), value...)
	return nil
}

// FailNextSaves makes the next n Save calls fail with STORE_UNAVAILABLE.
func (m *Memory) FailNextSaves(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = n
}

// Saves returns how many Save calls were made, including failed ones.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
