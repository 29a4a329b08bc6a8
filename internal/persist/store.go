// Package persist saves and restores pump settings as opaque key/value
// fields, one record per pump.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when no fields were saved for a pump.
var ErrNotFound = errors.New("no saved fields for pump")

// Store persists pump fields.
type Store interface {
	SaveFields(ctx context.Context, pumpID string, fields map[string]string) error
	LoadFields(ctx context.Context, pumpID string) (map[string]string, error)
	ListPumps(ctx context.Context) ([]string, error)
	Close() error
}

// Open selects a store from a URL-ish spec:
//
//	memory:              in-process map
//	sqlite:/path/to.db   SQLite file (a bare path ending in .db also works)
//	redis://host:port/0  Redis hash per pump
func Open(ctx context.Context, spec string) (Store, error) {
	switch {
	case spec == "" || spec == "memory:" || spec == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(spec, "sqlite:"), strings.HasSuffix(spec, ".db"):
		s, err := OpenSQLite(ctx, strings.TrimPrefix(spec, "sqlite:"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		s, err := OpenRedis(ctx, spec, "")
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store %q", spec)
	}
}

// MemoryStore keeps fields in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	fields map[string]map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fields: make(map[string]map[string]string)}
}

func (m *MemoryStore) SaveFields(_ context.Context, pumpID string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[pumpID] = copyFields(fields)
	return nil
}

func (m *MemoryStore) LoadFields(_ context.Context, pumpID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fields[pumpID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, pumpID)
	}
	return copyFields(f), nil
}

func (m *MemoryStore) ListPumps(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.fields))
	for id := range m.fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Close() error { return nil }

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
