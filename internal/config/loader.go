package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
)

// ErrSnapshotNotFound is returned when the record store has no snapshot for
// the requested id.
var ErrSnapshotNotFound = errors.New("config snapshot not found")

// SnapshotSource fetches a raw snapshot document by id.
type SnapshotSource interface {
	GetConfigSnapshot(ctx context.Context, id string) ([]byte, error)
}

// Loader loads and caches parsed snapshots. Cached snapshots are immutable
// and shared; a reload replaces the pointer, never the contents.
type Loader struct {
	source SnapshotSource
	cache  *xsync.Map[string, *Snapshot]
}

// NewLoader creates a Loader over the given source.
func NewLoader(source SnapshotSource) *Loader {
	return &Loader{
		source: source,
		cache:  xsync.NewMap[string, *Snapshot](),
	}
}

// Load returns the snapshot for id, fetching and parsing it on first use.
// Concurrent loads of the same id may fetch twice; the last parse wins,
// which is harmless because snapshots for one id are identical.
func (l *Loader) Load(ctx context.Context, id string) (*Snapshot, error) {
	if s, ok := l.cache.Load(id); ok {
		return s, nil
	}
	raw, err := l.source.GetConfigSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", id, err)
	}
	if raw == nil {
		return nil, ErrSnapshotNotFound
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	l.cache.Store(id, s)
	return s, nil
}

// Invalidate drops the cached snapshot for id so the next Load refetches.
func (l *Loader) Invalidate(id string) {
	l.cache.Delete(id)
}
