// Package storage persists document snapshots between sessions. A snapshot
// is the full encoded state of one document, keyed by document id.
package storage

import (
	"context"
	"errors"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrEmptyDoc  = errors.New("empty document id")
)

// Store loads and saves snapshots. Load returns (nil, nil) when nothing has
// been stored for docID. Implementations must be safe for concurrent use.
type Store interface {
	Load(ctx context.Context, docID string) ([]byte, error)
	Save(ctx context.Context, docID string, snapshot []byte) error
	Close() error
}

// Hooks binds store to one document and returns load and save functions in
// the shape the sync provider expects.
func Hooks(store Store, docID string) (
	load func(ctx context.Context) ([]byte, error),
	save func(ctx context.Context, snapshot []byte) error,
) {
	load = func(ctx context.Context) ([]byte, error) {
		return store.Load(ctx, docID)
	}
	save = func(ctx context.Context, snapshot []byte) error {
		return store.Save(ctx, docID, snapshot)
	}
	return load, save
}
