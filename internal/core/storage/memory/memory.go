// Package memory is a process-local snapshot store.
package memory

import (
	"context"
	"sync"

	"github.com/zeusync/docsync/internal/core/storage"
)

type Store struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	saves  map[string]int
	closed bool
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{docs: make(map[string][]byte), saves: make(map[string]int)}
}

func (s *Store) Load(ctx context.Context, docID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if docID == "" {
		return nil, storage.ErrEmptyDoc
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	snapshot, ok := s.docs[docID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), snapshot...), nil
}

func (s *Store) Save(ctx context.Context, docID string, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if docID == "" {
		return storage.ErrEmptyDoc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.docs[docID] = append([]byte(nil), snapshot...)
	s.saves[docID]++
	return nil
}

// Saves returns how many times docID has been saved.
func (s *Store) Saves(docID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[docID]
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
