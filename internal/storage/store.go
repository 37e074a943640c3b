package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no document exists for an id.
var ErrNotFound = errors.New("document not found")

// DocumentStore persists whole session documents. Writes are idempotent upserts.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*Document, error)
	Upsert(ctx context.Context, id string, w DocumentWrite) error
}

// MemoryStore is an in-process DocumentStore for single-instance runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (s *MemoryStore) Upsert(_ context.Context, id string, w DocumentWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = Document{ID: id, Code: w.Code, Language: w.Language, UpdatedAt: time.Now()}
	return nil
}

// Len reports how many documents are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
