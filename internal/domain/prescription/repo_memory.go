package prescription

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// MemoryStore is an in-process Store keyed by code.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore returns an in-process store, optionally pre-loaded.
func NewMemoryStore(recs ...*Record) *MemoryStore {
	s := &MemoryStore{records: make(map[string]*Record, len(recs))}
	for _, r := range recs {
		s.records[r.CodeID] = r
	}
	return s
}

// NewMemoryStoreFromFile loads a JSON array of prescription documents.
func NewMemoryStoreFromFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	recs, err := ParseDocuments(data)
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(recs...), nil
}

func (s *MemoryStore) FindByCode(_ context.Context, code string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[code]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CodeID] = rec
	return nil
}
