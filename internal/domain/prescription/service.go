package prescription

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Service resolves patient codes to normalized prescriptions. It does not
// validate the code format; callers do that before touching the store.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Resolve returns the prescription for code, or ErrNotFound. A record whose
// medicines cannot be decoded yields ErrMalformedRecord.
func (s *Service) Resolve(ctx context.Context, code string) (*Prescription, error) {
	rec, err := s.store.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup %s: %w", code, err)
	}
	p, err := rec.Decode()
	if err != nil {
		return nil, err
	}
	if p.CodeID == "" {
		p.CodeID = code
	}
	return p, nil
}

// Ping reports store health. Stores without a remote backend are always healthy.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// SeedFromFile loads a JSON array of prescription documents into the store.
func (s *Service) SeedFromFile(ctx context.Context, path string) (int, error) {
	seeder, ok := s.store.(Seeder)
	if !ok {
		return 0, fmt.Errorf("store %T does not support seeding", s.store)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file %s: %w", path, err)
	}
	recs, err := ParseDocuments(data)
	if err != nil {
		return 0, err
	}
	for i, rec := range recs {
		if err := seeder.Upsert(ctx, rec); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}
