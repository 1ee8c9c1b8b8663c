package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type failingStore struct{ err error }

func (f *failingStore) FindByCode(context.Context, string) (*Record, error) {
	return nil, f.err
}

func newTestService() *Service {
	return NewService(NewMemoryStore(
		&Record{CodeID: "ABC1234", Medicines: json.RawMessage(`[{"name":"Paracetamol - 500mg"},{"name":"Ibuprofen - 400mg"}]`)},
		&Record{CodeID: "BLOB123", Medicines: json.RawMessage(`"[{\"name\":\"Aspirin - 75mg\"}]"`)},
		&Record{CodeID: "BAD0001", Medicines: json.RawMessage(`{"oops":true}`)},
	))
}

func TestService_Resolve(t *testing.T) {
	svc := newTestService()
	p, err := svc.Resolve(context.Background(), "ABC1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.CodeID != "ABC1234" || len(p.Medicines) != 2 {
		t.Errorf("unexpected prescription: %+v", p)
	}
}

func TestService_ResolveBlob(t *testing.T) {
	svc := newTestService()
	p, err := svc.Resolve(context.Background(), "BLOB123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Medicines) != 1 || p.Medicines[0].Name != "Aspirin - 75mg" {
		t.Errorf("unexpected medicines: %+v", p.Medicines)
	}
}

func TestService_ResolveNotFound(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Resolve(context.Background(), "NOPE000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ResolveMalformed(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Resolve(context.Background(), "BAD0001"); !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestService_ResolveStoreErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection reset")
	svc := NewService(&failingStore{err: boom})
	_, err := svc.Resolve(context.Background(), "ABC1234")
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("store error must not look like not-found")
	}
}

func TestService_PingWithoutPinger(t *testing.T) {
	if err := newTestService().Ping(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestService_SeedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	body := `[{"codeId":"SEED001","medicines":[{"name":"Metformin - 500mg"}]}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	store := NewMemoryStore()
	svc := NewService(store)
	n, err := svc.SeedFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("seeded %d, want 1", n)
	}
	p, err := svc.Resolve(context.Background(), "SEED001")
	if err != nil || p.Medicines[0].Name != "Metformin - 500mg" {
		t.Errorf("resolve after seed = %+v, %v", p, err)
	}
}

func TestService_SeedUnsupportedStore(t *testing.T) {
	svc := NewService(&failingStore{})
	if _, err := svc.SeedFromFile(context.Background(), "ignored.json"); err == nil {
		t.Error("expected error for store without Upsert")
	}
}
