package prescription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps prescriptions in a local database file, for kiosks
// that run without a network database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and creates if needed) the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `CREATE TABLE IF NOT EXISTS prescriptions (
  code_id    TEXT PRIMARY KEY,
  medicines  TEXT NOT NULL DEFAULT '[]',
  details    TEXT,
  updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create prescriptions table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) FindByCode(ctx context.Context, code string) (*Record, error) {
	var (
		rec     Record
		meds    string
		details sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT code_id, medicines, details FROM prescriptions WHERE code_id = ? LIMIT 1`, code).
		Scan(&rec.CodeID, &meds, &details)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query prescription: %w", err)
	}
	rec.Medicines = json.RawMessage(meds)
	if details.Valid && details.String != "" {
		if err := decodeExact([]byte(details.String), &rec.Details); err != nil {
			return nil, fmt.Errorf("%w: details: %v", ErrMalformedRecord, err)
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) error {
	meds := string(rec.Medicines)
	if meds == "" {
		meds = "[]"
	}
	var details sql.NullString
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prescriptions (code_id, medicines, details, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(code_id) DO UPDATE SET medicines = excluded.medicines, details = excluded.details,
  updated_at = excluded.updated_at`,
		rec.CodeID, meds, details, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert prescription %s: %w", rec.CodeID, err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
