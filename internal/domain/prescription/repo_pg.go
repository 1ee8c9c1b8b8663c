package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore reads prescriptions from the prescriptions table. The medicines
// column is JSONB and may hold either an array or a string-encoded array.
type PGStore struct {
	pool *pgxpool.Pool
	conn queryable
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, conn: pool}
}

const prescriptionCols = `code_id, medicines::text, COALESCE(details::text, '{}')`

func scanPrescription(row pgx.Row) (*Record, error) {
	var (
		rec     Record
		meds    string
		details string
	)
	if err := row.Scan(&rec.CodeID, &meds, &details); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan prescription: %w", err)
	}
	rec.Medicines = json.RawMessage(meds)
	if details != "" && details != "{}" {
		if err := decodeExact([]byte(details), &rec.Details); err != nil {
			return nil, fmt.Errorf("%w: details: %v", ErrMalformedRecord, err)
		}
	}
	return &rec, nil
}

func (s *PGStore) FindByCode(ctx context.Context, code string) (*Record, error) {
	return scanPrescription(s.conn.QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE code_id = $1 LIMIT 1`, code))
}

func (s *PGStore) Upsert(ctx context.Context, rec *Record) error {
	meds := rec.Medicines
	if len(meds) == 0 {
		meds = json.RawMessage("[]")
	}
	var details []byte
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = b
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO prescriptions (code_id, medicines, details)
		VALUES ($1, $2::jsonb, $3::jsonb)
		ON CONFLICT (code_id) DO UPDATE SET medicines = EXCLUDED.medicines,
			details = EXCLUDED.details, updated_at = NOW()`,
		rec.CodeID, string(meds), nullableJSON(details))
	if err != nil {
		return fmt.Errorf("upsert prescription %s: %w", rec.CodeID, err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullableJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
