package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netshift/settlement-engine/internal/model"
)

// Schema creates the settlements table. The full aggregate is stored as a
// JSONB document; status and version are columns so they can be filtered
// and compared without decoding.
const Schema = `
CREATE TABLE IF NOT EXISTS settlements (
    id          TEXT PRIMARY KEY,
    status      TEXT        NOT NULL,
    version     BIGINT      NOT NULL,
    doc         JSONB       NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlements_status_idx ON settlements (status, created_at);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Decimal amounts keep their exact string form inside the document.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate settlements: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	st.Version = 1
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settlement %s: %w", st.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settlements (id, status, version, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		st.ID, st.Status, st.Version, doc, st.CreatedAt, st.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, st.ID)
	}
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", st.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM settlements WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", id, err)
	}
	return decode(doc)
}

// UpdateSettlement writes with a compare-and-set on version.
func (s *PostgresStore) UpdateSettlement(ctx context.Context, st *model.Settlement) error {
	expected := st.Version
	next := *st
	next.Version = expected + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode settlement %s: %w", st.ID, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements
		    SET status = $2, version = $3, doc = $4, updated_at = $5
		  WHERE id = $1 AND version = $6`,
		st.ID, st.Status, next.Version, doc, st.UpdatedAt, expected,
	)
	if err != nil {
		return fmt.Errorf("update settlement %s: %w", st.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlements WHERE id = $1)`, st.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update settlement %s: %w", st.ID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, st.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, st.ID, expected)
	}
	st.Version = next.Version
	return nil
}

func (s *PostgresStore) ListSettlements(ctx context.Context) ([]model.Settlement, error) {
	return s.query(ctx, `SELECT doc FROM settlements ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status model.Status) ([]model.Settlement, error) {
	return s.query(ctx, `SELECT doc FROM settlements WHERE status = $1 ORDER BY created_at`, status)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Settlement
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		st, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func decode(doc []byte) (*model.Settlement, error) {
	var st model.Settlement
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	return &st, nil
}
