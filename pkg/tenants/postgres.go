// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgProvider implements Provider backed by PostgreSQL.
type pgProvider struct {
	dbPool *pgxpool.Pool      // Connection pool to PostgreSQL
	log    *zap.SugaredLogger // Logger for diagnostic output
}

// NewPostgresProvider constructs a PostgreSQL-backed identity provider.
func NewPostgresProvider(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Provider {
	return &pgProvider{dbPool: dbPool, log: log}
}

// EnsureSchema creates the identities table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS identities (
  subject text PRIMARY KEY,
  tenant jsonb NOT NULL,
  password_hash text NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

// SeedFromEnv upserts identities from IDENTITY_SEED_JSON:
// [
//
//	{"subject":"user@example.com","tenant":"customer-service","password":"..."},
//	{"subject":"admin@example.com","tenant":["logistics","customer-service"],"password_hash":"$2a$..."}
//
// ]
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	if jsonSeed == "" {
		return nil
	}
	var entries []seedEntry
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	for _, entry := range entries {
		rec, err := entry.record(0)
		if err != nil {
			return err
		}
		claim, err := json.Marshal(rec.Tenants)
		if err != nil {
			return err
		}
		if _, err := dbPool.Exec(ctx, `INSERT INTO identities(subject, tenant, password_hash)
		  VALUES ($1,$2,$3)
		  ON CONFLICT (subject) DO UPDATE SET tenant=EXCLUDED.tenant, password_hash=EXCLUDED.password_hash, updated_at=NOW()`,
			rec.Subject, claim, rec.PasswordHash); err != nil {
			return err
		}
	}
	return nil
}

// Lookup fetches the identity for subject.
func (p *pgProvider) Lookup(ctx context.Context, subject string) (Record, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT subject, tenant, password_hash FROM identities WHERE subject=$1`, subject)
	var r Record
	var claim []byte
	if err := row.Scan(&r.Subject, &claim, &r.PasswordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		p.log.Warnw("identity lookup failed", "subject", subject, "err", err)
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(claim, &r.Tenants); err != nil {
		return Record{}, fmt.Errorf("identity %s: %w", subject, err)
	}
	return r, nil
}
