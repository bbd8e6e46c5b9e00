package site

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/meterbase/meterbase/internal/idgen"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db        *sql.DB
	freeLimit int64
}

// NewPostgresStore creates a PostgreSQL-backed site store. New sites get
// defaultFreeLimit as their monthly allowance.
func NewPostgresStore(db *sql.DB, defaultFreeLimit int64) *PostgresStore {
	return &PostgresStore{db: db, freeLimit: defaultFreeLimit}
}

// Migrate creates the sites and site_usage tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL UNIQUE,
			identity_id TEXT,
			license_key TEXT,
			free_limit BIGINT NOT NULL DEFAULT 50,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS site_usage (
			id BIGSERIAL PRIMARY KEY,
			site_id TEXT NOT NULL REFERENCES sites(id),
			units BIGINT NOT NULL,
			used_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_site_usage_site_time
			ON site_usage(site_id, used_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate sites: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateByHash(ctx context.Context, hash string) (*Site, error) {
	now := time.Now().UTC()
	id := idgen.WithPrefix("site_")

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (id, hash, free_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (hash) DO NOTHING
	`, id, hash, s.freeLimit, now)
	if err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
			return nil, fmt.Errorf("create site: %w", err)
		}
	}

	return s.GetByHash(ctx, hash)
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*Site, error) {
	var (
		site       Site
		identityID sql.NullString
		licenseKey sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hash, identity_id, license_key, free_limit, created_at, updated_at
		FROM sites WHERE hash = $1
	`, hash).Scan(&site.ID, &site.Hash, &identityID, &licenseKey, &site.FreeLimit, &site.CreatedAt, &site.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan site: %w", err)
	}
	if identityID.Valid {
		site.IdentityID = identityID.String
	}
	if licenseKey.Valid {
		site.LicenseKey = licenseKey.String
	}
	return &site, nil
}

func (s *PostgresStore) AttachLicense(ctx context.Context, siteID, licenseKey, identityID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sites SET license_key = $2, identity_id = $3, updated_at = NOW()
		WHERE id = $1
	`, siteID, licenseKey, identityID)
	if err != nil {
		return fmt.Errorf("attach license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach license: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, siteID string, units int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_usage (site_id, units, used_at) VALUES ($1, $2, $3)
	`, siteID, units, at.UTC())
	if err != nil {
		var pqErr *pq.Error
		// Foreign key violation means the site does not exist.
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) UsedSince(ctx context.Context, siteID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(units), 0) FROM site_usage
		WHERE site_id = $1 AND used_at >= $2
	`, siteID, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum site usage: %w", err)
	}
	return total, nil
}

var _ Store = (*PostgresStore)(nil)
