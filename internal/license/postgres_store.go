package license

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed license store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the licenses table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS licenses (
			key TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			owner_email TEXT NOT NULL,
			plan TEXT NOT NULL,
			unit_limit BIGINT NOT NULL,
			provider_txn_id TEXT,
			revoked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_licenses_identity ON licenses(identity_id);
		CREATE INDEX IF NOT EXISTS idx_licenses_provider_txn ON licenses(provider_txn_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate licenses: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, lic *License) error {
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = time.Now().UTC()
	}
	var providerTxnID sql.NullString
	if lic.ProviderTxnID != "" {
		providerTxnID = sql.NullString{String: lic.ProviderTxnID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (key, identity_id, owner_email, plan, unit_limit, provider_txn_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, lic.Key, lic.IdentityID, lic.OwnerEmail, lic.Plan, lic.Limit, providerTxnID, lic.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*License, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT key, identity_id, owner_email, plan, unit_limit, provider_txn_id, revoked_at, created_at
		FROM licenses WHERE key = $1
	`, key))
}

func (s *PostgresStore) GetByProviderTxnID(ctx context.Context, providerTxnID string) (*License, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT key, identity_id, owner_email, plan, unit_limit, provider_txn_id, revoked_at, created_at
		FROM licenses WHERE provider_txn_id = $1
	`, providerTxnID))
}

func (s *PostgresStore) ListByIdentity(ctx context.Context, identityID string) ([]*License, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, identity_id, owner_email, plan, unit_limit, provider_txn_id, revoked_at, created_at
		FROM licenses WHERE identity_id = $1
		ORDER BY created_at DESC
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*License
	for rows.Next() {
		lic, err := scanLicense(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET revoked_at = COALESCE(revoked_at, NOW()) WHERE key = $1
	`, key)
	if err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) scanOne(row *sql.Row) (*License, error) {
	lic, err := scanLicense(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return lic, err
}

func scanLicense(scan func(dest ...any) error) (*License, error) {
	var (
		l             License
		providerTxnID sql.NullString
		revokedAt     sql.NullTime
	)
	err := scan(&l.Key, &l.IdentityID, &l.OwnerEmail, &l.Plan, &l.Limit,
		&providerTxnID, &revokedAt, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}
	if providerTxnID.Valid {
		l.ProviderTxnID = providerTxnID.String
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		l.RevokedAt = &t
	}
	return &l, nil
}

var _ Store = (*PostgresStore)(nil)
