package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meterbase/meterbase/internal/idgen"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscriptions table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			product TEXT NOT NULL,
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			provider_sub_id TEXT,
			renews_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (identity_id, product)
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_provider
			ON subscriptions(provider_sub_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate subscriptions: %w", err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, record *Record) error {
	if record.ID == "" {
		record.ID = idgen.WithPrefix("sub_")
	}
	now := time.Now().UTC()

	var renewsAt sql.NullTime
	if record.RenewsAt != nil {
		renewsAt = sql.NullTime{Time: *record.RenewsAt, Valid: true}
	}
	var providerSubID sql.NullString
	if record.ProviderSubID != "" {
		providerSubID = sql.NullString{String: record.ProviderSubID, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions
			(id, identity_id, product, plan, status, provider_sub_id, renews_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (identity_id, product) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			provider_sub_id = EXCLUDED.provider_sub_id,
			renews_at = EXCLUDED.renews_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, record.ID, record.IdentityID, record.Product, record.Plan, string(record.Status),
		providerSubID, renewsAt, now).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	record.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, identityID, product string) (*Record, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, product, plan, status, provider_sub_id, renews_at, created_at, updated_at
		FROM subscriptions WHERE identity_id = $1 AND product = $2
	`, identityID, product))
}

func (s *PostgresStore) GetByProviderSubID(ctx context.Context, providerSubID string) (*Record, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, product, plan, status, provider_sub_id, renews_at, created_at, updated_at
		FROM subscriptions WHERE provider_sub_id = $1
	`, providerSubID))
}

func (s *PostgresStore) ListByIdentity(ctx context.Context, identityID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, product, plan, status, provider_sub_id, renews_at, created_at, updated_at
		FROM subscriptions WHERE identity_id = $1
		ORDER BY product
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Record, error) {
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		r             Record
		status        string
		providerSubID sql.NullString
		renewsAt      sql.NullTime
	)
	err := scan(&r.ID, &r.IdentityID, &r.Product, &r.Plan, &status,
		&providerSubID, &renewsAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	r.Status = Status(status)
	if providerSubID.Valid {
		r.ProviderSubID = providerSubID.String
	}
	if renewsAt.Valid {
		t := renewsAt.Time
		r.RenewsAt = &t
	}
	return &r, nil
}

var _ Store = (*PostgresStore)(nil)
