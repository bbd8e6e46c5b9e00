package identity

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
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed identity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the identities table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			cached_balance BIGINT NOT NULL DEFAULT 0,
			schema_version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_identities_email ON identities(email);
	`)
	if err != nil {
		return fmt.Errorf("migrate identities: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, email string) (*Identity, error) {
	now := time.Now().UTC()
	id := idgen.WithPrefix("idn_")

	// Insert-first keeps this a single round trip in the common case of a
	// returning identity: ON CONFLICT DO NOTHING makes concurrent first
	// sights race-safe, and the follow-up SELECT reads whichever row won.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, email, cached_balance, schema_version, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $4)
		ON CONFLICT (email) DO NOTHING
	`, id, email, CurrentSchemaVersion, now)
	if err != nil {
		var pqErr *pq.Error
		// Unique violation can still surface under serializable isolation.
		if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
			return nil, fmt.Errorf("create identity: %w", err)
		}
	}

	return s.GetByEmail(ctx, email)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Identity, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, email, cached_balance, schema_version, created_at, updated_at
		FROM identities WHERE id = $1
	`, id))
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, email, cached_balance, schema_version, created_at, updated_at
		FROM identities WHERE email = $1
	`, email))
}

func (s *PostgresStore) UpdateCachedBalance(ctx context.Context, id string, balance int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET cached_balance = $2, updated_at = NOW() WHERE id = $1
	`, id, balance)
	if err != nil {
		return fmt.Errorf("update cached balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update cached balance: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CachedBalance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cached_balance FROM identities WHERE id = $1
	`, id).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read cached balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) SetSchemaVersion(ctx context.Context, id string, version int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET schema_version = $2, updated_at = NOW()
		WHERE id = $1 AND schema_version <= $2
	`, id, version)
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if n == 0 {
		// Distinguish a missing row from a stale version.
		if _, gerr := s.GetByID(ctx, id); gerr != nil {
			return gerr
		}
		return ErrStaleSchemaVersion
	}
	return nil
}

func (s *PostgresStore) ListCachedBalances(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, cached_balance FROM identities`)
	if err != nil {
		return nil, fmt.Errorf("list cached balances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id      string
			balance int64
		)
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("scan cached balance: %w", err)
		}
		out[id] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached balances: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) scanOne(row *sql.Row) (*Identity, error) {
	var i Identity
	err := row.Scan(&i.ID, &i.Email, &i.CachedBalance, &i.SchemaVersion, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	return &i, nil
}

var _ Store = (*PostgresStore)(nil)
