package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a Store backed by PostgreSQL. Events are append-only;
// spends serialize per identity with a transaction-scoped advisory lock so
// the balance check and insert are atomic.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger_events table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_events (
			id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			delta BIGINT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_identity
			ON ledger_events(identity_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_provider_txn
			ON ledger_events((metadata->>'provider_txn_id'))
			WHERE metadata ? 'provider_txn_id';
	`)
	if err != nil {
		return fmt.Errorf("migrate ledger_events: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, event *Event) error {
	meta, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_events (id, identity_id, kind, delta, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.IdentityID, event.Kind, event.Delta, meta, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendIfBalanceAtLeast(ctx context.Context, event *Event, minBalance int64) error {
	meta, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spend tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize spends per identity. The advisory lock is released at
	// commit or rollback, so the balance check below cannot race another
	// spend on the same identity.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, event.IdentityID); err != nil {
		return fmt.Errorf("acquire spend lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (id, identity_id, kind, delta, metadata, created_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE (
			SELECT COALESCE(SUM(delta), 0) FROM ledger_events WHERE identity_id = $2
		) >= $7
	`, event.ID, event.IdentityID, event.Kind, event.Delta, meta, event.CreatedAt, minBalance)
	if err != nil {
		return fmt.Errorf("conditional insert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional insert: %w", err)
	}
	if n == 0 {
		var balance int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(delta), 0) FROM ledger_events WHERE identity_id = $1
		`, event.IdentityID).Scan(&balance); err != nil {
			return fmt.Errorf("read balance after rejection: %w", err)
		}
		return &InsufficientCreditsError{Balance: balance, Requested: minBalance}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spend tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, identityID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_events WHERE identity_id = $1
	`, identityID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("sum ledger events: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) HasTransaction(ctx context.Context, providerTxnID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_events WHERE metadata->>'provider_txn_id' = $1
		)
	`, providerTxnID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check provider txn: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) List(ctx context.Context, identityID string, before time.Time, beforeID string, limit int) ([]*Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, identity_id, kind, delta, metadata, created_at
			FROM ledger_events
			WHERE identity_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, identityID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, identity_id, kind, delta, metadata, created_at
			FROM ledger_events
			WHERE identity_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, identityID, before, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var (
			e    Event
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.Kind, &e.Delta, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger events: %w", err)
	}
	return events, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode event metadata: %w", err)
	}
	return data, nil
}

var _ Store = (*PostgresStore)(nil)
