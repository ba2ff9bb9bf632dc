package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/model"
)

// Schema creates the tables PostgresStore needs. Amounts are NUMERIC for
// exact decimal precision; the entered session amount stays TEXT because it
// is user input that may not parse.
const Schema = `
CREATE TABLE IF NOT EXISTS wizard_sessions (
	address            TEXT PRIMARY KEY,
	id                 TEXT NOT NULL,
	operation_id       TEXT NOT NULL,
	step_index         INTEGER NOT NULL,
	amount             TEXT NOT NULL DEFAULT '',
	completed_step_ids TEXT[] NOT NULL DEFAULT '{}',
	approved_amounts   JSONB NOT NULL DEFAULT '{}',
	tx_hashes          JSONB NOT NULL DEFAULT '{}',
	seed_index         INTEGER NOT NULL DEFAULT 0,
	origin             TEXT NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recovered_holdings (
	seq         BIGSERIAL,
	tx_hash     TEXT NOT NULL,
	address     TEXT NOT NULL,
	asset       TEXT NOT NULL,
	amount      NUMERIC NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tx_hash, address)
);

CREATE INDEX IF NOT EXISTS recovered_holdings_address ON recovered_holdings (address, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, address string) (*model.Session, error) {
	var sess model.Session
	err := s.pool.QueryRow(ctx,
		`SELECT address, id, operation_id, step_index, amount,
		        completed_step_ids, approved_amounts, tx_hashes,
		        seed_index, origin, updated_at
		 FROM wizard_sessions WHERE address = $1`, address).
		Scan(&sess.Address, &sess.ID, &sess.OperationID, &sess.StepIndex, &sess.Amount,
			&sess.CompletedStepIDs, &sess.ApprovedAmounts, &sess.TxHashes,
			&sess.SeedIndex, &sess.Origin, &sess.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", address, err)
	}
	return &sess, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess *model.Session) error {
	completed := sess.CompletedStepIDs
	if completed == nil {
		completed = []string{}
	}
	approved := sess.ApprovedAmounts
	if approved == nil {
		approved = map[string]string{}
	}
	hashes := sess.TxHashes
	if hashes == nil {
		hashes = map[string]string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO wizard_sessions (address, id, operation_id, step_index, amount,
		        completed_step_ids, approved_amounts, tx_hashes, seed_index, origin, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (address) DO UPDATE SET
		        id = EXCLUDED.id,
		        operation_id = EXCLUDED.operation_id,
		        step_index = EXCLUDED.step_index,
		        amount = EXCLUDED.amount,
		        completed_step_ids = EXCLUDED.completed_step_ids,
		        approved_amounts = EXCLUDED.approved_amounts,
		        tx_hashes = EXCLUDED.tx_hashes,
		        seed_index = EXCLUDED.seed_index,
		        origin = EXCLUDED.origin,
		        updated_at = EXCLUDED.updated_at`,
		sess.Address, sess.ID, sess.OperationID, sess.StepIndex, sess.Amount,
		completed, approved, hashes, sess.SeedIndex, sess.Origin, sess.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.Address, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM wizard_sessions WHERE address = $1`, address)
	return err
}

func (s *PostgresStore) MarkRecovered(ctx context.Context, rec model.RecoveredRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recovered_holdings (tx_hash, address, asset, amount, recorded_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (tx_hash, address) DO NOTHING`,
		rec.TxHash, rec.Address, string(rec.Asset), rec.Amount.String(), rec.RecordedAt,
	)
	return err
}

func (s *PostgresStore) IsRecovered(ctx context.Context, txHash, address string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM recovered_holdings WHERE tx_hash = $1 AND address = $2)`,
		txHash, address).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListRecovered(ctx context.Context, address string) ([]model.RecoveredRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tx_hash, address, asset, amount::TEXT, recorded_at
		 FROM recovered_holdings WHERE address = $1 ORDER BY seq`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RecoveredRecord
	for rows.Next() {
		var r model.RecoveredRecord
		var asset, amount string
		if err := rows.Scan(&r.TxHash, &r.Address, &asset, &amount, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Asset = model.Asset(asset)
		r.Amount, _ = decimal.NewFromString(amount)
		out = append(out, r)
	}
	return out, rows.Err()
}
