package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Commit(ctx context.Context, p *model.Position, entries []model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO positions (id, owner, asset, principal, supplied_balance, borrowed_balance,
		                        target_leverage, achieved_leverage, status, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   principal = EXCLUDED.principal,
		   supplied_balance = EXCLUDED.supplied_balance,
		   borrowed_balance = EXCLUDED.borrowed_balance,
		   achieved_leverage = EXCLUDED.achieved_leverage,
		   status = EXCLUDED.status,
		   closed_at = EXCLUDED.closed_at`,
		p.ID, p.Owner, p.Asset,
		p.Principal.String(), p.SuppliedBalance.String(), p.BorrowedBalance.String(),
		p.TargetLeverage.String(), p.AchievedLeverage.String(),
		string(p.Status), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("commit position %s: %w", p.ID, err)
	}

	for i := range entries {
		e := &entries[i]
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, position_id, op, asset, amount, block, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			e.ID, e.PositionID, e.Op, e.Asset, e.Amount.String(), e.Block, e.Timestamp,
		); err != nil {
			return fmt.Errorf("commit entry %s: %w", e.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, position_id, op, asset, amount, block, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		e.ID, e.PositionID, e.Op, e.Asset, e.Amount.String(), e.Block, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner, asset,
		        principal::TEXT, supplied_balance::TEXT, borrowed_balance::TEXT,
		        target_leverage::TEXT, achieved_leverage::TEXT,
		        status, opened_at, closed_at
		 FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, asset,
		        principal::TEXT, supplied_balance::TEXT, borrowed_balance::TEXT,
		        target_leverage::TEXT, achieved_leverage::TEXT,
		        status, opened_at, closed_at
		 FROM positions ORDER BY opened_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) EntriesByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, op, asset, amount::TEXT, block, timestamp
		 FROM ledger_entries WHERE position_id = $1 ORDER BY timestamp, id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS string
		var block int64

		if err := rows.Scan(&e.ID, &e.PositionID, &e.Op, &e.Asset,
			&amountS, &block, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Block = uint64(block)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// row is satisfied by both pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...interface{}) error
}

func scanPosition(r row) (*model.Position, error) {
	var p model.Position
	var principal, supplied, borrowed, target, achieved, status string
	var closedAt *time.Time

	if err := r.Scan(&p.ID, &p.Owner, &p.Asset,
		&principal, &supplied, &borrowed,
		&target, &achieved,
		&status, &p.OpenedAt, &closedAt); err != nil {
		return nil, err
	}

	p.Principal, _ = decimal.NewFromString(principal)
	p.SuppliedBalance, _ = decimal.NewFromString(supplied)
	p.BorrowedBalance, _ = decimal.NewFromString(borrowed)
	p.TargetLeverage, _ = decimal.NewFromString(target)
	p.AchievedLeverage, _ = decimal.NewFromString(achieved)
	p.Status = model.PositionStatus(status)
	p.ClosedAt = closedAt

	return &p, nil
}
