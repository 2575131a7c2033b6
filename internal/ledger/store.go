// Package ledger defines persistence for the strategy's position and its
// append-only loop ledger. Implementations include PostgreSQL (source of
// truth), Redis (read-through cache), and in-memory (for testing).
package ledger

import (
	"context"
	"errors"

	"github.com/loopfarm/farm-engine/internal/model"
)

// ErrNotFound is returned when a position does not exist.
var ErrNotFound = errors.New("ledger: position not found")

// Store is the persistence interface. The engine mutates state only
// through Commit, which persists the position snapshot and its new loop
// entries as one unit — either all of it lands or none of it does.
type Store interface {
	// Commit atomically upserts the position and appends the entries
	// produced by one open/close operation.
	Commit(ctx context.Context, p *model.Position, entries []model.LedgerEntry) error

	// InsertEntry appends a single immutable record outside an
	// open/close operation (e.g. the funding step).
	InsertEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns all recorded positions, newest first.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// EntriesByPosition returns a position's loop entries in append order.
	EntriesByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error)
}
