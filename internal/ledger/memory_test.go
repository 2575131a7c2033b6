package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/model"
)

func testPosition(id string, openedAt time.Time) *model.Position {
	return &model.Position{
		ID:              id,
		Owner:           "owner",
		Asset:           "DAI",
		Principal:       decimal.NewFromInt(100),
		SuppliedBalance: decimal.NewFromInt(300),
		BorrowedBalance: decimal.NewFromInt(200),
		Status:          model.StatusOpen,
		OpenedAt:        openedAt,
	}
}

func testEntry(positionID, op string) model.LedgerEntry {
	return model.LedgerEntry{
		ID:         positionID + "-" + op,
		PositionID: positionID,
		Op:         op,
		Asset:      "DAI",
		Amount:     decimal.NewFromInt(100),
		Block:      1,
		Timestamp:  time.Now().UTC(),
	}
}

func TestCommit_UpsertsPosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := testPosition("p1", time.Now().UTC())
	if err := s.Commit(ctx, p, []model.LedgerEntry{testEntry("p1", model.OpSupply)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Second commit updates the same position.
	p.Status = model.StatusClosed
	if err := s.Commit(ctx, p, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != model.StatusClosed {
		t.Errorf("expected status closed, got %s", got.Status)
	}
}

func TestCommit_CopiesPosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := testPosition("p1", time.Now().UTC())
	s.Commit(ctx, p, nil)
	p.Status = model.StatusClosed // mutate the caller's copy

	got, _ := s.GetPosition(ctx, "p1")
	if got.Status != model.StatusOpen {
		t.Errorf("stored position must not alias the caller's, got status %s", got.Status)
	}
}

func TestGetPosition_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetPosition(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListPositions_NewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	t0 := time.Now().UTC()
	s.Commit(ctx, testPosition("p1", t0), nil)
	s.Commit(ctx, testPosition("p2", t0.Add(time.Minute)), nil)
	s.Commit(ctx, testPosition("p3", t0.Add(2*time.Minute)), nil)

	list, err := s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(list))
	}
	if list[0].ID != "p3" || list[2].ID != "p1" {
		t.Errorf("expected newest first, got %s %s %s", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestEntriesByPosition_FiltersAndOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.InsertEntry(ctx, &model.LedgerEntry{ID: "e1", PositionID: "p1", Op: model.OpFund})
	s.Commit(ctx, testPosition("p1", time.Now().UTC()), []model.LedgerEntry{
		testEntry("p1", model.OpFlashLoan),
		testEntry("p1", model.OpSupply),
	})
	s.InsertEntry(ctx, &model.LedgerEntry{ID: "e2", PositionID: "p2", Op: model.OpFund})

	entries, err := s.EntriesByPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Op != model.OpFund || entries[1].Op != model.OpFlashLoan || entries[2].Op != model.OpSupply {
		t.Errorf("expected insertion order, got %s %s %s", entries[0].Op, entries[1].Op, entries[2].Op)
	}
}

func TestEntriesByPosition_Empty(t *testing.T) {
	s := NewMemoryStore()
	entries, err := s.EntriesByPosition(context.Background(), "none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}
