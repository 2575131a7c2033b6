// Package model defines the core domain types shared across the farm engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a strategy position.
// Transitions: Empty --open--> Open --close(partial)--> Open
// --close(full)--> Closed. Closed positions are terminal; a new
// position is created for a new strategy cycle.
type PositionStatus string

const (
	StatusEmpty     PositionStatus = "empty"
	StatusOpen      PositionStatus = "open"
	StatusUnwinding PositionStatus = "unwinding"
	StatusClosed    PositionStatus = "closed"
)

// Ledger operation kinds. Each step of an open or close is recorded as
// one entry per adapter call, in execution order, so the unwind sequence
// can be reconstructed in reverse.
const (
	OpFund      = "fund"
	OpFlashLoan = "flash_loan"
	OpSupply    = "supply"
	OpBorrow    = "borrow"
	OpRepay     = "repay"
	OpRedeem    = "redeem"
	OpFlashBack = "flash_repay"
	OpClaim     = "claim_rewards"
	OpRelease   = "release"
)

// Position represents the single leveraged position owned by one engine
// instance. Balances are denominated in the base asset.
type Position struct {
	ID               string          `json:"id" db:"id"`
	Owner            string          `json:"owner" db:"owner"`
	Asset            string          `json:"asset" db:"asset"`
	Principal        decimal.Decimal `json:"principal" db:"principal"`
	SuppliedBalance  decimal.Decimal `json:"supplied_balance" db:"supplied_balance"`
	BorrowedBalance  decimal.Decimal `json:"borrowed_balance" db:"borrowed_balance"`
	TargetLeverage   decimal.Decimal `json:"target_leverage" db:"target_leverage"`
	AchievedLeverage decimal.Decimal `json:"achieved_leverage" db:"achieved_leverage"`
	Status           PositionStatus  `json:"status" db:"status"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Solvent reports whether the position respects the money market's
// collateral limit: suppliedBalance * collateralFactor >= borrowedBalance.
func (p *Position) Solvent(collateralFactor decimal.Decimal) bool {
	return p.SuppliedBalance.Mul(collateralFactor).GreaterThanOrEqual(p.BorrowedBalance)
}

// LedgerEntry is an immutable record of one step of an open/close loop.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Op         string          `json:"op" db:"op"`
	Asset      string          `json:"asset" db:"asset"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Block      uint64          `json:"block" db:"block"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// FlashLoanReceipt is returned by a flash lender after a successful
// borrow-execute-repay cycle.
type FlashLoanReceipt struct {
	ID       string          `json:"id"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	Borrower string          `json:"borrower"`
	Block    uint64          `json:"block"`
}

// Settlement is the outcome of unwinding (part of) a position.
// Profit may be negative on the base-asset leg; a negative base outcome
// with positive reward compensation is a valid, reportable result.
type Settlement struct {
	Released  decimal.Decimal `json:"released"`  // base asset returned to owner
	Principal decimal.Decimal `json:"principal"` // principal share unwound
	Profit    decimal.Decimal `json:"profit"`    // released - principal (signed)
	Rewards   decimal.Decimal `json:"rewards"`   // reward tokens claimed
}
