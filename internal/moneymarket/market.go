// Package moneymarket wraps the supply/borrow/redeem/repay primitives of
// an external lending protocol behind a thin adapter interface, and ships
// a Compound-style in-process simulation of that protocol for tests and
// local runs.
//
// All monetary values use shopspring/decimal — never float64 for money.
package moneymarket

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketPaused is returned when the protocol has paused the market.
	ErrMarketPaused = errors.New("moneymarket: market is paused")

	// ErrInsufficientLiquidity is returned when the pool cannot cover a
	// borrow or redemption.
	ErrInsufficientLiquidity = errors.New("moneymarket: insufficient pool liquidity")

	// ErrBorrowCapExceeded is returned when a borrow would push total
	// borrows beyond the protocol's cap.
	ErrBorrowCapExceeded = errors.New("moneymarket: borrow cap exceeded")

	// ErrExceedsCollateral is returned when a borrow or redemption would
	// leave the account beyond its collateral limit.
	ErrExceedsCollateral = errors.New("moneymarket: exceeds collateral limit")

	// ErrNoSupply is returned when redeeming with no supplied balance.
	ErrNoSupply = errors.New("moneymarket: no supplied balance")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("moneymarket: amount must be positive")
)

// Market is the capability set the leverage engine needs from a lending
// protocol, bound to the strategy's own account. Every call either
// succeeds with updated balances or fails with a protocol-reported
// error; callers must treat any failure as a hard stop of the current
// operation.
type Market interface {
	// Supply deposits underlying into the market as collateral.
	Supply(ctx context.Context, amount decimal.Decimal) error

	// Borrow draws underlying against the supplied collateral.
	Borrow(ctx context.Context, amount decimal.Decimal) error

	// Repay pays down debt; repayment beyond the outstanding debt is
	// capped. Returns the amount actually repaid.
	Repay(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)

	// Redeem withdraws underlying collateral from the market.
	Redeem(ctx context.Context, amount decimal.Decimal) error

	// CollateralFactor is the protocol's live maximum borrow-to-collateral
	// ratio for the underlying asset.
	CollateralFactor() decimal.Decimal

	// SupplyBalance is the account's current redeemable underlying value,
	// including accrued supply interest.
	SupplyBalance() decimal.Decimal

	// BorrowBalance is the account's current debt including accrued
	// borrow interest.
	BorrowBalance() decimal.Decimal

	// PendingRewards is the reward-token amount claimable by the account.
	PendingRewards() decimal.Decimal

	// ClaimRewards transfers all pending reward tokens to the account
	// and returns the claimed amount.
	ClaimRewards(ctx context.Context) (decimal.Decimal, error)
}
