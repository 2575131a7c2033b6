package engine

import "errors"

var (
	// ErrInsufficientPrincipal is returned when open is called with a
	// zero or negative principal.
	ErrInsufficientPrincipal = errors.New("engine: principal must be positive")

	// ErrInvalidLeverage is returned when the target leverage is below 1.
	ErrInvalidLeverage = errors.New("engine: target leverage must be >= 1")

	// ErrPositionNotEmpty is returned when open is called twice; one
	// engine instance owns exactly one position per cycle.
	ErrPositionNotEmpty = errors.New("engine: position already opened")

	// ErrPositionNotOpen is returned when close is called with no open
	// position.
	ErrPositionNotOpen = errors.New("engine: position is not open")

	// ErrInsufficientFunding is returned when the engine does not hold
	// the principal being deposited. Fund must run first.
	ErrInsufficientFunding = errors.New("engine: principal exceeds funded balance")

	// ErrCollateralFactorExceeded is returned if the loop would borrow
	// beyond the collateral limit. Loop sizing prevents this from ever
	// triggering in practice; if it triggers, the operation aborts.
	ErrCollateralFactorExceeded = errors.New("engine: borrow would exceed collateral limit")

	// ErrCloseExceedsSupplied is returned when close requests more than
	// the redeemable supplied balance.
	ErrCloseExceedsSupplied = errors.New("engine: close amount exceeds supplied balance")

	// ErrRedemptionShortfall is returned when redeemed collateral plus
	// headroom cannot cover the flash loan repayment. The close aborts
	// atomically rather than leave a partially repaid loan.
	ErrRedemptionShortfall = errors.New("engine: redemption cannot cover flash loan repayment")
)
