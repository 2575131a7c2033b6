// Package flashloan provides the single-transaction loan adapter: funds
// are handed to a caller-supplied callback and the whole execution is
// rolled back as a unit unless principal plus fee is returned before the
// callback's effects commit. This all-or-nothing contract is the
// backbone of the engine's atomicity guarantee.
//
// All monetary values use shopspring/decimal — never float64 for money.
package flashloan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/asset"
	"github.com/loopfarm/farm-engine/internal/model"
)

var (
	// ErrRepaymentFailed is returned when the pool does not hold
	// principal + fee after the callback returns. The operation's
	// effects are reverted before this is surfaced.
	ErrRepaymentFailed = errors.New("flashloan: repayment not satisfied")

	// ErrInsufficientLiquidity is returned when the pool cannot fund
	// the requested amount.
	ErrInsufficientLiquidity = errors.New("flashloan: insufficient pool liquidity")

	// ErrInvalidAmount is returned for zero or negative loan amounts.
	ErrInvalidAmount = errors.New("flashloan: amount must be positive")
)

// Callback receives the borrowed funds (already credited to the
// borrower) and must arrange for amount+fee to be back in the pool by
// the time it returns. Any error aborts and reverts the whole execution.
type Callback func(ctx context.Context, amount, fee decimal.Decimal) error

// Lender is the engine-facing flash loan capability.
type Lender interface {
	// Execute borrows amount of asset for the duration of fn. Either fn
	// completes and the pool is made whole (plus fee), or every state
	// mutation performed inside fn is rolled back.
	Execute(ctx context.Context, assetSym string, amount decimal.Decimal, fn Callback) (*model.FlashLoanReceipt, error)

	// FeeRate returns the proportional loan fee (0 for Balancer-style pools).
	FeeRate() decimal.Decimal

	// PoolAccount is the ledger account repayments must be sent to.
	PoolAccount() string
}

// Reverter is a state domain that participates in all-or-nothing
// execution: the asset ledger, the simulated money market, and any
// other mutable protocol state.
type Reverter interface {
	Snapshot() int
	RevertTo(id int) error
	Discard(id int)
}

// SimLender is an uncollateralized lending pool over the simulated
// asset ledger. Before invoking the callback it snapshots every
// registered state domain; on any failure it reverts them all.
type SimLender struct {
	mu sync.Mutex

	ledger      *asset.Ledger
	poolAccount string
	borrower    string
	feeRate     decimal.Decimal
	blockFn     func() uint64 // current block for receipts

	domains []Reverter
}

// NewSimLender creates a flash lender funding loans from poolAccount to
// borrower. blockFn supplies the block height stamped on receipts.
func NewSimLender(ledger *asset.Ledger, poolAccount, borrower string, feeRate decimal.Decimal, blockFn func() uint64) *SimLender {
	l := &SimLender{
		ledger:      ledger,
		poolAccount: poolAccount,
		borrower:    borrower,
		feeRate:     feeRate,
		blockFn:     blockFn,
	}
	l.domains = append(l.domains, ledger)
	return l
}

// Register adds a state domain to the rollback set.
func (l *SimLender) Register(r Reverter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domains = append(l.domains, r)
}

// FeeRate returns the proportional fee charged on loans.
func (l *SimLender) FeeRate() decimal.Decimal {
	return l.feeRate
}

// PoolAccount returns the account repayments must be sent to.
func (l *SimLender) PoolAccount() string {
	return l.poolAccount
}

// Execute implements Lender. Loans are serialized; there is no
// re-entrant or concurrent flash borrowing in this design.
func (l *SimLender) Execute(ctx context.Context, assetSym string, amount decimal.Decimal, fn Callback) (*model.FlashLoanReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	poolBefore := l.ledger.BalanceOf(l.poolAccount, assetSym)
	if poolBefore.LessThan(amount) {
		return nil, fmt.Errorf("%w: pool holds %s, requested %s",
			ErrInsufficientLiquidity, poolBefore, amount)
	}

	fee := amount.Mul(l.feeRate)

	snaps := make([]int, len(l.domains))
	for i, d := range l.domains {
		snaps[i] = d.Snapshot()
	}
	revert := func() {
		// Reverse order so the asset ledger (registered first) restores last.
		for i := len(l.domains) - 1; i >= 0; i-- {
			l.domains[i].RevertTo(snaps[i])
		}
	}

	if err := l.ledger.Transfer(l.poolAccount, l.borrower, assetSym, amount); err != nil {
		revert()
		return nil, err
	}

	if err := fn(ctx, amount, fee); err != nil {
		revert()
		return nil, err
	}

	poolAfter := l.ledger.BalanceOf(l.poolAccount, assetSym)
	if poolAfter.LessThan(poolBefore.Add(fee)) {
		revert()
		return nil, fmt.Errorf("%w: pool holds %s, requires %s",
			ErrRepaymentFailed, poolAfter, poolBefore.Add(fee))
	}

	for i, d := range l.domains {
		d.Discard(snaps[i])
	}

	return &model.FlashLoanReceipt{
		ID:       uuid.New().String(),
		Asset:    assetSym,
		Amount:   amount,
		Fee:      fee,
		Borrower: l.borrower,
		Block:    l.blockFn(),
	}, nil
}
