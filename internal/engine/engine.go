// Package engine implements the leveraged yield-farming strategy core:
// opening a flash-loan-boosted position in a money market and later
// unwinding it, releasing principal, interest, and reward accrual to
// the owner.
//
// One engine instance owns one position. Open and close each execute as
// a single serialized, all-or-nothing operation: every adapter call
// inside the flash-loan callback commits together or not at all, and no
// caller can observe an intermediate state of the loop.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/asset"
	"github.com/loopfarm/farm-engine/internal/flashloan"
	"github.com/loopfarm/farm-engine/internal/ledger"
	"github.com/loopfarm/farm-engine/internal/model"
	"github.com/loopfarm/farm-engine/internal/moneymarket"
	"github.com/loopfarm/farm-engine/internal/settle"
)

var one = decimal.NewFromInt(1)

// fullCloseTolerance absorbs rounding when a close amount targets the
// entire supplied balance.
var fullCloseTolerance = decimal.New(1, -9) // 1e-9

// Config holds the engine's strategy parameters.
type Config struct {
	Account      string          // the engine's own ledger account
	Owner        string          // account receiving proceeds and rewards
	BaseAsset    string          // e.g. "DAI"
	RewardAsset  string          // e.g. "COMP"
	SafetyMargin decimal.Decimal // borrow buffer under the collateral factor, < 1
}

// Engine orchestrates the deposit (open) and withdraw (close) flows.
// Uses a mutex for serialized execution (single-instance); multiple
// concurrent strategies require independent engine instances.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	assets  *asset.Ledger
	market  moneymarket.Market
	lender  flashloan.Lender
	store   ledger.Store
	blockFn func() uint64

	pos *model.Position

	// accepting gates inflows to the engine account: transfers outside
	// the funding step or an active loop are rejected.
	accepting atomic.Bool
}

// New creates an engine and installs its transfer guard. The position
// starts Empty; Fund then Open bring it to life.
func New(cfg Config, assets *asset.Ledger, market moneymarket.Market,
	lender flashloan.Lender, store ledger.Store, blockFn func() uint64) *Engine {

	e := &Engine{
		cfg:     cfg,
		assets:  assets,
		market:  market,
		lender:  lender,
		store:   store,
		blockFn: blockFn,
		pos: &model.Position{
			ID:               uuid.New().String(),
			Owner:            cfg.Owner,
			Asset:            cfg.BaseAsset,
			Principal:        decimal.Zero,
			SuppliedBalance:  decimal.Zero,
			BorrowedBalance:  decimal.Zero,
			TargetLeverage:   decimal.Zero,
			AchievedLeverage: decimal.Zero,
			Status:           model.StatusEmpty,
		},
	}

	assets.SetGuard(cfg.Account, func(from, assetSym string, amount decimal.Decimal) error {
		if e.accepting.Load() {
			return nil
		}
		return fmt.Errorf("account %s accepts transfers only during funding or an active operation", cfg.Account)
	})

	return e
}

// Fund is the defined funding step: the owner (or a swap collaborator
// acting for the owner) moves base asset into the engine before open.
// Any other inflow is rejected by the transfer guard.
func (e *Engine) Fund(ctx context.Context, from string, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount.LessThanOrEqual(decimal.Zero) {
		return asset.ErrInvalidAmount
	}

	e.accepting.Store(true)
	defer e.accepting.Store(false)

	if err := e.assets.Transfer(from, e.cfg.Account, e.cfg.BaseAsset, amount); err != nil {
		return err
	}

	entry := e.entry(model.OpFund, e.cfg.BaseAsset, amount)
	if err := e.store.InsertEntry(ctx, &entry); err != nil {
		return err
	}

	slog.Info("engine funded", "from", from, "amount", amount.String(), "asset", e.cfg.BaseAsset)
	return nil
}

// Open deposits principal at the target leverage. If the target cannot
// be reached within the money market's borrow limit, the engine
// proceeds at the maximum safely achievable leverage — a policy choice,
// reported through the returned position's AchievedLeverage, not a
// failure. On any adapter failure the whole operation aborts with no
// observable state change.
func (e *Engine) Open(ctx context.Context, principal, targetLeverage decimal.Decimal) (*model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if principal.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInsufficientPrincipal
	}
	if targetLeverage.LessThan(one) {
		return nil, ErrInvalidLeverage
	}
	if e.pos.Status != model.StatusEmpty {
		return nil, ErrPositionNotEmpty
	}
	if e.assets.BalanceOf(e.cfg.Account, e.cfg.BaseAsset).LessThan(principal) {
		return nil, ErrInsufficientFunding
	}

	cf := e.market.CollateralFactor()
	flash := e.sizeFlashLoan(principal, targetLeverage, cf)
	achieved := principal.Add(flash).Div(principal)

	if achieved.LessThan(targetLeverage) {
		slog.Warn("target leverage unreachable, proceeding at maximum safe ratio",
			"target", targetLeverage.String(),
			"achieved", achieved.String(),
			"collateral_factor", cf.String(),
		)
	}

	var entries []model.LedgerEntry

	e.accepting.Store(true)
	defer e.accepting.Store(false)

	if flash.IsPositive() {
		receipt, err := e.lender.Execute(ctx, e.cfg.BaseAsset, flash,
			func(ctx context.Context, amount, fee decimal.Decimal) error {
				total := principal.Add(amount)
				if err := e.market.Supply(ctx, total); err != nil {
					return err
				}

				borrow := amount.Add(fee)
				limit := e.market.SupplyBalance().Mul(cf).Mul(e.cfg.SafetyMargin)
				if borrow.GreaterThan(limit) {
					return fmt.Errorf("%w: need %s, limit %s", ErrCollateralFactorExceeded, borrow, limit)
				}
				if err := e.market.Borrow(ctx, borrow); err != nil {
					return err
				}

				if err := e.assets.Transfer(e.cfg.Account, e.lender.PoolAccount(),
					e.cfg.BaseAsset, amount.Add(fee)); err != nil {
					return err
				}

				if !e.market.SupplyBalance().Mul(cf).GreaterThanOrEqual(e.market.BorrowBalance()) {
					return ErrCollateralFactorExceeded
				}

				entries = append(entries,
					e.entry(model.OpFlashLoan, e.cfg.BaseAsset, amount),
					e.entry(model.OpSupply, e.cfg.BaseAsset, total),
					e.entry(model.OpBorrow, e.cfg.BaseAsset, borrow),
					e.entry(model.OpFlashBack, e.cfg.BaseAsset, amount.Add(fee)),
				)
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		slog.Info("flash loan settled", "receipt", receipt.ID,
			"amount", receipt.Amount.String(), "fee", receipt.Fee.String())
	} else {
		// Target leverage 1: plain supply, no loan needed.
		if err := e.market.Supply(ctx, principal); err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		entries = append(entries, e.entry(model.OpSupply, e.cfg.BaseAsset, principal))
	}

	now := time.Now().UTC()
	e.pos.Principal = principal
	e.pos.SuppliedBalance = e.market.SupplyBalance()
	e.pos.BorrowedBalance = e.market.BorrowBalance()
	e.pos.TargetLeverage = targetLeverage
	e.pos.AchievedLeverage = achieved
	e.pos.Status = model.StatusOpen
	e.pos.OpenedAt = now

	if err := e.store.Commit(ctx, e.pos, entries); err != nil {
		return nil, fmt.Errorf("open: commit: %w", err)
	}

	slog.Info("position opened",
		"id", e.pos.ID,
		"principal", principal.String(),
		"supplied", e.pos.SuppliedBalance.String(),
		"borrowed", e.pos.BorrowedBalance.String(),
		"achieved_leverage", achieved.String(),
	)

	cp := *e.pos
	return &cp, nil
}

// Close unwinds amount of the supplied balance: a flash loan repays the
// proportional debt, the freed collateral is redeemed, the loan is
// repaid from the redeemed leg, and the remainder plus claimed rewards
// settles to the owner. A full unwind transitions the position to
// Closed; partial withdrawals keep it Open with reduced balances.
func (e *Engine) Close(ctx context.Context, amount decimal.Decimal) (model.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var zero model.Settlement

	if e.pos.Status != model.StatusOpen {
		return zero, ErrPositionNotOpen
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return zero, asset.ErrInvalidAmount
	}

	supplied := e.market.SupplyBalance()
	borrowed := e.market.BorrowBalance()

	if amount.GreaterThan(supplied.Mul(one.Add(fullCloseTolerance))) {
		return zero, fmt.Errorf("%w: %s > %s", ErrCloseExceedsSupplied, amount, supplied)
	}

	full := amount.GreaterThanOrEqual(supplied.Mul(one.Sub(fullCloseTolerance)))
	if full {
		amount = supplied
	}

	share := amount.Div(supplied)
	debtShare := borrowed
	if !full {
		debtShare = borrowed.Mul(share)
	}

	principalShare := e.pos.Principal
	if !full {
		principalShare = e.pos.Principal.Mul(share)
	}

	e.pos.Status = model.StatusUnwinding
	restore := func() { e.pos.Status = model.StatusOpen }

	var entries []model.LedgerEntry
	var released, rewards decimal.Decimal

	unwind := func(ctx context.Context, loan, fee decimal.Decimal) error {
		if loan.IsPositive() {
			repaid, err := e.market.Repay(ctx, loan)
			if err != nil {
				return err
			}
			entries = append(entries, e.entry(model.OpRepay, e.cfg.BaseAsset, repaid))
		}

		if err := e.market.Redeem(ctx, amount); err != nil {
			return err
		}
		entries = append(entries, e.entry(model.OpRedeem, e.cfg.BaseAsset, amount))

		owed := loan.Add(fee)
		if owed.IsPositive() {
			if e.assets.BalanceOf(e.cfg.Account, e.cfg.BaseAsset).LessThan(owed) {
				return fmt.Errorf("%w: owe %s", ErrRedemptionShortfall, owed)
			}
			if err := e.assets.Transfer(e.cfg.Account, e.lender.PoolAccount(),
				e.cfg.BaseAsset, owed); err != nil {
				return err
			}
			entries = append(entries, e.entry(model.OpFlashBack, e.cfg.BaseAsset, owed))
		}

		claimed, err := e.market.ClaimRewards(ctx)
		if err != nil {
			return err
		}
		rewards = claimed
		if rewards.IsPositive() {
			if err := e.assets.Transfer(e.cfg.Account, e.cfg.Owner,
				e.cfg.RewardAsset, rewards); err != nil {
				return err
			}
			entries = append(entries, e.entry(model.OpClaim, e.cfg.RewardAsset, rewards))
		}

		released = amount.Sub(owed)
		if released.IsNegative() {
			// Covered by funding headroom; nothing left to release.
			released = decimal.Zero
		}
		if released.IsPositive() {
			if err := e.assets.Transfer(e.cfg.Account, e.cfg.Owner,
				e.cfg.BaseAsset, released); err != nil {
				return err
			}
			entries = append(entries, e.entry(model.OpRelease, e.cfg.BaseAsset, released))
		}
		return nil
	}

	e.accepting.Store(true)
	defer e.accepting.Store(false)

	if debtShare.IsPositive() {
		entries = append(entries, e.entry(model.OpFlashLoan, e.cfg.BaseAsset, debtShare))
		if _, err := e.lender.Execute(ctx, e.cfg.BaseAsset, debtShare, unwind); err != nil {
			restore()
			return zero, fmt.Errorf("close: %w", err)
		}
	} else {
		if err := unwind(ctx, decimal.Zero, decimal.Zero); err != nil {
			restore()
			return zero, fmt.Errorf("close: %w", err)
		}
	}

	settlement, err := settle.Settle(released, principalShare, rewards)
	if err != nil {
		restore()
		return zero, fmt.Errorf("close: %w", err)
	}

	now := time.Now().UTC()
	e.pos.SuppliedBalance = e.market.SupplyBalance()
	e.pos.BorrowedBalance = e.market.BorrowBalance()
	e.pos.Principal = e.pos.Principal.Sub(principalShare)
	if full {
		e.pos.Principal = decimal.Zero
		e.pos.Status = model.StatusClosed
		e.pos.ClosedAt = &now
	} else {
		e.pos.Status = model.StatusOpen
	}

	if err := e.store.Commit(ctx, e.pos, entries); err != nil {
		return zero, fmt.Errorf("close: commit: %w", err)
	}

	slog.Info("position unwound",
		"id", e.pos.ID,
		"amount", amount.String(),
		"released", settlement.Released.String(),
		"profit", settlement.Profit.String(),
		"rewards", settlement.Rewards.String(),
		"status", string(e.pos.Status),
	)

	return settlement, nil
}

// Status returns the position's lifecycle state.
func (e *Engine) Status() model.PositionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos.Status
}

// Position returns a snapshot of the owned position.
func (e *Engine) Position() *model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.pos
	return &cp
}

// sizeFlashLoan computes the loan size for the open loop. The requested
// size is principal*(L-1); it is capped so that the post-supply borrow
// of loan*(1+feeRate) stays within collateralFactor*safetyMargin of the
// supplied total:
//
//	loan*(1+f) <= (principal+loan)*c*s
//	loan <= principal*c*s / (1 + f - c*s)
func (e *Engine) sizeFlashLoan(principal, targetLeverage, cf decimal.Decimal) decimal.Decimal {
	requested := principal.Mul(targetLeverage.Sub(one))
	if requested.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	cs := cf.Mul(e.cfg.SafetyMargin)
	denom := one.Add(e.lender.FeeRate()).Sub(cs)
	if denom.LessThanOrEqual(decimal.Zero) {
		return requested
	}

	// RoundDown keeps division rounding from nudging the cap past the
	// exact borrow limit.
	maxFlash := principal.Mul(cs).Div(denom).RoundDown(12)
	if requested.GreaterThan(maxFlash) {
		return maxFlash
	}
	return requested
}

// entry builds a ledger record stamped with the current block.
func (e *Engine) entry(op, assetSym string, amount decimal.Decimal) model.LedgerEntry {
	return model.LedgerEntry{
		ID:         uuid.New().String(),
		PositionID: e.pos.ID,
		Op:         op,
		Asset:      assetSym,
		Amount:     amount,
		Block:      e.blockFn(),
		Timestamp:  time.Now().UTC(),
	}
}
