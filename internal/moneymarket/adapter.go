package moneymarket

import (
	"context"

	"github.com/shopspring/decimal"
)

// Adapter binds a SimMarket to one strategy account, exposing the
// engine-facing Market interface. It is a thin shim: all protocol rules
// (collateral limits, caps, pauses, accrual) live in the market itself.
type Adapter struct {
	market  *SimMarket
	account string
}

// NewAdapter creates an adapter acting on behalf of account.
func NewAdapter(market *SimMarket, account string) *Adapter {
	return &Adapter{market: market, account: account}
}

func (a *Adapter) Supply(ctx context.Context, amount decimal.Decimal) error {
	return a.market.Supply(ctx, a.account, amount)
}

func (a *Adapter) Borrow(ctx context.Context, amount decimal.Decimal) error {
	return a.market.Borrow(ctx, a.account, amount)
}

func (a *Adapter) Repay(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	return a.market.Repay(ctx, a.account, amount)
}

func (a *Adapter) Redeem(ctx context.Context, amount decimal.Decimal) error {
	return a.market.Redeem(ctx, a.account, amount)
}

func (a *Adapter) CollateralFactor() decimal.Decimal {
	return a.market.CollateralFactor()
}

func (a *Adapter) SupplyBalance() decimal.Decimal {
	return a.market.SupplyBalance(a.account)
}

func (a *Adapter) BorrowBalance() decimal.Decimal {
	return a.market.BorrowBalance(a.account)
}

func (a *Adapter) PendingRewards() decimal.Decimal {
	return a.market.PendingRewards(a.account)
}

func (a *Adapter) ClaimRewards(ctx context.Context) (decimal.Decimal, error) {
	return a.market.ClaimRewards(ctx, a.account)
}
