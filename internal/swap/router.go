// Package swap provides the funding-step collaborator: a router that
// converts an arbitrary asset into the strategy's base asset before the
// engine is funded. The engine itself never calls the router; it is
// external orchestration, consumed through the SwapExactInput contract.
//
// All monetary values use shopspring/decimal — never float64 for money.
package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/asset"
)

var (
	// ErrDeadlineExpired is returned when the swap deadline has passed.
	ErrDeadlineExpired = errors.New("swap: deadline expired")

	// ErrSlippage is returned when the output falls below minOut.
	ErrSlippage = errors.New("swap: output below minimum")

	// ErrUnknownPair is returned when no pool exists for the pair.
	ErrUnknownPair = errors.New("swap: unknown pair")

	// ErrInvalidAmount is returned for zero or negative input amounts.
	ErrInvalidAmount = errors.New("swap: amount must be positive")
)

// Router is the swap contract consumed by the funding step.
type Router interface {
	SwapExactInput(ctx context.Context, caller, fromAsset, toAsset string,
		amountIn, minOut decimal.Decimal, deadline time.Time) (decimal.Decimal, error)
}

// pool is one constant-product pair. Reserves live in the router's
// ledger account.
type pool struct {
	assetA, assetB     string
	reserveA, reserveB decimal.Decimal
}

// SimRouter is a Uniswap-V2-style constant-product router over the
// simulated asset ledger, with a 0.3% swap fee.
type SimRouter struct {
	mu      sync.Mutex
	ledger  *asset.Ledger
	account string
	fee     decimal.Decimal // input fee fraction, e.g. 0.003
	pools   map[string]*pool
}

// NewSimRouter creates a router settling through the given ledger account.
func NewSimRouter(ledger *asset.Ledger, account string) *SimRouter {
	return &SimRouter{
		ledger:  ledger,
		account: account,
		fee:     decimal.NewFromFloat(0.003),
		pools:   make(map[string]*pool),
	}
}

// AddLiquidity seeds a pair's reserves, minting the backing tokens to
// the router account. Fixture setup only.
func (r *SimRouter) AddLiquidity(assetA, assetB string, reserveA, reserveB decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ledger.Mint(r.account, assetA, reserveA); err != nil {
		return err
	}
	if err := r.ledger.Mint(r.account, assetB, reserveB); err != nil {
		return err
	}
	r.pools[pairKey(assetA, assetB)] = &pool{
		assetA: assetA, assetB: assetB,
		reserveA: reserveA, reserveB: reserveB,
	}
	return nil
}

// SwapExactInput swaps amountIn of fromAsset for toAsset at the
// constant-product price, enforcing minOut and the deadline.
func (r *SimRouter) SwapExactInput(ctx context.Context, caller, fromAsset, toAsset string,
	amountIn, minOut decimal.Decimal, deadline time.Time) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if amountIn.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return decimal.Zero, ErrDeadlineExpired
	}

	p, ok := r.pools[pairKey(fromAsset, toAsset)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrUnknownPair, fromAsset, toAsset)
	}

	reserveIn, reserveOut := p.reserveA, p.reserveB
	if fromAsset == p.assetB {
		reserveIn, reserveOut = p.reserveB, p.reserveA
	}

	// x*y=k with fee taken on the input side.
	inWithFee := amountIn.Mul(decimal.NewFromInt(1).Sub(r.fee))
	amountOut := reserveOut.Mul(inWithFee).Div(reserveIn.Add(inWithFee))

	if amountOut.LessThan(minOut) {
		return decimal.Zero, fmt.Errorf("%w: out %s < min %s", ErrSlippage, amountOut, minOut)
	}

	if err := r.ledger.Transfer(caller, r.account, fromAsset, amountIn); err != nil {
		return decimal.Zero, err
	}
	if err := r.ledger.Transfer(r.account, caller, toAsset, amountOut); err != nil {
		return decimal.Zero, err
	}

	if fromAsset == p.assetA {
		p.reserveA = p.reserveA.Add(amountIn)
		p.reserveB = p.reserveB.Sub(amountOut)
	} else {
		p.reserveB = p.reserveB.Add(amountIn)
		p.reserveA = p.reserveA.Sub(amountOut)
	}
	return amountOut, nil
}

// pairKey is order-independent.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "/" + b
}
