// Package asset provides the simulated asset ledger the protocol
// adapters move funds through: per-holder token balances, transfer
// guards, and snapshot/revert journaling for all-or-nothing execution.
// All monetary values use shopspring/decimal — never float64 for money.
package asset

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the
	// sender's balance.
	ErrInsufficientBalance = errors.New("asset: insufficient balance")

	// ErrUnexpectedTransfer is returned when a transfer targets an
	// account whose guard rejects the inflow. Prevents stranded,
	// unaccounted-for balances on guarded accounts.
	ErrUnexpectedTransfer = errors.New("asset: unexpected transfer rejected")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("asset: amount must be positive")

	// ErrUnknownSnapshot is returned when reverting to a snapshot id
	// that was never taken or was already discarded.
	ErrUnknownSnapshot = errors.New("asset: unknown snapshot id")
)

// Guard decides whether a guarded account accepts an inflow of the
// given asset and amount. Returning an error rejects the transfer.
type Guard func(from, asset string, amount decimal.Decimal) error

// Ledger tracks token balances per (holder, asset) pair. It plays the
// role of the ERC-20 token set in the simulated protocol: the money
// market, flash lender, swap router, engine, and owner all settle
// through one Ledger instance.
type Ledger struct {
	mu        sync.RWMutex
	balances  map[string]map[string]decimal.Decimal // holder → asset → balance
	guards    map[string]Guard
	snapshots map[int]map[string]map[string]decimal.Decimal
	nextSnap  int
}

// NewLedger creates an empty asset ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:  make(map[string]map[string]decimal.Decimal),
		guards:    make(map[string]Guard),
		snapshots: make(map[int]map[string]map[string]decimal.Decimal),
	}
}

// Mint credits newly created units to a holder. Used for fixture
// funding (pool liquidity, owner capital) — not subject to guards.
func (l *Ledger) Mint(holder, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(holder, asset, amount)
	return nil
}

// Transfer moves amount of asset from one holder to another. The
// receiver's guard, if set, may reject the inflow.
func (l *Ledger) Transfer(from, to, asset string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if guard, ok := l.guards[to]; ok {
		if err := guard(from, asset, amount); err != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedTransfer, err)
		}
	}

	bal := l.balances[from][asset]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, from, bal, asset, amount)
	}

	l.balances[from][asset] = bal.Sub(amount)
	l.credit(to, asset, amount)
	return nil
}

// BalanceOf returns the holder's balance of asset (zero if none).
func (l *Ledger) BalanceOf(holder, asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[holder][asset]
}

// SetGuard installs a transfer guard on an account. Pass nil to remove.
func (l *Ledger) SetGuard(holder string, g Guard) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g == nil {
		delete(l.guards, holder)
		return
	}
	l.guards[holder] = g
}

// Snapshot records the current balance state and returns an id that
// can be passed to RevertTo. Mirrors EVM snapshot semantics: reverting
// discards every mutation made since the snapshot was taken.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := make(map[string]map[string]decimal.Decimal, len(l.balances))
	for holder, assets := range l.balances {
		inner := make(map[string]decimal.Decimal, len(assets))
		for a, b := range assets {
			inner[a] = b
		}
		copied[holder] = inner
	}

	id := l.nextSnap
	l.nextSnap++
	l.snapshots[id] = copied
	return id
}

// RevertTo restores the balance state recorded by Snapshot and
// discards the snapshot.
func (l *Ledger) RevertTo(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	saved, ok := l.snapshots[id]
	if !ok {
		return ErrUnknownSnapshot
	}
	l.balances = saved
	delete(l.snapshots, id)
	return nil
}

// Discard drops a snapshot without reverting (successful commit path).
func (l *Ledger) Discard(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.snapshots, id)
}

// credit assumes the lock is held.
func (l *Ledger) credit(holder, asset string, amount decimal.Decimal) {
	if l.balances[holder] == nil {
		l.balances[holder] = make(map[string]decimal.Decimal)
	}
	l.balances[holder][asset] = l.balances[holder][asset].Add(amount)
}
