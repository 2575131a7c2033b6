package flashloan

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/asset"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLender(t *testing.T, feeRate decimal.Decimal) (*SimLender, *asset.Ledger) {
	t.Helper()
	l := asset.NewLedger()
	l.Mint("pool", "DAI", d(10_000))
	lender := NewSimLender(l, "pool", "borrower", feeRate, func() uint64 { return 7 })
	return lender, l
}

// --- Successful loan tests ---

func TestExecute_RepaidLoanCommits(t *testing.T) {
	lender, l := newTestLender(t, decimal.Zero)
	ctx := context.Background()

	receipt, err := lender.Execute(ctx, "DAI", d(500), func(ctx context.Context, amount, fee decimal.Decimal) error {
		// Borrower holds the loan inside the callback.
		if !l.BalanceOf("borrower", "DAI").Equal(d(500)) {
			t.Errorf("expected borrower to hold 500, got %s", l.BalanceOf("borrower", "DAI"))
		}
		return l.Transfer("borrower", "pool", "DAI", amount.Add(fee))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !receipt.Amount.Equal(d(500)) {
		t.Errorf("expected receipt amount 500, got %s", receipt.Amount)
	}
	if !receipt.Fee.IsZero() {
		t.Errorf("expected zero fee, got %s", receipt.Fee)
	}
	if receipt.Block != 7 {
		t.Errorf("expected block 7, got %d", receipt.Block)
	}
	if !l.BalanceOf("pool", "DAI").Equal(d(10_000)) {
		t.Errorf("expected pool restored to 10000, got %s", l.BalanceOf("pool", "DAI"))
	}
}

func TestExecute_FeeCharged(t *testing.T) {
	lender, l := newTestLender(t, d(0.001))
	l.Mint("borrower", "DAI", d(10)) // headroom to cover the fee
	ctx := context.Background()

	receipt, err := lender.Execute(ctx, "DAI", d(1000), func(ctx context.Context, amount, fee decimal.Decimal) error {
		return l.Transfer("borrower", "pool", "DAI", amount.Add(fee))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Fee.Equal(d(1)) {
		t.Errorf("expected fee 1, got %s", receipt.Fee)
	}
	if !l.BalanceOf("pool", "DAI").Equal(d(10_001)) {
		t.Errorf("expected pool to gain the fee, got %s", l.BalanceOf("pool", "DAI"))
	}
}

// --- Failure and rollback tests ---

func TestExecute_CallbackErrorRevertsEverything(t *testing.T) {
	lender, l := newTestLender(t, decimal.Zero)
	boom := errors.New("strategy failed")

	_, err := lender.Execute(context.Background(), "DAI", d(500), func(ctx context.Context, amount, fee decimal.Decimal) error {
		// Mutate state, then fail: the mutation must not survive.
		l.Transfer("borrower", "elsewhere", "DAI", d(500))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	if !l.BalanceOf("pool", "DAI").Equal(d(10_000)) {
		t.Errorf("expected pool restored, got %s", l.BalanceOf("pool", "DAI"))
	}
	if !l.BalanceOf("borrower", "DAI").IsZero() {
		t.Errorf("expected borrower restored to 0, got %s", l.BalanceOf("borrower", "DAI"))
	}
	if !l.BalanceOf("elsewhere", "DAI").IsZero() {
		t.Errorf("expected side transfer reverted, got %s", l.BalanceOf("elsewhere", "DAI"))
	}
}

func TestExecute_MissingRepaymentReverts(t *testing.T) {
	lender, l := newTestLender(t, decimal.Zero)

	_, err := lender.Execute(context.Background(), "DAI", d(500), func(ctx context.Context, amount, fee decimal.Decimal) error {
		// Keep the funds: the pool is left short.
		return nil
	})
	if !errors.Is(err, ErrRepaymentFailed) {
		t.Fatalf("expected ErrRepaymentFailed, got %v", err)
	}
	if !l.BalanceOf("pool", "DAI").Equal(d(10_000)) {
		t.Errorf("expected pool restored, got %s", l.BalanceOf("pool", "DAI"))
	}
	if !l.BalanceOf("borrower", "DAI").IsZero() {
		t.Errorf("expected borrower restored, got %s", l.BalanceOf("borrower", "DAI"))
	}
}

func TestExecute_PartialRepaymentReverts(t *testing.T) {
	lender, l := newTestLender(t, d(0.01))

	_, err := lender.Execute(context.Background(), "DAI", d(100), func(ctx context.Context, amount, fee decimal.Decimal) error {
		// Principal returned but not the fee.
		return l.Transfer("borrower", "pool", "DAI", amount)
	})
	if !errors.Is(err, ErrRepaymentFailed) {
		t.Fatalf("expected ErrRepaymentFailed, got %v", err)
	}
	if !l.BalanceOf("pool", "DAI").Equal(d(10_000)) {
		t.Errorf("expected pool restored, got %s", l.BalanceOf("pool", "DAI"))
	}
}

func TestExecute_InsufficientLiquidity(t *testing.T) {
	lender, _ := newTestLender(t, decimal.Zero)

	_, err := lender.Execute(context.Background(), "DAI", d(10_001), func(ctx context.Context, amount, fee decimal.Decimal) error {
		return nil
	})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestExecute_InvalidAmount(t *testing.T) {
	lender, _ := newTestLender(t, decimal.Zero)

	_, err := lender.Execute(context.Background(), "DAI", d(0), func(ctx context.Context, amount, fee decimal.Decimal) error {
		return nil
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

// --- Registered domain tests ---

// countingDomain records snapshot/revert/discard calls.
type countingDomain struct {
	snapshots int
	reverts   int
	discards  int
}

func (c *countingDomain) Snapshot() int         { c.snapshots++; return c.snapshots }
func (c *countingDomain) RevertTo(id int) error { c.reverts++; return nil }
func (c *countingDomain) Discard(id int)        { c.discards++ }

func TestExecute_RegisteredDomainRevertedOnFailure(t *testing.T) {
	lender, _ := newTestLender(t, decimal.Zero)
	dom := &countingDomain{}
	lender.Register(dom)

	lender.Execute(context.Background(), "DAI", d(100), func(ctx context.Context, amount, fee decimal.Decimal) error {
		return errors.New("abort")
	})

	if dom.snapshots != 1 || dom.reverts != 1 || dom.discards != 0 {
		t.Errorf("expected snapshot+revert, got snapshots=%d reverts=%d discards=%d",
			dom.snapshots, dom.reverts, dom.discards)
	}
}

func TestExecute_RegisteredDomainDiscardedOnSuccess(t *testing.T) {
	lender, l := newTestLender(t, decimal.Zero)
	dom := &countingDomain{}
	lender.Register(dom)

	_, err := lender.Execute(context.Background(), "DAI", d(100), func(ctx context.Context, amount, fee decimal.Decimal) error {
		return l.Transfer("borrower", "pool", "DAI", amount)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dom.snapshots != 1 || dom.reverts != 0 || dom.discards != 1 {
		t.Errorf("expected snapshot+discard, got snapshots=%d reverts=%d discards=%d",
			dom.snapshots, dom.reverts, dom.discards)
	}
}
