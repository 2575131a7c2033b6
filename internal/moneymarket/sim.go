package moneymarket

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/asset"
)

var one = decimal.NewFromInt(1)

// SimConfig holds the fixture parameters of a simulated money market.
type SimConfig struct {
	PoolAccount      string          // ledger account holding pool liquidity
	Underlying       string          // e.g. "DAI"
	RewardAsset      string          // e.g. "COMP"
	CollateralFactor decimal.Decimal // e.g. 0.75
	SupplyRate       decimal.Decimal // interest per block on supplies
	BorrowRate       decimal.Decimal // interest per block on borrows
	RewardPerBlock   decimal.Decimal // reward tokens minted per block to suppliers
}

type simAccount struct {
	supplyShares decimal.Decimal
	borrow       decimal.Decimal // stored at borrowIndex below
	borrowIndex  decimal.Decimal
	rewardIndex  decimal.Decimal
	rewardOwed   decimal.Decimal
}

func (a *simAccount) clone() *simAccount {
	c := *a
	return &c
}

// SimMarket is a Compound-style money market simulation: supply shares
// appreciate through an exchange rate, debt compounds through a borrow
// index, and reward tokens accrue per block to suppliers in proportion
// to their shares. State advances only through AdvanceBlocks, keeping
// accrual deterministic for tests.
type SimMarket struct {
	mu  sync.Mutex
	cfg SimConfig

	ledger *asset.Ledger

	block        uint64
	accruedAt    uint64
	exchangeRate decimal.Decimal // underlying per supply share
	borrowIndex  decimal.Decimal
	rewardIndex  decimal.Decimal // cumulative rewards per supply share

	totalShares  decimal.Decimal
	totalBorrows decimal.Decimal // at current borrowIndex

	borrowCap decimal.Decimal // zero = uncapped
	paused    bool

	accounts map[string]*simAccount

	snapshots map[int]*simState
	nextSnap  int
}

type simState struct {
	block        uint64
	accruedAt    uint64
	exchangeRate decimal.Decimal
	borrowIndex  decimal.Decimal
	rewardIndex  decimal.Decimal
	totalShares  decimal.Decimal
	totalBorrows decimal.Decimal
	borrowCap    decimal.Decimal
	paused       bool
	accounts     map[string]*simAccount
}

// NewSimMarket creates a simulated market backed by the given asset
// ledger. Pool liquidity is whatever the pool account holds.
func NewSimMarket(ledger *asset.Ledger, cfg SimConfig) *SimMarket {
	return &SimMarket{
		cfg:          cfg,
		ledger:       ledger,
		exchangeRate: one,
		borrowIndex:  one,
		rewardIndex:  decimal.Zero,
		accounts:     make(map[string]*simAccount),
		snapshots:    make(map[int]*simState),
	}
}

// --- Protocol operations (per external account) ---

// Supply deposits underlying from the account into the pool and mints
// supply shares at the current exchange rate.
func (m *SimMarket) Supply(_ context.Context, account string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if m.paused {
		return ErrMarketPaused
	}
	m.accrue()

	acct := m.account(account)
	m.settleRewards(acct)

	if err := m.ledger.Transfer(account, m.cfg.PoolAccount, m.cfg.Underlying, amount); err != nil {
		return err
	}

	shares := amount.Div(m.exchangeRate)
	acct.supplyShares = acct.supplyShares.Add(shares)
	m.totalShares = m.totalShares.Add(shares)
	return nil
}

// Borrow draws underlying against the account's collateral.
func (m *SimMarket) Borrow(_ context.Context, account string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if m.paused {
		return ErrMarketPaused
	}
	m.accrue()

	acct := m.account(account)
	m.refreshBorrow(acct)

	newBorrow := acct.borrow.Add(amount)
	maxBorrow := acct.supplyShares.Mul(m.exchangeRate).Mul(m.cfg.CollateralFactor)
	if newBorrow.GreaterThan(maxBorrow) {
		return fmt.Errorf("%w: borrow %s > limit %s", ErrExceedsCollateral, newBorrow, maxBorrow)
	}

	if m.borrowCap.IsPositive() {
		if m.totalBorrows.Add(amount).GreaterThan(m.borrowCap) {
			return ErrBorrowCapExceeded
		}
	}

	if m.ledger.BalanceOf(m.cfg.PoolAccount, m.cfg.Underlying).LessThan(amount) {
		return ErrInsufficientLiquidity
	}
	if err := m.ledger.Transfer(m.cfg.PoolAccount, account, m.cfg.Underlying, amount); err != nil {
		return err
	}

	acct.borrow = newBorrow
	m.totalBorrows = m.totalBorrows.Add(amount)
	return nil
}

// Repay pays down the account's debt, capped at the outstanding amount.
// Returns the amount actually repaid.
func (m *SimMarket) Repay(_ context.Context, account string, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}
	m.accrue()

	acct := m.account(account)
	m.refreshBorrow(acct)

	repay := amount
	if repay.GreaterThan(acct.borrow) {
		repay = acct.borrow
	}
	if repay.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}

	if err := m.ledger.Transfer(account, m.cfg.PoolAccount, m.cfg.Underlying, repay); err != nil {
		return decimal.Zero, err
	}

	acct.borrow = acct.borrow.Sub(repay)
	m.totalBorrows = m.totalBorrows.Sub(repay)
	if m.totalBorrows.IsNegative() {
		m.totalBorrows = decimal.Zero
	}
	return repay, nil
}

// Redeem withdraws underlying collateral, burning shares at the current
// exchange rate. Fails if it would leave the account undercollateralized.
func (m *SimMarket) Redeem(_ context.Context, account string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if m.paused {
		return ErrMarketPaused
	}
	m.accrue()

	acct := m.account(account)
	m.refreshBorrow(acct)
	m.settleRewards(acct)

	supplied := acct.supplyShares.Mul(m.exchangeRate)
	if supplied.IsZero() {
		return ErrNoSupply
	}

	redeem := amount
	shares := redeem.Div(m.exchangeRate)
	if shares.GreaterThan(acct.supplyShares) {
		// Absorb rounding dust when redeeming the full balance.
		if redeem.Sub(supplied).Abs().GreaterThan(supplied.Mul(dust)) {
			return fmt.Errorf("%w: redeem %s > supplied %s", ErrNoSupply, redeem, supplied)
		}
		shares = acct.supplyShares
		redeem = supplied
	}

	remaining := acct.supplyShares.Sub(shares).Mul(m.exchangeRate)
	if remaining.Mul(m.cfg.CollateralFactor).LessThan(acct.borrow) {
		return fmt.Errorf("%w: remaining collateral %s cannot back debt %s",
			ErrExceedsCollateral, remaining, acct.borrow)
	}

	if m.ledger.BalanceOf(m.cfg.PoolAccount, m.cfg.Underlying).LessThan(redeem) {
		return ErrInsufficientLiquidity
	}
	if err := m.ledger.Transfer(m.cfg.PoolAccount, account, m.cfg.Underlying, redeem); err != nil {
		return err
	}

	acct.supplyShares = acct.supplyShares.Sub(shares)
	m.totalShares = m.totalShares.Sub(shares)
	return nil
}

// ClaimRewards mints every pending reward token to the account.
func (m *SimMarket) ClaimRewards(_ context.Context, account string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accrue()
	acct := m.account(account)
	m.settleRewards(acct)

	claimed := acct.rewardOwed
	if claimed.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	acct.rewardOwed = decimal.Zero
	if err := m.ledger.Mint(account, m.cfg.RewardAsset, claimed); err != nil {
		return decimal.Zero, err
	}
	return claimed, nil
}

// dust is the relative tolerance for full-balance redemption rounding.
var dust = decimal.New(1, -9) // 1e-9

// --- Views ---

// CollateralFactor returns the market's collateral factor.
func (m *SimMarket) CollateralFactor() decimal.Decimal {
	return m.cfg.CollateralFactor
}

// SupplyBalance returns the account's redeemable underlying value.
func (m *SimMarket) SupplyBalance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accrue()
	return m.account(account).supplyShares.Mul(m.exchangeRate)
}

// BorrowBalance returns the account's debt including accrued interest.
func (m *SimMarket) BorrowBalance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accrue()
	acct := m.account(account)
	m.refreshBorrow(acct)
	return acct.borrow
}

// PendingRewards returns the account's claimable reward tokens.
func (m *SimMarket) PendingRewards(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accrue()
	acct := m.account(account)
	m.settleRewards(acct)
	return acct.rewardOwed
}

// CurrentBlock returns the simulated block height.
func (m *SimMarket) CurrentBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block
}

// --- Simulation controls ---

// AdvanceBlocks mines n blocks, accruing interest and rewards.
func (m *SimMarket) AdvanceBlocks(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block += n
	m.accrue()
}

// SetPaused pauses or resumes the market (failure injection).
func (m *SimMarket) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// SetBorrowCap caps total borrows; zero removes the cap.
func (m *SimMarket) SetBorrowCap(cap decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.borrowCap = cap
}

// Snapshot records the market state; pair with RevertTo/Discard.
func (m *SimMarket) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make(map[string]*simAccount, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v.clone()
	}
	id := m.nextSnap
	m.nextSnap++
	m.snapshots[id] = &simState{
		block:        m.block,
		accruedAt:    m.accruedAt,
		exchangeRate: m.exchangeRate,
		borrowIndex:  m.borrowIndex,
		rewardIndex:  m.rewardIndex,
		totalShares:  m.totalShares,
		totalBorrows: m.totalBorrows,
		borrowCap:    m.borrowCap,
		paused:       m.paused,
		accounts:     accounts,
	}
	return id
}

// RevertTo restores the state recorded by Snapshot.
func (m *SimMarket) RevertTo(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[id]
	if !ok {
		return fmt.Errorf("moneymarket: unknown snapshot %d", id)
	}
	m.block = s.block
	m.accruedAt = s.accruedAt
	m.exchangeRate = s.exchangeRate
	m.borrowIndex = s.borrowIndex
	m.rewardIndex = s.rewardIndex
	m.totalShares = s.totalShares
	m.totalBorrows = s.totalBorrows
	m.borrowCap = s.borrowCap
	m.paused = s.paused
	m.accounts = s.accounts
	delete(m.snapshots, id)
	return nil
}

// Discard drops a snapshot without reverting.
func (m *SimMarket) Discard(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
}

// --- Internal accrual (lock held) ---

func (m *SimMarket) account(name string) *simAccount {
	acct, ok := m.accounts[name]
	if !ok {
		acct = &simAccount{
			borrowIndex: m.borrowIndex,
			rewardIndex: m.rewardIndex,
		}
		m.accounts[name] = acct
	}
	return acct
}

// accrue rolls the exchange rate, borrow index, and reward index forward
// to the current block.
func (m *SimMarket) accrue() {
	if m.block <= m.accruedAt {
		return
	}
	blocks := int64(m.block - m.accruedAt)
	n := decimal.NewFromInt(blocks)

	if m.cfg.SupplyRate.IsPositive() && m.totalShares.IsPositive() {
		m.exchangeRate = m.exchangeRate.Mul(one.Add(m.cfg.SupplyRate).Pow(n))
	}
	if m.cfg.BorrowRate.IsPositive() && m.totalBorrows.IsPositive() {
		factor := one.Add(m.cfg.BorrowRate).Pow(n)
		m.borrowIndex = m.borrowIndex.Mul(factor)
		m.totalBorrows = m.totalBorrows.Mul(factor)
	}
	if m.cfg.RewardPerBlock.IsPositive() && m.totalShares.IsPositive() {
		earned := m.cfg.RewardPerBlock.Mul(n)
		m.rewardIndex = m.rewardIndex.Add(earned.Div(m.totalShares))
	}
	m.accruedAt = m.block
}

// refreshBorrow brings the account's stored debt up to the current
// borrow index.
func (m *SimMarket) refreshBorrow(acct *simAccount) {
	if acct.borrow.IsPositive() && m.borrowIndex.GreaterThan(acct.borrowIndex) {
		acct.borrow = acct.borrow.Mul(m.borrowIndex).Div(acct.borrowIndex)
	}
	acct.borrowIndex = m.borrowIndex
}

// settleRewards credits rewards earned since the account's last index.
func (m *SimMarket) settleRewards(acct *simAccount) {
	if m.rewardIndex.GreaterThan(acct.rewardIndex) && acct.supplyShares.IsPositive() {
		delta := m.rewardIndex.Sub(acct.rewardIndex)
		acct.rewardOwed = acct.rewardOwed.Add(acct.supplyShares.Mul(delta))
	}
	acct.rewardIndex = m.rewardIndex
}
