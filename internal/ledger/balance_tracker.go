package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances. Debits increase a
// balance, credits decrease it; the sum over all accounts of one asset is
// always zero.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount)
	bt.sub(j.CreditAccount, j.Amount)
}

// ApplyBatch validates and applies all journals in a batch.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}
	return nil
}

func (bt *BalanceTracker) add(key AccountKey, amount *big.Int) {
	bal, ok := bt.balances[key]
	if !ok {
		bal = new(big.Int)
		bt.balances[key] = bal
	}
	bal.Add(bal, amount)
}

func (bt *BalanceTracker) sub(key AccountKey, amount *big.Int) {
	bal, ok := bt.balances[key]
	if !ok {
		bal = new(big.Int)
		bt.balances[key] = bal
	}
	bal.Sub(bal, amount)
}

// GetBalance returns the current balance for an account.
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if bal, ok := bt.balances[key]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// WorkingCapital returns the engine's free capital in one collateral.
func (bt *BalanceTracker) WorkingCapital(asset common.Address) *big.Int {
	return bt.GetBalance(NewSystemAccountKey(SubTypeWorkingCapital, asset))
}

// EscrowPool returns the total escrow locked for active markets in one
// collateral.
func (bt *BalanceTracker) EscrowPool(asset common.Address) *big.Int {
	return bt.GetBalance(NewSystemAccountKey(SubTypeEscrowPool, asset))
}

// SafeBox returns the accrued protocol fees in one collateral.
func (bt *BalanceTracker) SafeBox(asset common.Address) *big.Int {
	return bt.GetBalance(NewSystemAccountKey(SubTypeSafeBox, asset))
}

// UserWallet returns a user's credited (won or referral) balance.
func (bt *BalanceTracker) UserWallet(user, asset common.Address) *big.Int {
	return bt.GetBalance(NewUserAccountKey(user, asset))
}

// ValidateSufficientCapital checks working capital covers a required amount.
func (bt *BalanceTracker) ValidateSufficientCapital(asset common.Address, required *big.Int) error {
	capital := bt.WorkingCapital(asset)
	if capital.Cmp(required) < 0 {
		return fmt.Errorf("insufficient working capital: have=%s, need=%s", capital, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset. Every total must
// be zero for a well-formed ledger.
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*big.Int {
	totals := make(map[common.Address]*big.Int)
	for key, bal := range bt.balances {
		total, ok := totals[key.Asset]
		if !ok {
			total = new(big.Int)
			totals[key.Asset] = total
		}
		total.Add(total, bal)
	}
	return totals
}

// Snapshot returns a copy of all balances.
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}
