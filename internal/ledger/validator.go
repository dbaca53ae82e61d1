package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants after batches are applied.
// Violations are programming errors, not request errors: the engine treats
// them as fatal.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

// ValidateBatchBalance verifies a batch is well-formed before application.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, total := range v.tracker.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset.Hex(), total)
		}
	}
	return nil
}

// ValidateEscrowNonNegative verifies the escrow pool never goes negative:
// resolution can only release escrow that creation locked.
func (v *InvariantValidator) ValidateEscrowNonNegative(asset common.Address) error {
	if bal := v.tracker.EscrowPool(asset); bal.Sign() < 0 {
		return fmt.Errorf("escrow pool for %s is negative: %s", asset.Hex(), bal)
	}
	return nil
}

// ValidateWorkingCapitalNonNegative verifies the engine never spends capital
// it does not hold.
func (v *InvariantValidator) ValidateWorkingCapitalNonNegative(asset common.Address) error {
	if bal := v.tracker.WorkingCapital(asset); bal.Sign() < 0 {
		return fmt.Errorf("working capital for %s is negative: %s", asset.Hex(), bal)
	}
	return nil
}
