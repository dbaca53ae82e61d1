package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for engine operations.
// Escrow is modelled as ledger entries mutated before any external token
// transfer: the batch is the first phase of the two-phase commit, the
// transfers the engine issues afterwards are side effects.
type JournalGenerator struct {
	tracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{tracker: tracker}
}

func (jg *JournalGenerator) entry(batch *Batch, jt JournalType, debit, credit AccountKey, amount *big.Int) {
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		MarketRef:     batch.MarketRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

// GenerateCreation builds the creation batch for one market:
//
//	stake in:     external:stakes        -> system:working_capital  (buyin)
//	escrow lock:  system:working_capital -> system:escrow_pool     (payout)
//	referrer cut: system:working_capital -> external:payouts       (if > 0)
//	safe box cut: system:working_capital -> system:safe_box        (if > 0)
//
// Pre-check: the net draw on working capital (payout + fee − buyin) must be
// covered, so the batch can never push working capital negative.
func (jg *JournalGenerator) GenerateCreation(
	marketID uuid.UUID,
	asset common.Address,
	buyin, payout, referrerCut, safeBoxCut *big.Int,
	timestamp time.Time,
) (*Batch, error) {
	netDraw := new(big.Int).Add(payout, referrerCut)
	netDraw.Add(netDraw, safeBoxCut)
	netDraw.Sub(netDraw, buyin)
	if err := jg.tracker.ValidateSufficientCapital(asset, netDraw); err != nil {
		return nil, fmt.Errorf("creation pre-check: %w", err)
	}

	batch := &Batch{
		BatchID:   uuid.New(),
		MarketRef: marketID.String(),
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}

	working := NewSystemAccountKey(SubTypeWorkingCapital, asset)

	jg.entry(batch, JournalTypeStakeIn,
		working, NewExternalAccountKey(SubTypeExternalStakes, asset), buyin)
	jg.entry(batch, JournalTypeEscrowLock,
		NewSystemAccountKey(SubTypeEscrowPool, asset), working, payout)
	if referrerCut.Sign() > 0 {
		jg.entry(batch, JournalTypeFeeReferrer,
			NewExternalAccountKey(SubTypeExternalPayouts, asset), working, referrerCut)
	}
	if safeBoxCut.Sign() > 0 {
		jg.entry(batch, JournalTypeFeeSafeBox,
			NewSystemAccountKey(SubTypeSafeBox, asset), working, safeBoxCut)
	}

	return batch, nil
}

// GeneratePayout builds the winning-resolution batch: the escrowed payout
// leaves the escrow pool for the user.
func (jg *JournalGenerator) GeneratePayout(
	marketID uuid.UUID,
	asset common.Address,
	payout *big.Int,
	timestamp time.Time,
) (*Batch, error) {
	escrow := NewSystemAccountKey(SubTypeEscrowPool, asset)
	if jg.tracker.GetBalance(escrow).Cmp(payout) < 0 {
		return nil, fmt.Errorf("escrow pool underfunded for market %s: have=%s, need=%s",
			marketID, jg.tracker.GetBalance(escrow), payout)
	}

	batch := &Batch{
		BatchID:   uuid.New(),
		MarketRef: marketID.String(),
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}
	jg.entry(batch, JournalTypePayout,
		NewExternalAccountKey(SubTypeExternalPayouts, asset), escrow, payout)
	return batch, nil
}

// GenerateEscrowReturn builds the losing-resolution batch: escrow reverts to
// the engine's working capital.
func (jg *JournalGenerator) GenerateEscrowReturn(
	marketID uuid.UUID,
	asset common.Address,
	payout *big.Int,
	timestamp time.Time,
) (*Batch, error) {
	escrow := NewSystemAccountKey(SubTypeEscrowPool, asset)
	if jg.tracker.GetBalance(escrow).Cmp(payout) < 0 {
		return nil, fmt.Errorf("escrow pool underfunded for market %s: have=%s, need=%s",
			marketID, jg.tracker.GetBalance(escrow), payout)
	}

	batch := &Batch{
		BatchID:   uuid.New(),
		MarketRef: marketID.String(),
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}
	jg.entry(batch, JournalTypeEscrowReturn,
		NewSystemAccountKey(SubTypeWorkingCapital, asset), escrow, payout)
	return batch, nil
}

// GenerateCapitalDeposit funds working capital from outside the engine.
func (jg *JournalGenerator) GenerateCapitalDeposit(
	asset common.Address,
	amount *big.Int,
	timestamp time.Time,
) (*Batch, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("capital deposit must be positive")
	}
	batch := &Batch{
		BatchID:   uuid.New(),
		MarketRef: "capital:deposit",
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}
	jg.entry(batch, JournalTypeCapitalDeposit,
		NewSystemAccountKey(SubTypeWorkingCapital, asset),
		NewExternalAccountKey(SubTypeExternalDeposits, asset), amount)
	return batch, nil
}

// GenerateCapitalWithdrawal drains working capital to outside the engine.
// Administrative path; escrowed funds are untouchable here by construction.
func (jg *JournalGenerator) GenerateCapitalWithdrawal(
	asset common.Address,
	amount *big.Int,
	timestamp time.Time,
) (*Batch, error) {
	if err := jg.tracker.ValidateSufficientCapital(asset, amount); err != nil {
		return nil, fmt.Errorf("capital withdrawal pre-check: %w", err)
	}
	batch := &Batch{
		BatchID:   uuid.New(),
		MarketRef: "capital:withdrawal",
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}
	jg.entry(batch, JournalTypeCapitalWithdrawal,
		NewExternalAccountKey(SubTypeExternalDeposits, asset),
		NewSystemAccountKey(SubTypeWorkingCapital, asset), amount)
	return batch, nil
}
