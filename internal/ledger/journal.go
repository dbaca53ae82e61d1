package ledger

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// JournalType is the purpose of a journal entry.
type JournalType int32

const (
	// JournalTypeStakeIn records a user's buy-in entering working capital.
	JournalTypeStakeIn JournalType = iota
	// JournalTypeEscrowLock moves the full payout from working capital
	// into the escrow pool at market creation.
	JournalTypeEscrowLock
	// JournalTypeFeeReferrer pays the referrer cut out of the fee.
	JournalTypeFeeReferrer
	// JournalTypeFeeSafeBox accrues the protocol cut of the fee.
	JournalTypeFeeSafeBox
	// JournalTypePayout releases escrow to a winning user.
	JournalTypePayout
	// JournalTypeEscrowReturn returns a losing market's escrow to
	// working capital.
	JournalTypeEscrowReturn
	// JournalTypeCapitalDeposit funds working capital from outside.
	JournalTypeCapitalDeposit
	// JournalTypeCapitalWithdrawal is an administrative drain of
	// working capital.
	JournalTypeCapitalWithdrawal
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeStakeIn:
		return "stake_in"
	case JournalTypeEscrowLock:
		return "escrow_lock"
	case JournalTypeFeeReferrer:
		return "fee_referrer"
	case JournalTypeFeeSafeBox:
		return "fee_safe_box"
	case JournalTypePayout:
		return "payout"
	case JournalTypeEscrowReturn:
		return "escrow_return"
	case JournalTypeCapitalDeposit:
		return "capital_deposit"
	case JournalTypeCapitalWithdrawal:
		return "capital_withdrawal"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry transfer: a positive amount moves from
// the credit account to the debit account.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	// MarketRef ties the entry to the market (or admin operation) that
	// produced it.
	MarketRef     string
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Amount        *big.Int
	JournalType   JournalType
	Timestamp     time.Time
}

// Batch groups the journal entries of one engine operation. Each entry is
// individually balanced by construction; a batch is applied atomically.
type Batch struct {
	BatchID   uuid.UUID
	MarketRef string
	Timestamp time.Time
	Journals  []Journal
}

// Validate ensures the batch is well-formed: non-empty, positive amounts,
// consistent batch ids, no self-transfers, matching assets per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.CreditAccount.Asset {
			return fmt.Errorf("journal %s crosses assets %s -> %s",
				j.JournalID, j.CreditAccount.Asset.Hex(), j.DebitAccount.Asset.Hex())
		}
	}

	return nil
}
