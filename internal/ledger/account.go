package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType identifies the account purpose within a scope.
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeWorkingCapital
	SubTypeEscrowPool
	SubTypeSafeBox

	// External sub-types (token boundary)
	SubTypeExternalStakes
	SubTypeExternalPayouts
	SubTypeExternalDeposits
)

// AccountKey identifies one balance bucket: who holds what, in which
// collateral token. Asset is the collateral token address.
type AccountKey struct {
	Scope   AccountScope
	Entity  common.Address
	SubType AccountSubType
	Asset   common.Address
}

// NewUserAccountKey creates a key for a user's wallet bucket in one collateral.
func NewUserAccountKey(user common.Address, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Entity:  user,
		SubType: SubTypeWallet,
		Asset:   asset,
	}
}

// NewSystemAccountKey creates a key for an engine-owned bucket.
func NewSystemAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for a token-boundary bucket. External
// accounts absorb the counter-entries of funds crossing into or out of the
// engine, keeping the ledger zero-sum.
func NewExternalAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string form used for storage and logging.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Entity.Hex(), k.subTypeName(), k.Asset.Hex())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset.Hex())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeWorkingCapital:
		return "working_capital"
	case SubTypeEscrowPool:
		return "escrow_pool"
	case SubTypeSafeBox:
		return "safe_box"
	case SubTypeExternalStakes:
		return "stakes"
	case SubTypeExternalPayouts:
		return "payouts"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}
