package market

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Direction is the side of a directional price bet.
type Direction int32

const (
	DirectionUp Direction = iota
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "UP"
	case DirectionDown:
		return "DOWN"
	default:
		return "Unknown"
	}
}

// ParseDirection converts a wire string ("UP"/"DOWN") to a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "UP", "up":
		return DirectionUp, true
	case "DOWN", "down":
		return DirectionDown, true
	default:
		return DirectionUp, false
	}
}

// Market is a single-leg directional contract. Created once, mutated exactly
// once at resolution, never deleted: records move between the active and
// matured partitions of the Store.
type Market struct {
	ID         uuid.UUID
	Owner      common.Address
	Asset      string
	Direction  Direction
	StrikeTime time.Time
	// StrikePrice is the canonical 18-decimal reference price the outcome
	// is measured against.
	StrikePrice *big.Int
	// BuyinAmount is in the collateral token's native decimals.
	BuyinAmount *big.Int
	Collateral  common.Address
	// EscrowedPayout is in collateral native decimals, owned by the engine
	// until resolution.
	EscrowedPayout *big.Int
	// RiskReserved is the 18-decimal USD exposure reserved at creation.
	// Release at resolution uses this recorded amount, not a recomputed
	// one, so collateral price drift cannot leak exposure.
	RiskReserved *big.Int
	CreatedAt    time.Time

	Resolved     bool
	FinalPrice   *big.Int
	IsUserWinner bool
	ResolvedAt   time.Time
}

// ChainedMarket is a sequence of 2..6 directional legs. Each leg's target is
// the previous leg's settlement price; the user must win every leg.
type ChainedMarket struct {
	ID         uuid.UUID
	Owner      common.Address
	Asset      string
	Directions []Direction
	// TimeFrame is the per-leg duration.
	TimeFrame time.Duration
	// InitialStrikeTime is the first leg's strike timestamp. Leg i is
	// expected at InitialStrikeTime + i*TimeFrame.
	InitialStrikeTime time.Time
	// StrikeTime is the final leg's strike timestamp.
	StrikeTime  time.Time
	StrikePrice *big.Int
	// PayoutMultiplier is the wad-scaled per-leg scalar selected by chain
	// length at creation time.
	PayoutMultiplier *big.Int
	BuyinAmount      *big.Int
	Collateral       common.Address
	EscrowedPayout   *big.Int
	// RiskReserved mirrors Market.RiskReserved; the whole chain's exposure
	// is booked under the first leg's direction.
	RiskReserved *big.Int
	CreatedAt    time.Time

	Resolved     bool
	FinalPrices  []*big.Int
	IsUserWinner bool
	ResolvedAt   time.Time
}

// NumLegs returns the chain length.
func (cm *ChainedMarket) NumLegs() int {
	return len(cm.Directions)
}

// LegStrikeTime returns the expected strike timestamp of leg i.
func (cm *ChainedMarket) LegStrikeTime(i int) time.Time {
	return cm.InitialStrikeTime.Add(time.Duration(i) * cm.TimeFrame)
}

// RiskDirection returns the direction whose exposure the chain reserves
// against: the first leg's direction carries the aggregate cap accounting.
func (cm *ChainedMarket) RiskDirection() Direction {
	return cm.Directions[0]
}
