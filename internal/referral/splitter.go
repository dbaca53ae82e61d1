package referral

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"speedmarkets/internal/fixed"
)

// Tier classifies a referrer address.
type Tier int32

const (
	TierNone Tier = iota
	TierDefault
	TierSilver
	TierGold
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierDefault:
		return "default"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	default:
		return "unknown"
	}
}

// TierRegistry resolves an address to a fee tier. Injected; external.
type TierRegistry interface {
	Tier(addr common.Address) Tier
}

// StaticTiers is a map-backed TierRegistry. Addresses not present resolve to
// TierDefault: any non-zero referrer earns at least the default rate.
type StaticTiers map[common.Address]Tier

func (s StaticTiers) Tier(addr common.Address) Tier {
	if t, ok := s[addr]; ok {
		return t
	}
	return TierDefault
}

// Splitter divides the total fee between a referrer and the protocol safe
// box. Both cuts are paid from the fee portion of the stake, never from the
// escrowed payout.
type Splitter struct {
	registry TierRegistry
	rates    map[Tier]*big.Int
}

// NewSplitter builds a splitter with wad-scaled per-tier rates. TierNone is
// always zero.
func NewSplitter(registry TierRegistry, defaultRate, silverRate, goldRate *big.Int) *Splitter {
	return &Splitter{
		registry: registry,
		rates: map[Tier]*big.Int{
			TierNone:    big.NewInt(0),
			TierDefault: new(big.Int).Set(defaultRate),
			TierSilver:  new(big.Int).Set(silverRate),
			TierGold:    new(big.Int).Set(goldRate),
		},
	}
}

// Rate returns the wad-scaled rate for a tier.
func (s *Splitter) Rate(t Tier) *big.Int {
	if r, ok := s.rates[t]; ok {
		return new(big.Int).Set(r)
	}
	return big.NewInt(0)
}

// Split computes referrerCut = buyin*tierRate and safeBoxCut =
// buyin*totalFeeRate − referrerCut. The two cuts always sum to
// buyin*totalFeeRate exactly; the referrer cut never exceeds the total fee.
// A zero referrer address earns nothing.
func (s *Splitter) Split(buyin, totalFeeRate *big.Int, referrer common.Address) (referrerCut, safeBoxCut *big.Int, tier Tier) {
	totalFee := fixed.MulWad(buyin, totalFeeRate)

	tier = TierNone
	if referrer != (common.Address{}) {
		tier = s.registry.Tier(referrer)
	}

	referrerCut = fixed.MulWad(buyin, s.Rate(tier))
	if referrerCut.Cmp(totalFee) > 0 {
		referrerCut = new(big.Int).Set(totalFee)
	}
	safeBoxCut = new(big.Int).Sub(totalFee, referrerCut)
	return referrerCut, safeBoxCut, tier
}
