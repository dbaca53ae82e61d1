package pricing

import (
	"fmt"
	"math/big"
	"sort"

	"speedmarkets/internal/fixed"
	"speedmarkets/internal/market"
)

// SkewSource exposes the current directional imbalance as a wad-scaled ratio
// in [0,1]. Satisfied by risk.Registry.
type SkewSource interface {
	Utilization(asset string, dir market.Direction) *big.Int
}

// FeeTier maps a time-to-maturity threshold to a base fee rate.
type FeeTier struct {
	// ThresholdMinutes is the upper bound (inclusive) of the maturity
	// window this rate applies to.
	ThresholdMinutes int
	// Rate is the wad-scaled base LP fee.
	Rate *big.Int
}

// FeeSchedule is the read-only fee configuration consulted on the creation
// hot path. Mutated only through Replace, outside request processing.
type FeeSchedule struct {
	tiers []FeeTier
	// defaultRate applies to maturities beyond the largest threshold.
	defaultRate *big.Int
	// maxSkewImpact is the wad-scaled fee added at 100% directional
	// utilization; scales linearly below that.
	maxSkewImpact *big.Int
}

// NewFeeSchedule builds a schedule from tiers (any order), a fallback rate
// and the maximum skew impact. Tiers are sorted ascending by threshold.
func NewFeeSchedule(tiers []FeeTier, defaultRate, maxSkewImpact *big.Int) (*FeeSchedule, error) {
	if defaultRate == nil || defaultRate.Sign() < 0 {
		return nil, fmt.Errorf("pricing: default rate must be non-negative")
	}
	if maxSkewImpact == nil || maxSkewImpact.Sign() < 0 {
		return nil, fmt.Errorf("pricing: max skew impact must be non-negative")
	}
	sorted := make([]FeeTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ThresholdMinutes < sorted[j].ThresholdMinutes
	})
	for i, tier := range sorted {
		if tier.ThresholdMinutes <= 0 {
			return nil, fmt.Errorf("pricing: tier threshold must be positive, got %d", tier.ThresholdMinutes)
		}
		if tier.Rate == nil || tier.Rate.Sign() < 0 {
			return nil, fmt.Errorf("pricing: tier %d rate must be non-negative", tier.ThresholdMinutes)
		}
		if i > 0 && tier.ThresholdMinutes == sorted[i-1].ThresholdMinutes {
			return nil, fmt.Errorf("pricing: duplicate tier threshold %d", tier.ThresholdMinutes)
		}
	}
	return &FeeSchedule{
		tiers:         sorted,
		defaultRate:   new(big.Int).Set(defaultRate),
		maxSkewImpact: new(big.Int).Set(maxSkewImpact),
	}, nil
}

// BaseRate returns the table entry for the smallest configured threshold
// >= timeToMaturityMinutes, or the default rate past the largest threshold.
func (s *FeeSchedule) BaseRate(timeToMaturityMinutes int) *big.Int {
	for _, tier := range s.tiers {
		if timeToMaturityMinutes <= tier.ThresholdMinutes {
			return new(big.Int).Set(tier.Rate)
		}
	}
	return new(big.Int).Set(s.defaultRate)
}

// MaxSkewImpact returns the configured ceiling of the skew surcharge.
func (s *FeeSchedule) MaxSkewImpact() *big.Int {
	return new(big.Int).Set(s.maxSkewImpact)
}

// Calculator derives the dynamic LP fee from time to maturity and the
// current directional imbalance. The fee determines how much of the stake
// the protocol retains; it never changes the payout multiplier.
type Calculator struct {
	schedule *FeeSchedule
	skew     SkewSource
}

func NewCalculator(schedule *FeeSchedule, skew SkewSource) *Calculator {
	return &Calculator{schedule: schedule, skew: skew}
}

// Fee returns baseRate(ttm) + utilization*maxSkewImpact as a wad-scaled rate.
func (c *Calculator) Fee(asset string, dir market.Direction, timeToMaturityMinutes int) *big.Int {
	base := c.schedule.BaseRate(timeToMaturityMinutes)
	skewRatio := fixed.Clamp01(c.skew.Utilization(asset, dir))
	impact := fixed.MulWad(skewRatio, c.schedule.maxSkewImpact)
	return base.Add(base, impact)
}

// Replace swaps the fee schedule. Configuration path only; never called
// concurrently with Fee.
func (c *Calculator) Replace(schedule *FeeSchedule) {
	c.schedule = schedule
}
