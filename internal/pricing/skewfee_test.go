package pricing_test

import (
	"math/big"
	"testing"

	"speedmarkets/internal/fixed"
	"speedmarkets/internal/market"
	"speedmarkets/internal/pricing"
)

type fixedSkew struct{ ratio *big.Int }

func (f fixedSkew) Utilization(string, market.Direction) *big.Int {
	return new(big.Int).Set(f.ratio)
}

func testSchedule(t *testing.T) *pricing.FeeSchedule {
	t.Helper()
	s, err := pricing.NewFeeSchedule(
		[]pricing.FeeTier{
			{ThresholdMinutes: 60, Rate: fixed.MustParseDecimal("0.01")},
			{ThresholdMinutes: 10, Rate: fixed.MustParseDecimal("0.02")},
			{ThresholdMinutes: 30, Rate: fixed.MustParseDecimal("0.015")},
		},
		fixed.MustParseDecimal("0.005"),
		fixed.MustParseDecimal("0.01"),
	)
	if err != nil {
		t.Fatalf("NewFeeSchedule: %v", err)
	}
	return s
}

func TestBaseRate_SmallestThresholdAtOrAbove(t *testing.T) {
	s := testSchedule(t)

	cases := []struct {
		ttm  int
		want string
	}{
		{5, "0.02"},   // within the 10m tier
		{10, "0.02"},  // boundary is inclusive
		{11, "0.015"}, // next tier
		{30, "0.015"},
		{45, "0.01"},
		{60, "0.01"},
		{61, "0.005"}, // past the largest threshold: default
		{600, "0.005"},
	}
	for _, tc := range cases {
		got := s.BaseRate(tc.ttm)
		if got.Cmp(fixed.MustParseDecimal(tc.want)) != 0 {
			t.Errorf("BaseRate(%d) = %s, want %s", tc.ttm, fixed.FormatDecimal(got), tc.want)
		}
	}
}

func TestFee_NoSkew(t *testing.T) {
	calc := pricing.NewCalculator(testSchedule(t), fixedSkew{big.NewInt(0)})

	got := calc.Fee("ETH", market.DirectionUp, 10)
	if got.Cmp(fixed.MustParseDecimal("0.02")) != 0 {
		t.Errorf("fee = %s, want base rate 0.02", fixed.FormatDecimal(got))
	}
}

func TestFee_SkewImpactScalesLinearly(t *testing.T) {
	// 50% utilization with 1% max impact adds 0.005.
	calc := pricing.NewCalculator(testSchedule(t), fixedSkew{fixed.MustParseDecimal("0.5")})

	got := calc.Fee("ETH", market.DirectionUp, 10)
	if got.Cmp(fixed.MustParseDecimal("0.025")) != 0 {
		t.Errorf("fee = %s, want 0.02 + 0.005", fixed.FormatDecimal(got))
	}
}

func TestFee_FullSkewAddsMaxImpact(t *testing.T) {
	calc := pricing.NewCalculator(testSchedule(t), fixedSkew{fixed.Wad()})

	got := calc.Fee("ETH", market.DirectionDown, 61)
	if got.Cmp(fixed.MustParseDecimal("0.015")) != 0 {
		t.Errorf("fee = %s, want default 0.005 + full impact 0.01", fixed.FormatDecimal(got))
	}
}

func TestFee_SkewAboveOneClamps(t *testing.T) {
	calc := pricing.NewCalculator(testSchedule(t), fixedSkew{fixed.MustParseDecimal("3")})

	got := calc.Fee("ETH", market.DirectionUp, 10)
	if got.Cmp(fixed.MustParseDecimal("0.03")) != 0 {
		t.Errorf("fee = %s, want clamped 0.02 + 0.01", fixed.FormatDecimal(got))
	}
}

func TestNewFeeSchedule_Validation(t *testing.T) {
	rate := fixed.MustParseDecimal("0.01")

	_, err := pricing.NewFeeSchedule(
		[]pricing.FeeTier{{ThresholdMinutes: 0, Rate: rate}}, rate, rate)
	if err == nil {
		t.Error("zero threshold should fail")
	}

	_, err = pricing.NewFeeSchedule(
		[]pricing.FeeTier{
			{ThresholdMinutes: 10, Rate: rate},
			{ThresholdMinutes: 10, Rate: rate},
		}, rate, rate)
	if err == nil {
		t.Error("duplicate thresholds should fail")
	}

	_, err = pricing.NewFeeSchedule(nil, nil, rate)
	if err == nil {
		t.Error("nil default rate should fail")
	}
}
