package engine_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedmarkets/internal/collateral"
	"speedmarkets/internal/engine"
	"speedmarkets/internal/fixed"
	"speedmarkets/internal/ledger"
	"speedmarkets/internal/market"
	"speedmarkets/internal/observability"
	"speedmarkets/internal/oracle"
	"speedmarkets/internal/pricing"
	"speedmarkets/internal/referral"
	"speedmarkets/internal/risk"
)

var (
	usdcAddr = common.HexToAddress("0x01")
	susdAddr = common.HexToAddress("0x02")
	eurcAddr = common.HexToAddress("0x03")

	adminAddr    = common.HexToAddress("0xad")
	ownerAddr    = common.HexToAddress("0xbe")
	resolverAddr = common.HexToAddress("0xre")
	goldAddr     = common.HexToAddress("0x60")

	baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

type stubPrices map[string]*big.Int

func (s stubPrices) Price(key string) (*big.Int, error) {
	p, ok := s[key]
	if !ok {
		return nil, collateral.ErrPriceUnavailable
	}
	return p, nil
}

type transferRec struct {
	token common.Address
	who   common.Address
	amt   *big.Int
}

type recordingTransferer struct {
	in  []transferRec
	out []transferRec
}

func (r *recordingTransferer) TransferIn(token, from common.Address, amount *big.Int) error {
	r.in = append(r.in, transferRec{token, from, new(big.Int).Set(amount)})
	return nil
}

func (r *recordingTransferer) TransferOut(token, to common.Address, amount *big.Int) error {
	r.out = append(r.out, transferRec{token, to, new(big.Int).Set(amount)})
	return nil
}

type fixture struct {
	engine  *engine.Engine
	risk    *risk.Registry
	tracker *ledger.BalanceTracker
	store   *market.Store
	tokens  *recordingTransferer
	metrics *observability.Metrics
	feedID  [32]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	prices := stubPrices{
		"USD":  fixed.MustParseDecimal("1"),
		"USDC": fixed.MustParseDecimal("1"),
		"SUSD": fixed.MustParseDecimal("1"),
		"EURC": fixed.MustParseDecimal("1.25"),
	}
	norm := collateral.NewNormalizer(prices, "USD")
	require.NoError(t, norm.Register(usdcAddr, collateral.Config{
		Supported: true, BonusRate: big.NewInt(0), Decimals: 6, PriceKey: "USDC",
	}))
	require.NoError(t, norm.Register(susdAddr, collateral.Config{
		Supported: true, BonusRate: fixed.MustParseDecimal("0.05"), Decimals: 18, PriceKey: "SUSD",
	}))
	require.NoError(t, norm.Register(eurcAddr, collateral.Config{
		Supported: true, BonusRate: big.NewInt(0), Decimals: 18, PriceKey: "EURC",
	}))

	reg := risk.NewRegistry()
	reg.AddAsset("ETH", fixed.MustParseDecimal("2000"), fixed.MustParseDecimal("1000"))

	schedule, err := pricing.NewFeeSchedule(
		[]pricing.FeeTier{
			{ThresholdMinutes: 10, Rate: fixed.MustParseDecimal("0.02")},
			{ThresholdMinutes: 60, Rate: fixed.MustParseDecimal("0.01")},
		},
		fixed.MustParseDecimal("0.005"),
		fixed.MustParseDecimal("0.01"),
	)
	require.NoError(t, err)

	validator := oracle.NewValidator(oracle.NopVerifier{}, 60*time.Second)
	feedID := oracle.FeedIDForAsset("ETH")
	validator.RegisterFeed("ETH", feedID)

	splitter := referral.NewSplitter(
		referral.StaticTiers{goldAddr: referral.TierGold},
		fixed.MustParseDecimal("0.005"),
		fixed.MustParseDecimal("0.0075"),
		fixed.MustParseDecimal("0.01"),
	)

	tracker := ledger.NewBalanceTracker()
	store := market.NewStore()
	tokens := &recordingTransferer{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())

	eng, err := engine.New(engine.Params{
		Log:         zerolog.Nop(),
		Metrics:     metrics,
		Store:       store,
		Risk:        reg,
		Collaterals: norm,
		Fees:        pricing.NewCalculator(schedule, reg),
		Oracle:      validator,
		Splitter:    splitter,
		Tracker:     tracker,
		Tokens:      tokens,
		Limits: engine.Limits{
			MinBuyinUSD:     fixed.MustParseDecimal("3"),
			MaxBuyinUSD:     fixed.MustParseDecimal("1000"),
			MinDuration:     time.Minute,
			MaxDuration:     24 * time.Hour,
			MinTimeFrame:    2 * time.Minute,
			MaxTimeFrame:    10 * time.Minute,
			MinChainLength:  2,
			MaxChainLength:  6,
			DefaultSlippage: fixed.MustParseDecimal("0.02"),
		},
		Multipliers: map[int]*big.Int{
			2: fixed.MustParseDecimal("1.70"),
			3: fixed.MustParseDecimal("1.78"),
			4: fixed.MustParseDecimal("1.82"),
			5: fixed.MustParseDecimal("1.84"),
			6: fixed.MustParseDecimal("1.90"),
		},
		Admin:     adminAddr,
		Resolvers: []common.Address{resolverAddr},
	})
	require.NoError(t, err)

	// 100k of working capital in each collateral.
	require.NoError(t, eng.DepositCapital(adminAddr, usdcAddr, usdc("100000"), baseTime))
	require.NoError(t, eng.DepositCapital(adminAddr, susdAddr, fixed.MustParseDecimal("100000"), baseTime))
	require.NoError(t, eng.DepositCapital(adminAddr, eurcAddr, fixed.MustParseDecimal("100000"), baseTime))

	return &fixture{
		engine:  eng,
		risk:    reg,
		tracker: tracker,
		store:   store,
		tokens:  tokens,
		metrics: metrics,
		feedID:  feedID,
	}
}

// usdc converts a decimal string to 6-decimal native units.
func usdc(s string) *big.Int {
	return fixed.ToUnits(fixed.MustParseDecimal(s), 6)
}

// ethEvidence builds a verified price report for the ETH feed.
func ethEvidence(t *testing.T, f *fixture, price string, at time.Time) []byte {
	t.Helper()
	raw, err := oracle.EncodeReport(f.feedID, at, at, fixed.MustParseDecimal(price))
	require.NoError(t, err)
	return raw
}

func createReq(t *testing.T, f *fixture, buyin *big.Int, token common.Address, dir market.Direction, strike time.Time) engine.CreateRequest {
	t.Helper()
	return engine.CreateRequest{
		Owner:         ownerAddr,
		Asset:         "ETH",
		Direction:     dir,
		StrikeTime:    strike,
		Buyin:         buyin,
		Collateral:    token,
		ExpectedPrice: fixed.MustParseDecimal("2500"),
		Evidence:      ethEvidence(t, f, "2500", baseTime),
	}
}

func TestCreateMarket_SingleLeg(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.CreateMarket(
		createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	require.NoError(t, err)

	assert.Equal(t, engine.KindSingle, res.Kind)
	assert.Equal(t, usdc("20"), res.Payout, "single-leg payout is exactly 2x the buy-in")
	assert.Equal(t, fixed.MustParseDecimal("10"), res.BuyinUSD)
	assert.Equal(t, fixed.MustParseDecimal("2500"), res.StrikePrice)
	assert.Equal(t, fixed.MustParseDecimal("0.02"), res.FeeRate, "5 minutes to maturity hits the 10-minute tier")
	assert.Equal(t, fixed.MustParseDecimal("10"), res.RiskReserved, "risk is payout minus buy-in, in USD")

	// 200k units = 0.2 USDC fee, no referrer, all to the safe box.
	assert.Zero(t, res.ReferrerCut.Sign())
	assert.Equal(t, big.NewInt(200_000), res.SafeBoxCut)
	assert.Equal(t, referral.TierNone, res.ReferralTier)

	assert.Equal(t, usdc("20"), f.tracker.EscrowPool(usdcAddr))
	assert.Equal(t, big.NewInt(200_000), f.tracker.SafeBox(usdcAddr))
	assert.Equal(t, fixed.MustParseDecimal("10"), f.risk.Current("ETH"))
	assert.Equal(t, fixed.MustParseDecimal("10"), f.risk.CurrentDirectional("ETH", market.DirectionUp))

	// The stake was pulled from the owner.
	require.Len(t, f.tokens.in, 4) // three capital deposits + the stake
	assert.Equal(t, ownerAddr, f.tokens.in[3].who)
	assert.Equal(t, usdc("10"), f.tokens.in[3].amt)

	active, matured := f.store.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, matured)
}

func TestCreateMarket_ReferralSplit(t *testing.T) {
	f := newFixture(t)

	req := createReq(t, f, usdc("100"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute))
	req.Referrer = goldAddr

	res, err := f.engine.CreateMarket(req, baseTime)
	require.NoError(t, err)

	// 2% total fee on 100 USDC; gold referrers take a 1% cut of the buy-in.
	assert.Equal(t, referral.TierGold, res.ReferralTier)
	assert.Equal(t, usdc("1"), res.ReferrerCut)
	assert.Equal(t, usdc("1"), res.SafeBoxCut)

	// Referrer cut is paid out immediately.
	last := f.tokens.out[len(f.tokens.out)-1]
	assert.Equal(t, goldAddr, last.who)
	assert.Equal(t, usdc("1"), last.amt)
}

func TestCreateMarket_FeeSplitAccruesMetrics(t *testing.T) {
	f := newFixture(t)

	req := createReq(t, f, usdc("100"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute))
	req.Referrer = goldAddr
	_, err := f.engine.CreateMarket(req, baseTime)
	require.NoError(t, err)

	// 1 USDC to the referrer and 1 USDC to the safe box, 1 USD each here.
	assert.InDelta(t, 1.0,
		promtestutil.ToFloat64(f.metrics.ReferrerPaid.WithLabelValues("gold")), 1e-9)
	assert.InDelta(t, 1.0,
		promtestutil.ToFloat64(f.metrics.SafeBoxAccrued.WithLabelValues("ETH")), 1e-9)
}

func TestCreateMarket_EvidenceRejectionsCounted(t *testing.T) {
	f := newFixture(t)

	req := createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute))
	req.Evidence = ethEvidence(t, f, "2500", baseTime.Add(-5*time.Minute))
	_, err := f.engine.CreateMarket(req, baseTime)
	require.ErrorIs(t, err, oracle.ErrStalePrice)

	req = createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute))
	req.Evidence = ethEvidence(t, f, "2600", baseTime) // 4% off the requested 2500
	_, err = f.engine.CreateMarket(req, baseTime)
	require.ErrorIs(t, err, oracle.ErrSlippageExceeded)

	assert.Equal(t, 1.0,
		promtestutil.ToFloat64(f.metrics.EvidenceRejected.WithLabelValues("stale")))
	assert.Equal(t, 1.0,
		promtestutil.ToFloat64(f.metrics.EvidenceRejected.WithLabelValues("slippage")))
}

func TestCreateMarket_SkewRaisesFee(t *testing.T) {
	f := newFixture(t)

	// 500 USD of UP risk against a 1000 USD directional cap: utilization 0.5.
	_, err := f.engine.CreateMarket(
		createReq(t, f, usdc("500"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	require.NoError(t, err)

	res, err := f.engine.CreateMarket(
		createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParseDecimal("0.025"), res.FeeRate,
		"base 0.02 plus 0.5 utilization of the 0.01 max skew impact")

	// The opposite direction is unskewed.
	res, err = f.engine.CreateMarket(
		createReq(t, f, usdc("10"), usdcAddr, market.DirectionDown, baseTime.Add(5*time.Minute)),
		baseTime)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParseDecimal("0.02"), res.FeeRate)
}

func TestCreateMarket_RejectsUnsupportedAsset(t *testing.T) {
	f := newFixture(t)

	req := createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute))
	req.Asset = "DOGE"

	_, err := f.engine.CreateMarket(req, baseTime)
	assert.ErrorIs(t, err, engine.ErrAssetNotSupported)
}

func TestCreateMarket_RejectsBadDuration(t *testing.T) {
	f := newFixture(t)

	for _, strike := range []time.Time{
		baseTime.Add(30 * time.Second),
		baseTime.Add(25 * time.Hour),
		baseTime.Add(-time.Minute),
	} {
		_, err := f.engine.CreateMarket(
			createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, strike), baseTime)
		assert.ErrorIs(t, err, engine.ErrInvalidDuration, "strike %s", strike)
	}
}

// The USD bounds are inclusive: a buy-in worth exactly the minimum is
// accepted, one cent less is not, whatever the collateral's decimals and
// price. EURC is 18 decimals at 1.25 USD, so 2.40 EURC sits exactly on the
// 3 USD minimum and 2.392 EURC is one cent under it.
func TestCreateMarket_BuyinBounds(t *testing.T) {
	cases := []struct {
		name    string
		buyin   *big.Int
		token   common.Address
		wantErr bool
	}{
		{"usdc below min", usdc("2.99"), usdcAddr, true},
		{"usdc at min", usdc("3"), usdcAddr, false},
		{"usdc above max", usdc("1000.01"), usdcAddr, true},
		{"usdc at max", usdc("1000"), usdcAddr, false},
		{"usdc zero", big.NewInt(0), usdcAddr, true},
		{"eurc at min", fixed.MustParseDecimal("2.4"), eurcAddr, false},
		{"eurc cent below min", fixed.MustParseDecimal("2.392"), eurcAddr, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.CreateMarket(
				createReq(t, f, tc.buyin, tc.token, market.DirectionUp, baseTime.Add(5*time.Minute)),
				baseTime)
			if tc.wantErr {
				assert.ErrorIs(t, err, engine.ErrBuyinOutOfRange)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateMarket_RejectsSlippage(t *testing.T) {
	f := newFixture(t)

	req := createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute))
	req.Evidence = ethEvidence(t, f, "2600", baseTime) // 4% off the requested 2500

	_, err := f.engine.CreateMarket(req, baseTime)
	assert.ErrorIs(t, err, oracle.ErrSlippageExceeded)
}

func TestCreateMarket_RiskCapRejectionLeavesNoTrace(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateMarket(
		createReq(t, f, usdc("600"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	require.NoError(t, err)

	capitalBefore := f.tracker.WorkingCapital(usdcAddr)
	escrowBefore := f.tracker.EscrowPool(usdcAddr)
	riskBefore := f.risk.Current("ETH")
	activeBefore, _ := f.store.Counts()

	// Another 600 USD UP would breach the 1000 USD directional cap.
	_, err = f.engine.CreateMarket(
		createReq(t, f, usdc("600"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	require.ErrorIs(t, err, risk.ErrRiskExceeded)

	assert.Equal(t, capitalBefore, f.tracker.WorkingCapital(usdcAddr), "rejected creation must not touch capital")
	assert.Equal(t, escrowBefore, f.tracker.EscrowPool(usdcAddr))
	assert.Equal(t, riskBefore, f.risk.Current("ETH"), "rejected creation must not move risk")
	activeAfter, _ := f.store.Counts()
	assert.Equal(t, activeBefore, activeAfter)
}

func TestCreateMarket_InsufficientCapitalRollsBackRisk(t *testing.T) {
	f := newFixture(t)

	// Drain USDC working capital down to almost nothing.
	require.NoError(t, f.engine.WithdrawCapital(adminAddr, usdcAddr, usdc("99995"), baseTime))

	riskBefore := f.risk.Current("ETH")
	_, err := f.engine.CreateMarket(
		createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	require.ErrorIs(t, err, engine.ErrInsufficientCapital)
	assert.Equal(t, riskBefore, f.risk.Current("ETH"), "capital rejection must roll the reserve back")
}

func TestCreateChainedMarket_PayoutCompounding(t *testing.T) {
	f := newFixture(t)

	// 10 sUSD, two legs at 1.70, 5% collateral bonus applied once at the end:
	// 10 * 1.70^2 * 1.05 = 30.345.
	res, err := f.engine.CreateChainedMarket(engine.CreateChainedRequest{
		Owner:         ownerAddr,
		Asset:         "ETH",
		Directions:    []market.Direction{market.DirectionUp, market.DirectionDown},
		TimeFrame:     5 * time.Minute,
		Buyin:         fixed.MustParseDecimal("10"),
		Collateral:    susdAddr,
		ExpectedPrice: fixed.MustParseDecimal("2500"),
		Evidence:      ethEvidence(t, f, "2500", baseTime),
	}, baseTime)
	require.NoError(t, err)

	assert.Equal(t, engine.KindChained, res.Kind)
	assert.Equal(t, fixed.MustParseDecimal("30.345"), res.Payout)
	assert.Equal(t, fixed.MustParseDecimal("20.345"), res.RiskReserved)
	assert.Equal(t, baseTime.Add(10*time.Minute), res.StrikeTime)

	cm, ok := f.store.ChainedMarket(res.MarketID)
	require.True(t, ok)
	assert.Equal(t, baseTime.Add(5*time.Minute), cm.InitialStrikeTime)
	assert.Equal(t, market.DirectionUp, cm.RiskDirection())
}

func TestCreateChainedMarket_SixLegs(t *testing.T) {
	f := newFixture(t)

	// 10 sUSD at 1.90^6 = 47.045881, no bonus adjustment beyond the 5%:
	// 10 * 47.045881 * 1.05 = 494.0817505.
	dirs := make([]market.Direction, 6)
	for i := range dirs {
		dirs[i] = market.DirectionUp
	}
	res, err := f.engine.CreateChainedMarket(engine.CreateChainedRequest{
		Owner:         ownerAddr,
		Asset:         "ETH",
		Directions:    dirs,
		TimeFrame:     2 * time.Minute,
		Buyin:         fixed.MustParseDecimal("10"),
		Collateral:    susdAddr,
		ExpectedPrice: fixed.MustParseDecimal("2500"),
		Evidence:      ethEvidence(t, f, "2500", baseTime),
	}, baseTime)
	require.NoError(t, err)

	assert.Equal(t, fixed.MustParseDecimal("494.0817505"), res.Payout)
	assert.Equal(t, baseTime.Add(12*time.Minute), res.StrikeTime)
}

func TestCreateChainedMarket_RejectsBadChainLength(t *testing.T) {
	f := newFixture(t)

	for _, n := range []int{1, 7} {
		dirs := make([]market.Direction, n)
		_, err := f.engine.CreateChainedMarket(engine.CreateChainedRequest{
			Owner:         ownerAddr,
			Asset:         "ETH",
			Directions:    dirs,
			TimeFrame:     5 * time.Minute,
			Buyin:         fixed.MustParseDecimal("10"),
			Collateral:    susdAddr,
			ExpectedPrice: fixed.MustParseDecimal("2500"),
			Evidence:      ethEvidence(t, f, "2500", baseTime),
		}, baseTime)
		assert.ErrorIs(t, err, engine.ErrInvalidChainLength, "%d legs", n)
	}
}

func TestCreateChainedMarket_RejectsBadTimeFrame(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateChainedMarket(engine.CreateChainedRequest{
		Owner:         ownerAddr,
		Asset:         "ETH",
		Directions:    []market.Direction{market.DirectionUp, market.DirectionDown},
		TimeFrame:     time.Minute,
		Buyin:         fixed.MustParseDecimal("10"),
		Collateral:    susdAddr,
		ExpectedPrice: fixed.MustParseDecimal("2500"),
		Evidence:      ethEvidence(t, f, "2500", baseTime),
	}, baseTime)
	assert.ErrorIs(t, err, engine.ErrInvalidDuration)
}

func TestPause_BlocksCreationOnly(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.CreateMarket(
		createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.SetPaused(ownerAddr, true), engine.ErrNotAuthorized)
	require.NoError(t, f.engine.SetPaused(adminAddr, true))

	_, err = f.engine.CreateMarket(
		createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	assert.ErrorIs(t, err, engine.ErrPaused)

	// Settlement of live markets continues while paused.
	strike := baseTime.Add(5 * time.Minute)
	_, err = f.engine.ResolveMarket(res.MarketID, ethEvidence(t, f, "2600", strike), strike)
	assert.NoError(t, err)
}

func TestCapital_WithdrawalGuards(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t,
		f.engine.WithdrawCapital(ownerAddr, usdcAddr, usdc("1"), baseTime),
		engine.ErrNotAuthorized)

	// Escrowed payouts are not withdrawable: after a 10 USDC market locks
	// 20 USDC, withdrawing the full original balance must fail.
	_, err := f.engine.CreateMarket(
		createReq(t, f, usdc("10"), usdcAddr, market.DirectionUp, baseTime.Add(5*time.Minute)),
		baseTime)
	require.NoError(t, err)

	assert.ErrorIs(t,
		f.engine.WithdrawCapital(adminAddr, usdcAddr, usdc("100000"), baseTime),
		engine.ErrInsufficientCapital)
	assert.NoError(t,
		f.engine.WithdrawCapital(adminAddr, usdcAddr, usdc("99000"), baseTime))
}
