package engine_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedmarkets/internal/engine"
	"speedmarkets/internal/fixed"
	"speedmarkets/internal/market"
	"speedmarkets/internal/oracle"
)

func createSingle(t *testing.T, f *fixture, dir market.Direction) (*engine.CreationResult, time.Time) {
	t.Helper()
	strike := baseTime.Add(5 * time.Minute)
	res, err := f.engine.CreateMarket(
		createReq(t, f, usdc("10"), usdcAddr, dir, strike), baseTime)
	require.NoError(t, err)
	return res, strike
}

func TestResolveMarket_UserWins(t *testing.T) {
	f := newFixture(t)
	created, strike := createSingle(t, f, market.DirectionUp)

	capitalBefore := f.tracker.WorkingCapital(usdcAddr)

	res, err := f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2600", strike), strike)
	require.NoError(t, err)

	assert.True(t, res.IsUserWinner)
	assert.Equal(t, usdc("20"), res.PayoutPaid)
	assert.Equal(t, fixed.MustParseDecimal("2600"), res.FinalPrices[0])
	assert.False(t, res.Manual)

	// Escrow drained to the user, working capital untouched by the payout.
	assert.Zero(t, f.tracker.EscrowPool(usdcAddr).Sign())
	assert.Equal(t, capitalBefore, f.tracker.WorkingCapital(usdcAddr))

	// Exact risk release.
	assert.Zero(t, f.risk.Current("ETH").Sign())
	assert.Zero(t, f.risk.CurrentDirectional("ETH", market.DirectionUp).Sign())

	// Payout token transfer went to the owner.
	last := f.tokens.out[len(f.tokens.out)-1]
	assert.Equal(t, ownerAddr, last.who)
	assert.Equal(t, usdc("20"), last.amt)

	active, matured := f.store.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, matured)
}

func TestResolveMarket_UserLoses(t *testing.T) {
	f := newFixture(t)
	created, strike := createSingle(t, f, market.DirectionUp)

	outBefore := len(f.tokens.out)

	res, err := f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2400", strike), strike)
	require.NoError(t, err)

	assert.False(t, res.IsUserWinner)
	assert.Zero(t, res.PayoutPaid.Sign())
	assert.Len(t, f.tokens.out, outBefore, "a loss pays nothing out")

	// Escrow reverts to working capital: 100000 + 10 buy-in - 0.2 fee.
	assert.Zero(t, f.tracker.EscrowPool(usdcAddr).Sign())
	assert.Equal(t, usdc("100009.8"), f.tracker.WorkingCapital(usdcAddr))
	assert.Zero(t, f.risk.Current("ETH").Sign())
}

func TestResolveMarket_TieIsALoss(t *testing.T) {
	for _, dir := range []market.Direction{market.DirectionUp, market.DirectionDown} {
		f := newFixture(t)
		created, strike := createSingle(t, f, dir)

		res, err := f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2500", strike), strike)
		require.NoError(t, err)
		assert.False(t, res.IsUserWinner, "an exact tie loses for direction %s", dir)
	}
}

func TestResolveMarket_DownWinsOnDrop(t *testing.T) {
	f := newFixture(t)
	created, strike := createSingle(t, f, market.DirectionDown)

	res, err := f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2499.99", strike), strike)
	require.NoError(t, err)
	assert.True(t, res.IsUserWinner)
}

func TestResolveMarket_Guards(t *testing.T) {
	f := newFixture(t)
	created, strike := createSingle(t, f, market.DirectionUp)

	_, err := f.engine.ResolveMarket(uuid.New(), ethEvidence(t, f, "2600", strike), strike)
	assert.ErrorIs(t, err, engine.ErrMarketNotFound)

	early := baseTime.Add(4 * time.Minute)
	_, err = f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2600", early), early)
	assert.ErrorIs(t, err, engine.ErrNotYetMaturable)

	// Evidence 61s away from the strike is stale under the 60s bound.
	_, err = f.engine.ResolveMarket(created.MarketID,
		ethEvidence(t, f, "2600", strike.Add(61*time.Second)), strike.Add(61*time.Second))
	assert.ErrorIs(t, err, oracle.ErrStalePrice)

	_, err = f.engine.ResolveMarket(created.MarketID, nil, strike)
	assert.ErrorIs(t, err, oracle.ErrEmptyEvidence)

	_, err = f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2600", strike), strike)
	require.NoError(t, err)

	_, err = f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2600", strike), strike)
	assert.ErrorIs(t, err, engine.ErrAlreadyResolved)
}

func TestResolveMarket_StaleEvidenceCounted(t *testing.T) {
	f := newFixture(t)
	created, strike := createSingle(t, f, market.DirectionUp)

	// Evidence published at creation time is 5 minutes from the strike,
	// well past the 60s staleness bound.
	_, err := f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2600", baseTime), strike)
	require.ErrorIs(t, err, oracle.ErrStalePrice)
	assert.Equal(t, 1.0,
		promtestutil.ToFloat64(f.metrics.EvidenceRejected.WithLabelValues("stale")))
}

func TestActiveMarketsGaugeTracksEachKind(t *testing.T) {
	f := newFixture(t)

	created, strike := createSingle(t, f, market.DirectionUp)
	createChain(t, f, []market.Direction{market.DirectionUp, market.DirectionDown})

	gauge := func(kind string) float64 {
		return promtestutil.ToFloat64(f.metrics.ActiveMarkets.WithLabelValues(kind))
	}
	assert.Equal(t, 1.0, gauge("single"))
	assert.Equal(t, 1.0, gauge("chained"))

	_, err := f.engine.ResolveMarket(created.MarketID, ethEvidence(t, f, "2600", strike), strike)
	require.NoError(t, err)

	assert.Equal(t, 0.0, gauge("single"))
	assert.Equal(t, 1.0, gauge("chained"))
}

func TestResolveMarketManually_Authorization(t *testing.T) {
	f := newFixture(t)
	created, strike := createSingle(t, f, market.DirectionUp)

	_, err := f.engine.ResolveMarketManually(created.MarketID, fixed.MustParseDecimal("2600"), ownerAddr, strike)
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)

	res, err := f.engine.ResolveMarketManually(created.MarketID, fixed.MustParseDecimal("2600"), resolverAddr, strike)
	require.NoError(t, err)
	assert.True(t, res.IsUserWinner)
	assert.True(t, res.Manual)
}

func TestResolverWhitelist(t *testing.T) {
	f := newFixture(t)
	other := ownerAddr

	assert.ErrorIs(t, f.engine.AddResolver(other, other), engine.ErrNotAuthorized)
	require.NoError(t, f.engine.AddResolver(adminAddr, other))

	created, strike := createSingle(t, f, market.DirectionUp)
	_, err := f.engine.ResolveMarketManually(created.MarketID, fixed.MustParseDecimal("2600"), other, strike)
	assert.NoError(t, err)

	require.NoError(t, f.engine.RemoveResolver(adminAddr, other))
	created2, strike2 := createSingle(t, f, market.DirectionUp)
	_, err = f.engine.ResolveMarketManually(created2.MarketID, fixed.MustParseDecimal("2600"), other, strike2)
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)
}

func createChain(t *testing.T, f *fixture, dirs []market.Direction) *engine.CreationResult {
	t.Helper()
	res, err := f.engine.CreateChainedMarket(engine.CreateChainedRequest{
		Owner:         ownerAddr,
		Asset:         "ETH",
		Directions:    dirs,
		TimeFrame:     5 * time.Minute,
		Buyin:         fixed.MustParseDecimal("10"),
		Collateral:    susdAddr,
		ExpectedPrice: fixed.MustParseDecimal("2500"),
		Evidence:      ethEvidence(t, f, "2500", baseTime),
	}, baseTime)
	require.NoError(t, err)
	return res
}

func chainEvidence(t *testing.T, f *fixture, created *engine.CreationResult, prices []string) [][]byte {
	t.Helper()
	cm, ok := f.store.ChainedMarket(created.MarketID)
	require.True(t, ok)
	out := make([][]byte, len(prices))
	for i, p := range prices {
		out[i] = ethEvidence(t, f, p, cm.LegStrikeTime(i))
	}
	return out
}

func TestResolveChainedMarket_AllLegsWin(t *testing.T) {
	f := newFixture(t)
	created := createChain(t, f, []market.Direction{market.DirectionUp, market.DirectionDown})

	// Leg 0: UP vs 2500, settles 2600. Leg 1: DOWN vs 2600, settles 2550.
	evidence := chainEvidence(t, f, created, []string{"2600", "2550"})

	res, err := f.engine.ResolveChainedMarket(created.MarketID, evidence, created.StrikeTime)
	require.NoError(t, err)

	assert.True(t, res.IsUserWinner)
	assert.Equal(t, fixed.MustParseDecimal("30.345"), res.PayoutPaid)
	require.Len(t, res.FinalPrices, 2)
	assert.Equal(t, fixed.MustParseDecimal("2600"), res.FinalPrices[0])
	assert.Zero(t, f.risk.Current("ETH").Sign())

	last := f.tokens.out[len(f.tokens.out)-1]
	assert.Equal(t, ownerAddr, last.who)
	assert.Equal(t, fixed.MustParseDecimal("30.345"), last.amt)
}

func TestResolveChainedMarket_FirstLegLossPaysNothing(t *testing.T) {
	f := newFixture(t)
	created := createChain(t, f, []market.Direction{market.DirectionUp, market.DirectionUp})

	outBefore := len(f.tokens.out)

	// Leg 0 loses (2400 vs 2500 UP); leg 1 would win on its own terms.
	evidence := chainEvidence(t, f, created, []string{"2400", "2600"})

	res, err := f.engine.ResolveChainedMarket(created.MarketID, evidence, created.StrikeTime)
	require.NoError(t, err)

	assert.False(t, res.IsUserWinner)
	assert.Zero(t, res.PayoutPaid.Sign())
	assert.Len(t, f.tokens.out, outBefore)

	// The escrowed 30.345 sUSD returns to working capital.
	assert.Zero(t, f.tracker.EscrowPool(susdAddr).Sign())
	assert.Zero(t, f.risk.Current("ETH").Sign())
}

func TestResolveChainedMarket_TargetsChainForward(t *testing.T) {
	f := newFixture(t)
	created := createChain(t, f, []market.Direction{market.DirectionUp, market.DirectionUp})

	// Leg 1 measures against leg 0's 2600 settlement: 2550 < 2600 loses
	// even though it is above the original 2500 strike.
	evidence := chainEvidence(t, f, created, []string{"2600", "2550"})

	res, err := f.engine.ResolveChainedMarket(created.MarketID, evidence, created.StrikeTime)
	require.NoError(t, err)
	assert.False(t, res.IsUserWinner)
}

func TestResolveChainedMarket_Guards(t *testing.T) {
	f := newFixture(t)
	created := createChain(t, f, []market.Direction{market.DirectionUp, market.DirectionDown})

	// Too few legs of evidence.
	evidence := chainEvidence(t, f, created, []string{"2600"})
	_, err := f.engine.ResolveChainedMarket(created.MarketID, evidence, created.StrikeTime)
	assert.ErrorIs(t, err, engine.ErrInsufficientLegData)

	// Not maturable until the final leg's strike.
	evidence = chainEvidence(t, f, created, []string{"2600", "2550"})
	_, err = f.engine.ResolveChainedMarket(created.MarketID, evidence, baseTime.Add(9*time.Minute))
	assert.ErrorIs(t, err, engine.ErrNotYetMaturable)

	// A stale leg rejects the whole resolution even when the chain already
	// lost on an earlier leg.
	cm, ok := f.store.ChainedMarket(created.MarketID)
	require.True(t, ok)
	badLeg := ethEvidence(t, f, "2550", cm.LegStrikeTime(1).Add(2*time.Minute))
	_, err = f.engine.ResolveChainedMarket(created.MarketID,
		[][]byte{ethEvidence(t, f, "2400", cm.LegStrikeTime(0)), badLeg},
		created.StrikeTime)
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
}

func TestResolveChainedMarketManually(t *testing.T) {
	f := newFixture(t)
	created := createChain(t, f, []market.Direction{market.DirectionUp, market.DirectionDown})

	prices := []*big.Int{fixed.MustParseDecimal("2600"), fixed.MustParseDecimal("2550")}

	_, err := f.engine.ResolveChainedMarketManually(created.MarketID, prices, ownerAddr, created.StrikeTime)
	assert.ErrorIs(t, err, engine.ErrNotAuthorized)

	res, err := f.engine.ResolveChainedMarketManually(created.MarketID, prices, adminAddr, created.StrikeTime)
	require.NoError(t, err)
	assert.True(t, res.IsUserWinner)
	assert.True(t, res.Manual)
}

func TestResolveMarketsBatch_SkipsFailedEntries(t *testing.T) {
	f := newFixture(t)

	winner, strike := createSingle(t, f, market.DirectionUp)
	loser, _ := createSingle(t, f, market.DirectionDown)
	chained := createChain(t, f, []market.Direction{market.DirectionUp, market.DirectionDown})

	entries := f.engine.ResolveMarketsBatch([]engine.ResolveBatchItem{
		{MarketID: winner.MarketID, Evidence: [][]byte{ethEvidence(t, f, "2600", strike)}},
		{MarketID: uuid.New(), Evidence: [][]byte{ethEvidence(t, f, "2600", strike)}},
		{MarketID: loser.MarketID, Evidence: [][]byte{ethEvidence(t, f, "2600", strike.Add(2 * time.Minute))}},
		{MarketID: chained.MarketID, Evidence: chainEvidence(t, f, chained, []string{"2600", "2550"})},
	}, chained.StrikeTime)

	require.Len(t, entries, 4)
	require.NoError(t, entries[0].Err)
	assert.True(t, entries[0].Result.IsUserWinner)

	assert.ErrorIs(t, entries[1].Err, engine.ErrMarketNotFound)

	// Stale evidence for the second single market: skipped, not fatal.
	assert.ErrorIs(t, entries[2].Err, oracle.ErrStalePrice)

	require.NoError(t, entries[3].Err)
	assert.Equal(t, engine.KindChained, entries[3].Result.Kind)

	// The failed entry's market is still live and resolvable.
	_, err := f.engine.ResolveMarket(loser.MarketID, ethEvidence(t, f, "2600", strike), chained.StrikeTime)
	assert.NoError(t, err)
}

func TestEngine_ZeroSumAcrossLifecycle(t *testing.T) {
	f := newFixture(t)

	w, strike := createSingle(t, f, market.DirectionUp)
	l, _ := createSingle(t, f, market.DirectionDown)
	c := createChain(t, f, []market.Direction{market.DirectionUp, market.DirectionUp})

	_, err := f.engine.ResolveMarket(w.MarketID, ethEvidence(t, f, "2600", strike), strike)
	require.NoError(t, err)
	_, err = f.engine.ResolveMarket(l.MarketID, ethEvidence(t, f, "2600", strike), strike)
	require.NoError(t, err)
	_, err = f.engine.ResolveChainedMarket(c.MarketID,
		chainEvidence(t, f, c, []string{"2600", "2700"}), c.StrikeTime)
	require.NoError(t, err)

	for asset, total := range f.tracker.ComputeGlobalBalance() {
		assert.Zero(t, total.Sign(), "asset %s must stay zero-sum", asset.Hex())
	}
	assert.Zero(t, f.risk.Current("ETH").Sign(), "all reserved risk released after settlement")
}
