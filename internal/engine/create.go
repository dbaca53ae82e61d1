package engine

import (
	"fmt"
	"math/big"
	"time"

	"speedmarkets/internal/fixed"
	"speedmarkets/internal/ledger"
	"speedmarkets/internal/market"
	"speedmarkets/internal/observability"
	"speedmarkets/internal/referral"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MarketKind distinguishes single-leg and chained records in results and
// downstream rows.
type MarketKind string

const (
	KindSingle  MarketKind = "single"
	KindChained MarketKind = "chained"
)

// CreateRequest is a single-leg creation. Buyin is in the collateral token's
// native decimals; ExpectedPrice and SlippageBound are wad-scaled.
type CreateRequest struct {
	Owner         common.Address
	Asset         string
	Direction     market.Direction
	StrikeTime    time.Time
	Buyin         *big.Int
	Collateral    common.Address
	Referrer      common.Address
	ExpectedPrice *big.Int
	SlippageBound *big.Int
	Evidence      []byte
}

// CreateChainedRequest is a multi-leg creation. The first leg strikes one
// TimeFrame after creation; leg i strikes i TimeFrames later.
type CreateChainedRequest struct {
	Owner         common.Address
	Asset         string
	Directions    []market.Direction
	TimeFrame     time.Duration
	Buyin         *big.Int
	Collateral    common.Address
	Referrer      common.Address
	ExpectedPrice *big.Int
	SlippageBound *big.Int
	Evidence      []byte
}

// CreationResult reports everything the engine decided for an accepted
// market: normalized amounts, fee split, and reserved risk.
type CreationResult struct {
	MarketID     uuid.UUID
	Kind         MarketKind
	Owner        common.Address
	Asset        string
	Directions   []market.Direction
	StrikeTime   time.Time
	StrikePrice  *big.Int
	Buyin        *big.Int
	BuyinUSD     *big.Int
	Collateral   common.Address
	Payout       *big.Int
	PayoutUSD    *big.Int
	FeeRate      *big.Int
	ReferrerCut  *big.Int
	SafeBoxCut   *big.Int
	ReferralTier referral.Tier
	RiskReserved *big.Int
	CreatedAt    time.Time
}

// creationPlan carries the validated, fully-priced intermediate state shared
// by the single and chained paths.
type creationPlan struct {
	buyinUSD     *big.Int
	strikePrice  *big.Int
	payout       *big.Int
	payoutUSD    *big.Int
	riskReserved *big.Int
	feeRate      *big.Int
	referrerCut  *big.Int
	safeBoxCut   *big.Int
	tier         referral.Tier
}

func (e *Engine) rejectCreation(reason string, err error) error {
	if e.metrics != nil {
		e.metrics.CreationRejected.WithLabelValues(reason).Inc()
	}
	return err
}

// price runs the shared creation pipeline: collateral normalization, buy-in
// bounds, oracle strike price, payout sizing, fee, and the referral split.
// factorWad is the total gross payout scalar before the collateral bonus.
func (e *Engine) price(
	asset string,
	dir market.Direction,
	buyin *big.Int,
	collateralAddr common.Address,
	referrer common.Address,
	evidence []byte,
	expectedPrice, slippageBound *big.Int,
	factorWad *big.Int,
	timeToMaturity time.Duration,
	now time.Time,
) (*creationPlan, error) {
	cfg, err := e.collaterals.Lookup(collateralAddr)
	if err != nil {
		return nil, e.rejectCreation("collateral", err)
	}

	if buyin == nil || buyin.Sign() <= 0 {
		return nil, e.rejectCreation("buyin", fmt.Errorf("%w: non-positive buy-in", ErrBuyinOutOfRange))
	}
	buyinUSD, err := e.collaterals.ToUSD(collateralAddr, buyin)
	if err != nil {
		return nil, e.rejectCreation("collateral_price", err)
	}
	if buyinUSD.Cmp(e.limits.MinBuyinUSD) < 0 || buyinUSD.Cmp(e.limits.MaxBuyinUSD) > 0 {
		return nil, e.rejectCreation("buyin", fmt.Errorf("%w: %s USD outside [%s, %s]",
			ErrBuyinOutOfRange,
			fixed.FormatDecimal(buyinUSD),
			fixed.FormatDecimal(e.limits.MinBuyinUSD),
			fixed.FormatDecimal(e.limits.MaxBuyinUSD)))
	}

	if slippageBound == nil {
		slippageBound = e.limits.DefaultSlippage
	}
	upd, err := e.oracle.ValidateWithSlippage(evidence, asset, now, expectedPrice, slippageBound)
	if err != nil {
		e.rejectEvidence(err)
		return nil, e.rejectCreation("oracle", err)
	}

	// Payout sizing in native units, bonus applied once on the final value.
	grossNative := fixed.ToUnits(
		fixed.MulWad(fixed.FromUnits(buyin, cfg.Decimals), factorWad),
		cfg.Decimals)
	payout, err := e.collaterals.ApplyBonus(collateralAddr, grossNative)
	if err != nil {
		return nil, e.rejectCreation("collateral", err)
	}
	payoutUSD, err := e.collaterals.ToUSD(collateralAddr, payout)
	if err != nil {
		return nil, e.rejectCreation("collateral_price", err)
	}

	// The engine's exposure is what it could lose beyond the user's stake.
	riskReserved := new(big.Int).Sub(payoutUSD, buyinUSD)
	if riskReserved.Sign() < 0 {
		riskReserved.SetInt64(0)
	}

	feeRate := e.fees.Fee(asset, dir, int(timeToMaturity/time.Minute))
	referrerCut, safeBoxCut, tier := e.splitter.Split(buyin, feeRate, referrer)

	return &creationPlan{
		buyinUSD:     buyinUSD,
		strikePrice:  upd.Price,
		payout:       payout,
		payoutUSD:    payoutUSD,
		riskReserved: riskReserved,
		feeRate:      feeRate,
		referrerCut:  referrerCut,
		safeBoxCut:   safeBoxCut,
		tier:         tier,
	}, nil
}

// reserveAndBook mutates state for an accepted creation: risk first, then the
// ledger batch. A capital shortfall after a successful reserve rolls the
// reserve back, so a rejected creation leaves no trace.
func (e *Engine) reserveAndBook(
	id uuid.UUID,
	asset string,
	dir market.Direction,
	collateralAddr common.Address,
	buyin *big.Int,
	plan *creationPlan,
	now time.Time,
) (batch *ledger.Batch, err error) {
	if err := e.risk.Reserve(asset, dir, plan.riskReserved); err != nil {
		if e.metrics != nil {
			e.metrics.RiskRejections.WithLabelValues(asset).Inc()
		}
		return nil, e.rejectCreation("risk", err)
	}

	b, err := e.journals.GenerateCreation(
		id, collateralAddr, buyin, plan.payout, plan.referrerCut, plan.safeBoxCut, now)
	if err != nil {
		if relErr := e.risk.Release(asset, dir, plan.riskReserved); relErr != nil {
			panic(fmt.Sprintf("FATAL: risk rollback failed for market %s: %v", id, relErr))
		}
		return nil, e.rejectCreation("capital", fmt.Errorf("%w: %v", ErrInsufficientCapital, err))
	}
	e.commit(b)
	return b, nil
}

// settleTokensIn pulls the stake and pays the referrer cut. Runs after the
// ledger commit; failure here is a custody mismatch and is fatal.
func (e *Engine) settleTokensIn(id uuid.UUID, owner, token, referrer common.Address, buyin, referrerCut *big.Int) {
	if err := e.tokens.TransferIn(token, owner, buyin); err != nil {
		panic(fmt.Sprintf("FATAL: stake transfer failed after ledger commit for market %s: %v", id, err))
	}
	if referrerCut.Sign() > 0 {
		if err := e.tokens.TransferOut(token, referrer, referrerCut); err != nil {
			panic(fmt.Sprintf("FATAL: referrer transfer failed after ledger commit for market %s: %v", id, err))
		}
	}
}

// CreateMarket validates, prices, books, and stores a single-leg market.
func (e *Engine) CreateMarket(req CreateRequest, now time.Time) (*CreationResult, error) {
	start := time.Now()
	if e.paused {
		return nil, e.rejectCreation("paused", ErrPaused)
	}
	if !e.risk.IsSupported(req.Asset) {
		return nil, e.rejectCreation("asset", fmt.Errorf("%w: %q", ErrAssetNotSupported, req.Asset))
	}

	delta := req.StrikeTime.Sub(now)
	if delta < e.limits.MinDuration || delta > e.limits.MaxDuration {
		return nil, e.rejectCreation("duration", fmt.Errorf("%w: %s outside [%s, %s]",
			ErrInvalidDuration, delta, e.limits.MinDuration, e.limits.MaxDuration))
	}

	plan, err := e.price(req.Asset, req.Direction, req.Buyin, req.Collateral,
		req.Referrer, req.Evidence, req.ExpectedPrice, req.SlippageBound,
		doubleWad(), delta, now)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	batch, err := e.reserveAndBook(id, req.Asset, req.Direction, req.Collateral, req.Buyin, plan, now)
	if err != nil {
		return nil, err
	}

	m := &market.Market{
		ID:             id,
		Owner:          req.Owner,
		Asset:          req.Asset,
		Direction:      req.Direction,
		StrikeTime:     req.StrikeTime,
		StrikePrice:    plan.strikePrice,
		BuyinAmount:    new(big.Int).Set(req.Buyin),
		Collateral:     req.Collateral,
		EscrowedPayout: plan.payout,
		RiskReserved:   plan.riskReserved,
		CreatedAt:      now,
	}
	e.store.AddMarket(m)

	e.settleTokensIn(id, req.Owner, req.Collateral, req.Referrer, req.Buyin, plan.referrerCut)

	res := &CreationResult{
		MarketID:     id,
		Kind:         KindSingle,
		Owner:        req.Owner,
		Asset:        req.Asset,
		Directions:   []market.Direction{req.Direction},
		StrikeTime:   req.StrikeTime,
		StrikePrice:  plan.strikePrice,
		Buyin:        m.BuyinAmount,
		BuyinUSD:     plan.buyinUSD,
		Collateral:   req.Collateral,
		Payout:       plan.payout,
		PayoutUSD:    plan.payoutUSD,
		FeeRate:      plan.feeRate,
		ReferrerCut:  plan.referrerCut,
		SafeBoxCut:   plan.safeBoxCut,
		ReferralTier: plan.tier,
		RiskReserved: plan.riskReserved,
		CreatedAt:    now,
	}
	e.finishCreation(res, batch, start)
	return res, nil
}

// CreateChainedMarket validates, prices, books, and stores a chained market.
// The whole chain's exposure is reserved under the first leg's direction.
func (e *Engine) CreateChainedMarket(req CreateChainedRequest, now time.Time) (*CreationResult, error) {
	start := time.Now()
	if e.paused {
		return nil, e.rejectCreation("paused", ErrPaused)
	}
	if !e.risk.IsSupported(req.Asset) {
		return nil, e.rejectCreation("asset", fmt.Errorf("%w: %q", ErrAssetNotSupported, req.Asset))
	}

	n := len(req.Directions)
	if n < e.limits.MinChainLength || n > e.limits.MaxChainLength {
		return nil, e.rejectCreation("chain_length", fmt.Errorf("%w: %d legs outside [%d, %d]",
			ErrInvalidChainLength, n, e.limits.MinChainLength, e.limits.MaxChainLength))
	}
	if req.TimeFrame < e.limits.MinTimeFrame || req.TimeFrame > e.limits.MaxTimeFrame {
		return nil, e.rejectCreation("duration", fmt.Errorf("%w: timeframe %s outside [%s, %s]",
			ErrInvalidDuration, req.TimeFrame, e.limits.MinTimeFrame, e.limits.MaxTimeFrame))
	}

	multiplier := e.multipliers[n]
	riskDir := req.Directions[0]
	totalDuration := time.Duration(n) * req.TimeFrame

	plan, err := e.price(req.Asset, riskDir, req.Buyin, req.Collateral,
		req.Referrer, req.Evidence, req.ExpectedPrice, req.SlippageBound,
		fixed.PowWad(multiplier, n), totalDuration, now)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	batch, err := e.reserveAndBook(id, req.Asset, riskDir, req.Collateral, req.Buyin, plan, now)
	if err != nil {
		return nil, err
	}

	directions := make([]market.Direction, n)
	copy(directions, req.Directions)
	initialStrike := now.Add(req.TimeFrame)

	cm := &market.ChainedMarket{
		ID:                id,
		Owner:             req.Owner,
		Asset:             req.Asset,
		Directions:        directions,
		TimeFrame:         req.TimeFrame,
		InitialStrikeTime: initialStrike,
		StrikeTime:        now.Add(totalDuration),
		StrikePrice:       plan.strikePrice,
		PayoutMultiplier:  new(big.Int).Set(multiplier),
		BuyinAmount:       new(big.Int).Set(req.Buyin),
		Collateral:        req.Collateral,
		EscrowedPayout:    plan.payout,
		RiskReserved:      plan.riskReserved,
		CreatedAt:         now,
	}
	e.store.AddChainedMarket(cm)

	e.settleTokensIn(id, req.Owner, req.Collateral, req.Referrer, req.Buyin, plan.referrerCut)

	res := &CreationResult{
		MarketID:     id,
		Kind:         KindChained,
		Owner:        req.Owner,
		Asset:        req.Asset,
		Directions:   directions,
		StrikeTime:   cm.StrikeTime,
		StrikePrice:  plan.strikePrice,
		Buyin:        cm.BuyinAmount,
		BuyinUSD:     plan.buyinUSD,
		Collateral:   req.Collateral,
		Payout:       plan.payout,
		PayoutUSD:    plan.payoutUSD,
		FeeRate:      plan.feeRate,
		ReferrerCut:  plan.referrerCut,
		SafeBoxCut:   plan.safeBoxCut,
		ReferralTier: plan.tier,
		RiskReserved: plan.riskReserved,
		CreatedAt:    now,
	}
	e.finishCreation(res, batch, start)
	return res, nil
}

func (e *Engine) finishCreation(res *CreationResult, batch *ledger.Batch, start time.Time) {
	if e.metrics != nil {
		e.metrics.MarketsCreated.
			WithLabelValues(string(res.Kind), res.Asset, res.Directions[0].String()).Inc()
		e.metrics.FeeRateApplied.Observe(observability.WadToFloat(res.FeeRate))
		e.metrics.CreateDuration.WithLabelValues(string(res.Kind)).
			Observe(time.Since(start).Seconds())
		e.observeFeeSplit(res)
		singles, chained := e.store.ActiveCounts()
		e.metrics.ActiveMarkets.WithLabelValues(string(KindSingle)).Set(float64(singles))
		e.metrics.ActiveMarkets.WithLabelValues(string(KindChained)).Set(float64(chained))
		e.metrics.EscrowLocked.WithLabelValues(res.Collateral.Hex()).
			Set(nativeFloat(e.tracker.EscrowPool(res.Collateral)))
		e.metrics.WorkingCapital.WithLabelValues(res.Collateral.Hex()).
			Set(nativeFloat(e.tracker.WorkingCapital(res.Collateral)))
	}
	e.observeRisk(res.Asset)

	e.log.Info().
		Str("market_id", res.MarketID.String()).
		Str("kind", string(res.Kind)).
		Str("asset", res.Asset).
		Str("buyin_usd", fixed.FormatDecimal(res.BuyinUSD)).
		Str("payout", res.Payout.String()).
		Str("fee_rate", fixed.FormatDecimal(res.FeeRate)).
		Str("risk_reserved", fixed.FormatDecimal(res.RiskReserved)).
		Time("strike_time", res.StrikeTime).
		Msg("market created")

	e.emit(Output{Creation: res, Batch: batch})
}

// observeFeeSplit accrues the fee split in USD. The cuts are native token
// amounts; conversion cannot fail here because the same collateral was
// normalized moments ago on this call path.
func (e *Engine) observeFeeSplit(res *CreationResult) {
	if e.metrics == nil {
		return
	}
	if res.ReferrerCut.Sign() > 0 {
		if usd, err := e.collaterals.ToUSD(res.Collateral, res.ReferrerCut); err == nil {
			e.metrics.ReferrerPaid.WithLabelValues(res.ReferralTier.String()).
				Add(observability.WadToFloat(usd))
		}
	}
	if res.SafeBoxCut.Sign() > 0 {
		if usd, err := e.collaterals.ToUSD(res.Collateral, res.SafeBoxCut); err == nil {
			e.metrics.SafeBoxAccrued.WithLabelValues(res.Asset).
				Add(observability.WadToFloat(usd))
		}
	}
}

func doubleWad() *big.Int {
	return new(big.Int).Lsh(fixed.Wad(), 1)
}
