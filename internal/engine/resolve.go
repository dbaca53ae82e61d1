package engine

import (
	"fmt"
	"math/big"
	"time"

	"speedmarkets/internal/fixed"
	"speedmarkets/internal/ledger"
	"speedmarkets/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ResolutionResult reports a settled market. PayoutPaid is zero on a loss;
// FinalPrices holds one entry per leg, in order.
type ResolutionResult struct {
	MarketID     uuid.UUID
	Kind         MarketKind
	Owner        common.Address
	Asset        string
	Collateral   common.Address
	FinalPrices  []*big.Int
	IsUserWinner bool
	PayoutPaid   *big.Int
	Manual       bool
	ResolvedAt   time.Time
}

func (e *Engine) rejectResolution(reason string, err error) error {
	if e.metrics != nil {
		e.metrics.ResolutionFailed.WithLabelValues(reason).Inc()
	}
	return err
}

// legWins applies the strict outcome rule: UP needs final > target, DOWN
// needs final < target. An exact tie is a loss on either side.
func legWins(dir market.Direction, target, final *big.Int) bool {
	switch dir {
	case market.DirectionUp:
		return final.Cmp(target) > 0
	default:
		return final.Cmp(target) < 0
	}
}

// ResolveMarket settles a single-leg market against oracle evidence for its
// strike time.
func (e *Engine) ResolveMarket(id uuid.UUID, evidence []byte, now time.Time) (*ResolutionResult, error) {
	m, ok := e.store.Market(id)
	if !ok {
		return nil, e.rejectResolution("not_found", fmt.Errorf("%w: %s", ErrMarketNotFound, id))
	}
	if m.Resolved {
		return nil, e.rejectResolution("already_resolved", fmt.Errorf("%w: %s", ErrAlreadyResolved, id))
	}
	if now.Before(m.StrikeTime) {
		return nil, e.rejectResolution("not_maturable", fmt.Errorf("%w: strike at %s",
			ErrNotYetMaturable, m.StrikeTime.Format(time.RFC3339)))
	}

	upd, err := e.oracle.Validate(evidence, m.Asset, m.StrikeTime)
	if err != nil {
		e.rejectEvidence(err)
		return nil, e.rejectResolution("oracle", err)
	}

	return e.settleSingle(m, upd.Price, false, now), nil
}

// ResolveMarketManually settles a single-leg market with an explicit price.
// Only the admin or a whitelisted resolver may call this.
func (e *Engine) ResolveMarketManually(id uuid.UUID, finalPrice *big.Int, caller common.Address, now time.Time) (*ResolutionResult, error) {
	if !e.canResolveManually(caller) {
		return nil, e.rejectResolution("unauthorized", ErrNotAuthorized)
	}
	m, ok := e.store.Market(id)
	if !ok {
		return nil, e.rejectResolution("not_found", fmt.Errorf("%w: %s", ErrMarketNotFound, id))
	}
	if m.Resolved {
		return nil, e.rejectResolution("already_resolved", fmt.Errorf("%w: %s", ErrAlreadyResolved, id))
	}
	if now.Before(m.StrikeTime) {
		return nil, e.rejectResolution("not_maturable", fmt.Errorf("%w: strike at %s",
			ErrNotYetMaturable, m.StrikeTime.Format(time.RFC3339)))
	}
	if finalPrice == nil || finalPrice.Sign() <= 0 {
		return nil, e.rejectResolution("price", fmt.Errorf("manual resolution requires a positive price"))
	}

	return e.settleSingle(m, finalPrice, true, now), nil
}

func (e *Engine) settleSingle(m *market.Market, finalPrice *big.Int, manual bool, now time.Time) *ResolutionResult {
	start := time.Now()
	win := legWins(m.Direction, m.StrikePrice, finalPrice)

	batch := e.settleEscrow(m.ID, m.Collateral, m.EscrowedPayout, win, now)
	e.releaseRisk(m.ID, m.Asset, m.Direction, m.RiskReserved)

	m.Resolved = true
	m.FinalPrice = finalPrice
	m.IsUserWinner = win
	m.ResolvedAt = now
	e.store.MoveToMatured(m.ID)

	paid := big.NewInt(0)
	if win {
		paid = m.EscrowedPayout
		if err := e.tokens.TransferOut(m.Collateral, m.Owner, paid); err != nil {
			panic(fmt.Sprintf("FATAL: payout transfer failed after ledger commit for market %s: %v", m.ID, err))
		}
	}

	res := &ResolutionResult{
		MarketID:     m.ID,
		Kind:         KindSingle,
		Owner:        m.Owner,
		Asset:        m.Asset,
		Collateral:   m.Collateral,
		FinalPrices:  []*big.Int{finalPrice},
		IsUserWinner: win,
		PayoutPaid:   paid,
		Manual:       manual,
		ResolvedAt:   now,
	}
	e.finishResolution(res, batch, start)
	return res
}

// ResolveChainedMarket settles a chained market against one evidence blob
// per leg. Every leg's evidence is validated even when an early leg already
// lost; only the token transfer depends on the outcome.
func (e *Engine) ResolveChainedMarket(id uuid.UUID, evidence [][]byte, now time.Time) (*ResolutionResult, error) {
	cm, ok := e.store.ChainedMarket(id)
	if !ok {
		return nil, e.rejectResolution("not_found", fmt.Errorf("%w: %s", ErrMarketNotFound, id))
	}
	if cm.Resolved {
		return nil, e.rejectResolution("already_resolved", fmt.Errorf("%w: %s", ErrAlreadyResolved, id))
	}
	if now.Before(cm.StrikeTime) {
		return nil, e.rejectResolution("not_maturable", fmt.Errorf("%w: final strike at %s",
			ErrNotYetMaturable, cm.StrikeTime.Format(time.RFC3339)))
	}
	if len(evidence) != cm.NumLegs() {
		return nil, e.rejectResolution("leg_data", fmt.Errorf("%w: have %d price points, need %d",
			ErrInsufficientLegData, len(evidence), cm.NumLegs()))
	}

	finalPrices := make([]*big.Int, cm.NumLegs())
	for i := range evidence {
		upd, err := e.oracle.Validate(evidence[i], cm.Asset, cm.LegStrikeTime(i))
		if err != nil {
			e.rejectEvidence(err)
			return nil, e.rejectResolution("oracle", fmt.Errorf("leg %d: %w", i, err))
		}
		finalPrices[i] = upd.Price
	}

	return e.settleChained(cm, finalPrices, false, now), nil
}

// ResolveChainedMarketManually settles a chained market with explicit leg
// prices. Only the admin or a whitelisted resolver may call this.
func (e *Engine) ResolveChainedMarketManually(id uuid.UUID, finalPrices []*big.Int, caller common.Address, now time.Time) (*ResolutionResult, error) {
	if !e.canResolveManually(caller) {
		return nil, e.rejectResolution("unauthorized", ErrNotAuthorized)
	}
	cm, ok := e.store.ChainedMarket(id)
	if !ok {
		return nil, e.rejectResolution("not_found", fmt.Errorf("%w: %s", ErrMarketNotFound, id))
	}
	if cm.Resolved {
		return nil, e.rejectResolution("already_resolved", fmt.Errorf("%w: %s", ErrAlreadyResolved, id))
	}
	if now.Before(cm.StrikeTime) {
		return nil, e.rejectResolution("not_maturable", fmt.Errorf("%w: final strike at %s",
			ErrNotYetMaturable, cm.StrikeTime.Format(time.RFC3339)))
	}
	if len(finalPrices) != cm.NumLegs() {
		return nil, e.rejectResolution("leg_data", fmt.Errorf("%w: have %d price points, need %d",
			ErrInsufficientLegData, len(finalPrices), cm.NumLegs()))
	}
	for i, p := range finalPrices {
		if p == nil || p.Sign() <= 0 {
			return nil, e.rejectResolution("price", fmt.Errorf("leg %d: manual resolution requires a positive price", i))
		}
	}

	prices := make([]*big.Int, len(finalPrices))
	copy(prices, finalPrices)
	return e.settleChained(cm, prices, true, now), nil
}

func (e *Engine) settleChained(cm *market.ChainedMarket, finalPrices []*big.Int, manual bool, now time.Time) *ResolutionResult {
	start := time.Now()

	// Each leg's target is the previous leg's settlement price; the first
	// leg measures against the creation-time strike. One lost leg loses
	// the chain, and intermediate outcomes carry nothing forward.
	win := true
	target := cm.StrikePrice
	for i, p := range finalPrices {
		if !legWins(cm.Directions[i], target, p) {
			win = false
		}
		target = p
	}

	batch := e.settleEscrow(cm.ID, cm.Collateral, cm.EscrowedPayout, win, now)
	e.releaseRisk(cm.ID, cm.Asset, cm.RiskDirection(), cm.RiskReserved)

	cm.Resolved = true
	cm.FinalPrices = finalPrices
	cm.IsUserWinner = win
	cm.ResolvedAt = now
	e.store.MoveChainedToMatured(cm.ID)

	paid := big.NewInt(0)
	if win {
		paid = cm.EscrowedPayout
		if err := e.tokens.TransferOut(cm.Collateral, cm.Owner, paid); err != nil {
			panic(fmt.Sprintf("FATAL: payout transfer failed after ledger commit for market %s: %v", cm.ID, err))
		}
	}

	res := &ResolutionResult{
		MarketID:     cm.ID,
		Kind:         KindChained,
		Owner:        cm.Owner,
		Asset:        cm.Asset,
		Collateral:   cm.Collateral,
		FinalPrices:  finalPrices,
		IsUserWinner: win,
		PayoutPaid:   paid,
		Manual:       manual,
		ResolvedAt:   now,
	}
	e.finishResolution(res, batch, start)
	return res
}

// settleEscrow books the outcome: the escrowed payout either leaves for the
// user or returns to working capital. The escrow pool covered the payout at
// creation, so a generation failure here means corrupted books.
func (e *Engine) settleEscrow(id uuid.UUID, token common.Address, payout *big.Int, win bool, now time.Time) *ledger.Batch {
	var (
		batch *ledger.Batch
		err   error
	)
	if win {
		batch, err = e.journals.GeneratePayout(id, token, payout, now)
	} else {
		batch, err = e.journals.GenerateEscrowReturn(id, token, payout, now)
	}
	if err != nil {
		panic(fmt.Sprintf("FATAL: escrow settlement failed for market %s: %v", id, err))
	}
	e.commit(batch)
	return batch
}

// releaseRisk returns the exact USD exposure recorded at creation. An
// underflow means the registry and the market records disagree.
func (e *Engine) releaseRisk(id uuid.UUID, asset string, dir market.Direction, reserved *big.Int) {
	if err := e.risk.Release(asset, dir, reserved); err != nil {
		panic(fmt.Sprintf("FATAL: risk release underflow for market %s: %v", id, err))
	}
}

func (e *Engine) finishResolution(res *ResolutionResult, batch *ledger.Batch, start time.Time) {
	if e.metrics != nil {
		outcome := "loss"
		if res.IsUserWinner {
			outcome = "win"
		}
		e.metrics.MarketsResolved.WithLabelValues(string(res.Kind), outcome).Inc()
		e.metrics.ResolveDuration.WithLabelValues(string(res.Kind)).
			Observe(time.Since(start).Seconds())
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
		Bool("user_won", res.IsUserWinner).
		Bool("manual", res.Manual).
		Str("payout_paid", res.PayoutPaid.String()).
		Str("final_price", fixed.FormatDecimal(res.FinalPrices[len(res.FinalPrices)-1])).
		Msg("market resolved")

	e.emit(Output{Resolution: res, Batch: batch})
}

// ResolveBatchItem pairs a market with its leg evidence. Single-leg markets
// carry one element.
type ResolveBatchItem struct {
	MarketID uuid.UUID
	Evidence [][]byte
}

// ResolveBatchEntry is the per-item outcome of a batch resolution.
type ResolveBatchEntry struct {
	MarketID uuid.UUID
	Result   *ResolutionResult
	Err      error
}

// ResolveMarketsBatch settles a set of markets in order. A failed entry is
// recorded and skipped so one stale price cannot wedge the rest of the
// sweep; BatchStopOnError flips this to abort-on-first-failure.
func (e *Engine) ResolveMarketsBatch(items []ResolveBatchItem, now time.Time) []ResolveBatchEntry {
	entries := make([]ResolveBatchEntry, 0, len(items))
	for _, item := range items {
		entry := ResolveBatchEntry{MarketID: item.MarketID}

		if _, ok := e.store.Market(item.MarketID); ok {
			if len(item.Evidence) == 0 {
				entry.Err = e.rejectResolution("leg_data",
					fmt.Errorf("%w: no evidence for %s", ErrInsufficientLegData, item.MarketID))
			} else {
				entry.Result, entry.Err = e.ResolveMarket(item.MarketID, item.Evidence[0], now)
			}
		} else if _, ok := e.store.ChainedMarket(item.MarketID); ok {
			entry.Result, entry.Err = e.ResolveChainedMarket(item.MarketID, item.Evidence, now)
		} else {
			entry.Err = e.rejectResolution("not_found",
				fmt.Errorf("%w: %s", ErrMarketNotFound, item.MarketID))
		}

		entries = append(entries, entry)
		if entry.Err != nil {
			e.log.Warn().
				Str("market_id", item.MarketID.String()).
				Err(entry.Err).
				Msg("batch resolution entry failed")
			if e.batchStopOnError {
				break
			}
		}
	}
	return entries
}
