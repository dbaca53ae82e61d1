package engine

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"speedmarkets/internal/collateral"
	"speedmarkets/internal/ledger"
	"speedmarkets/internal/market"
	"speedmarkets/internal/observability"
	"speedmarkets/internal/oracle"
	"speedmarkets/internal/pricing"
	"speedmarkets/internal/referral"
	"speedmarkets/internal/risk"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	// ErrAssetNotSupported rejects creation for assets with no risk entry.
	ErrAssetNotSupported = errors.New("asset not supported")

	// ErrInvalidDuration rejects strike times outside the configured window.
	ErrInvalidDuration = errors.New("invalid market duration")

	// ErrInvalidChainLength rejects chains outside the configured length range.
	ErrInvalidChainLength = errors.New("invalid chain length")

	// ErrBuyinOutOfRange rejects USD-normalized buy-ins outside the bounds.
	ErrBuyinOutOfRange = errors.New("buy-in out of range")

	// ErrMarketNotFound means no market, single or chained, has the given ID.
	ErrMarketNotFound = errors.New("market not found")

	// ErrNotYetMaturable rejects resolution before the final strike time.
	ErrNotYetMaturable = errors.New("market not yet maturable")

	// ErrAlreadyResolved rejects a second resolution of the same market.
	ErrAlreadyResolved = errors.New("market already resolved")

	// ErrInsufficientLegData rejects chained resolution with fewer price
	// points than legs.
	ErrInsufficientLegData = errors.New("insufficient leg data")

	// ErrNotAuthorized rejects admin or manual-resolution calls from
	// non-whitelisted callers.
	ErrNotAuthorized = errors.New("caller not authorized")

	// ErrInsufficientCapital rejects creation when working capital cannot
	// cover the net draw of escrow plus fees.
	ErrInsufficientCapital = errors.New("insufficient working capital")

	// ErrPaused rejects creation while the engine is paused. Resolution is
	// never blocked by a pause.
	ErrPaused = errors.New("engine paused")
)

// TokenTransferer moves collateral tokens across the engine boundary. The
// ledger batch is committed first; a transfer failure afterwards leaves the
// books and the outside world disagreeing, which is fatal.
type TokenTransferer interface {
	TransferIn(token, from common.Address, amount *big.Int) error
	TransferOut(token, to common.Address, amount *big.Int) error
}

// NopTransferer satisfies TokenTransferer without moving anything. Used in
// tests and dry-run deployments where token custody lives elsewhere.
type NopTransferer struct{}

func (NopTransferer) TransferIn(token, from common.Address, amount *big.Int) error { return nil }
func (NopTransferer) TransferOut(token, to common.Address, amount *big.Int) error  { return nil }

// Limits are the creation-time bounds. USD amounts are 18-decimal.
type Limits struct {
	MinBuyinUSD *big.Int
	MaxBuyinUSD *big.Int

	// Single-leg strike window, measured from the creation timestamp.
	MinDuration time.Duration
	MaxDuration time.Duration

	// Chained per-leg timeframe window.
	MinTimeFrame time.Duration
	MaxTimeFrame time.Duration

	MinChainLength int
	MaxChainLength int

	// DefaultSlippage applies when a creation request carries no explicit
	// slippage bound. Wad-scaled ratio.
	DefaultSlippage *big.Int
}

// Output is what the engine hands downstream after a committed operation.
// Exactly one of Creation or Resolution is set.
type Output struct {
	Creation   *CreationResult
	Resolution *ResolutionResult
	Batch      *ledger.Batch
}

// Engine is the single-threaded market factory and settlement core. All
// mutating calls take the current time as an argument; the engine never
// reads the wall clock, so a replay of the same calls yields the same state.
type Engine struct {
	log     zerolog.Logger
	metrics *observability.Metrics

	store       *market.Store
	risk        *risk.Registry
	collaterals *collateral.Normalizer
	fees        *pricing.Calculator
	oracle      *oracle.Validator
	splitter    *referral.Splitter

	tracker    *ledger.BalanceTracker
	journals   *ledger.JournalGenerator
	invariants *ledger.InvariantValidator

	tokens TokenTransferer

	limits      Limits
	multipliers map[int]*big.Int

	admin     common.Address
	resolvers map[common.Address]bool

	paused           bool
	batchStopOnError bool

	persistChan chan<- Output
	publishChan chan<- Output
}

// Params wires an Engine. PersistChan and PublishChan may be nil; persist
// sends block, publish sends drop when the channel is full.
type Params struct {
	Log         zerolog.Logger
	Metrics     *observability.Metrics
	Store       *market.Store
	Risk        *risk.Registry
	Collaterals *collateral.Normalizer
	Fees        *pricing.Calculator
	Oracle      *oracle.Validator
	Splitter    *referral.Splitter
	Tracker     *ledger.BalanceTracker
	Tokens      TokenTransferer
	Limits      Limits
	// Multipliers maps chain length to the wad-scaled per-leg payout scalar.
	Multipliers map[int]*big.Int
	Admin       common.Address
	// Resolvers are additionally allowed to resolve manually.
	Resolvers []common.Address
	// BatchStopOnError makes ResolveMarketsBatch abort at the first failed
	// entry instead of skipping it.
	BatchStopOnError bool
	PersistChan      chan<- Output
	PublishChan      chan<- Output
}

func New(p Params) (*Engine, error) {
	if p.Store == nil || p.Risk == nil || p.Collaterals == nil ||
		p.Fees == nil || p.Oracle == nil || p.Splitter == nil || p.Tracker == nil {
		return nil, fmt.Errorf("engine: missing collaborator")
	}
	if p.Tokens == nil {
		p.Tokens = NopTransferer{}
	}
	if p.Limits.MinChainLength < 2 {
		return nil, fmt.Errorf("engine: min chain length must be >= 2, got %d", p.Limits.MinChainLength)
	}
	if p.Limits.MaxChainLength < p.Limits.MinChainLength {
		return nil, fmt.Errorf("engine: max chain length %d below min %d",
			p.Limits.MaxChainLength, p.Limits.MinChainLength)
	}
	for n := p.Limits.MinChainLength; n <= p.Limits.MaxChainLength; n++ {
		m, ok := p.Multipliers[n]
		if !ok || m == nil || m.Sign() <= 0 {
			return nil, fmt.Errorf("engine: no payout multiplier for chain length %d", n)
		}
	}
	if p.Limits.MinBuyinUSD == nil || p.Limits.MaxBuyinUSD == nil ||
		p.Limits.MinBuyinUSD.Sign() <= 0 ||
		p.Limits.MaxBuyinUSD.Cmp(p.Limits.MinBuyinUSD) < 0 {
		return nil, fmt.Errorf("engine: invalid buy-in bounds")
	}
	if p.Limits.DefaultSlippage == nil {
		p.Limits.DefaultSlippage = big.NewInt(0)
	}

	resolvers := make(map[common.Address]bool, len(p.Resolvers))
	for _, r := range p.Resolvers {
		resolvers[r] = true
	}

	return &Engine{
		log:              p.Log,
		metrics:          p.Metrics,
		store:            p.Store,
		risk:             p.Risk,
		collaterals:      p.Collaterals,
		fees:             p.Fees,
		oracle:           p.Oracle,
		splitter:         p.Splitter,
		tracker:          p.Tracker,
		journals:         ledger.NewJournalGenerator(p.Tracker),
		invariants:       ledger.NewInvariantValidator(p.Tracker),
		tokens:           p.Tokens,
		limits:           p.Limits,
		multipliers:      p.Multipliers,
		admin:            p.Admin,
		resolvers:        resolvers,
		batchStopOnError: p.BatchStopOnError,
		persistChan:      p.PersistChan,
		publishChan:      p.PublishChan,
	}, nil
}

// SetPaused toggles the creation gate. Admin only.
func (e *Engine) SetPaused(caller common.Address, paused bool) error {
	if caller != e.admin {
		return ErrNotAuthorized
	}
	e.paused = paused
	e.log.Info().Bool("paused", paused).Msg("pause state changed")
	return nil
}

// Paused reports whether creation is currently gated.
func (e *Engine) Paused() bool {
	return e.paused
}

// AddResolver whitelists an address for manual resolution. Admin only.
func (e *Engine) AddResolver(caller, resolver common.Address) error {
	if caller != e.admin {
		return ErrNotAuthorized
	}
	e.resolvers[resolver] = true
	return nil
}

// RemoveResolver drops an address from the manual-resolution whitelist.
func (e *Engine) RemoveResolver(caller, resolver common.Address) error {
	if caller != e.admin {
		return ErrNotAuthorized
	}
	delete(e.resolvers, resolver)
	return nil
}

func (e *Engine) canResolveManually(caller common.Address) bool {
	return caller == e.admin || e.resolvers[caller]
}

// DepositCapital funds the working capital pool. Open to any caller; the
// token transfer pulls from the caller.
func (e *Engine) DepositCapital(caller, token common.Address, amount *big.Int, now time.Time) error {
	if !e.collaterals.IsSupported(token) {
		return collateral.ErrUnsupportedCollateral
	}
	batch, err := e.journals.GenerateCapitalDeposit(token, amount, now)
	if err != nil {
		return err
	}
	e.commit(batch)
	if err := e.tokens.TransferIn(token, caller, amount); err != nil {
		panic(fmt.Sprintf("FATAL: capital deposit transfer failed after ledger commit: %v", err))
	}
	e.emit(Output{Batch: batch})
	e.log.Info().
		Str("token", token.Hex()).
		Str("amount", amount.String()).
		Str("caller", caller.Hex()).
		Msg("capital deposited")
	return nil
}

// WithdrawCapital drains working capital to the admin. The ledger pre-check
// guarantees escrowed payouts can never be withdrawn.
func (e *Engine) WithdrawCapital(caller, token common.Address, amount *big.Int, now time.Time) error {
	if caller != e.admin {
		return ErrNotAuthorized
	}
	batch, err := e.journals.GenerateCapitalWithdrawal(token, amount, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientCapital, err)
	}
	e.commit(batch)
	if err := e.tokens.TransferOut(token, caller, amount); err != nil {
		panic(fmt.Sprintf("FATAL: capital withdrawal transfer failed after ledger commit: %v", err))
	}
	e.emit(Output{Batch: batch})
	e.log.Info().
		Str("token", token.Hex()).
		Str("amount", amount.String()).
		Msg("capital withdrawn")
	return nil
}

// commit applies a validated batch and re-checks the books. Failures here
// mean corrupted accounting, not bad input.
func (e *Engine) commit(batch *ledger.Batch) {
	if err := e.tracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch %s: %v", batch.BatchID, err))
	}
	if err := e.invariants.ValidateGlobalBalance(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after batch %s: %v", batch.BatchID, err))
	}
	if e.metrics != nil {
		for _, j := range batch.Journals {
			e.metrics.JournalsGenerated.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
}

// emit hands a committed output downstream. The persist channel is the
// durability path and blocks; the publish channel is best-effort.
func (e *Engine) emit(out Output) {
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
			e.log.Warn().Msg("publish channel full, output dropped")
		}
	}
}

// nativeFloat converts a raw base-unit amount for gauge observation.
func nativeFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// evidenceReason buckets an oracle validation failure for the rejection
// counter.
func evidenceReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale"
	case errors.Is(err, oracle.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, oracle.ErrFeedMismatch):
		return "feed_mismatch"
	case errors.Is(err, oracle.ErrEmptyEvidence):
		return "empty"
	case errors.Is(err, oracle.ErrUnknownFeed):
		return "unknown_feed"
	case errors.Is(err, oracle.ErrMalformedEvidence):
		return "malformed"
	default:
		return "invalid"
	}
}

func (e *Engine) rejectEvidence(err error) {
	if e.metrics != nil {
		e.metrics.EvidenceRejected.WithLabelValues(evidenceReason(err)).Inc()
	}
}

func (e *Engine) observeRisk(asset string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RiskCurrent.WithLabelValues(asset).
		Set(observability.WadToFloat(e.risk.Current(asset)))
	for _, d := range []market.Direction{market.DirectionUp, market.DirectionDown} {
		e.metrics.RiskDirectional.WithLabelValues(asset, d.String()).
			Set(observability.WadToFloat(e.risk.CurrentDirectional(asset, d)))
	}
}
