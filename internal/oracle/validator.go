package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"speedmarkets/internal/fixed"
)

var (
	// ErrEmptyEvidence is returned when no update payload is supplied.
	ErrEmptyEvidence = errors.New("empty oracle evidence")

	// ErrStalePrice is returned when the publish time is further from the
	// expected timestamp than the configured staleness bound.
	ErrStalePrice = errors.New("stale oracle price")

	// ErrSlippageExceeded is returned on the creation path when the
	// observed price deviates from the requested price beyond the bound.
	ErrSlippageExceeded = errors.New("price slippage exceeded")

	// ErrFeedMismatch is returned when the evidence attests a different
	// feed than the asset requires.
	ErrFeedMismatch = errors.New("oracle feed mismatch")

	// ErrUnknownFeed is returned for assets with no configured feed id.
	ErrUnknownFeed = errors.New("no oracle feed configured")
)

// Validator validates externally supplied price-update evidence and extracts
// a canonical (price, timestamp) pair. Decoding of the authenticated inner
// payload covers both accepted encodings; signature verification is the
// injected Verifier's job.
type Validator struct {
	verifier     Verifier
	feeds        map[string][32]byte
	maxStaleness time.Duration
}

func NewValidator(verifier Verifier, maxStaleness time.Duration) *Validator {
	return &Validator{
		verifier:     verifier,
		feeds:        make(map[string][32]byte),
		maxStaleness: maxStaleness,
	}
}

// RegisterFeed maps an asset key to the feed id its evidence must carry.
func (v *Validator) RegisterFeed(asset string, feedID [32]byte) {
	v.feeds[asset] = feedID
}

// MaxStaleness returns the configured staleness bound.
func (v *Validator) MaxStaleness() time.Duration {
	return v.maxStaleness
}

// Validate authenticates and decodes evidence for the given asset and checks
// its publish time against expectedTime. Used on the resolution path, where
// only staleness applies.
func (v *Validator) Validate(evidence []byte, asset string, expectedTime time.Time) (PriceUpdate, error) {
	if len(evidence) == 0 {
		return PriceUpdate{}, ErrEmptyEvidence
	}

	wantFeed, ok := v.feeds[asset]
	if !ok {
		return PriceUpdate{}, fmt.Errorf("%w: asset %s", ErrUnknownFeed, asset)
	}

	inner, err := v.verifier.Verify(evidence)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("verify evidence: %w", err)
	}

	upd, err := DecodeUpdate(inner)
	if err != nil {
		return PriceUpdate{}, err
	}
	if upd.FeedID != wantFeed {
		return PriceUpdate{}, fmt.Errorf("%w: asset %s", ErrFeedMismatch, asset)
	}
	if upd.Price == nil || upd.Price.Sign() <= 0 {
		return PriceUpdate{}, fmt.Errorf("%w: non-positive price", ErrMalformedEvidence)
	}

	drift := expectedTime.Sub(upd.PublishTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxStaleness {
		return PriceUpdate{}, fmt.Errorf("%w: published %s, expected %s (max drift %s)",
			ErrStalePrice, upd.PublishTime.Format(time.RFC3339),
			expectedTime.Format(time.RFC3339), v.maxStaleness)
	}

	return upd, nil
}

// ValidateWithSlippage is the creation-path variant: staleness plus a bound
// on |price − expectedPrice| / expectedPrice.
func (v *Validator) ValidateWithSlippage(
	evidence []byte,
	asset string,
	expectedTime time.Time,
	expectedPrice *big.Int,
	slippageBound *big.Int,
) (PriceUpdate, error) {
	upd, err := v.Validate(evidence, asset, expectedTime)
	if err != nil {
		return PriceUpdate{}, err
	}

	if expectedPrice == nil || expectedPrice.Sign() <= 0 {
		return PriceUpdate{}, fmt.Errorf("%w: non-positive expected price", ErrMalformedEvidence)
	}

	diff := new(big.Int).Sub(upd.Price, expectedPrice)
	diff.Abs(diff)
	deviation := fixed.DivWad(diff, expectedPrice)
	if deviation.Cmp(slippageBound) > 0 {
		return PriceUpdate{}, fmt.Errorf("%w: observed %s vs requested %s (deviation %s, bound %s)",
			ErrSlippageExceeded,
			fixed.FormatDecimal(upd.Price), fixed.FormatDecimal(expectedPrice),
			fixed.FormatDecimal(deviation), fixed.FormatDecimal(slippageBound))
	}

	return upd, nil
}
