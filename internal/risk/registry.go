package risk

import (
	"errors"
	"fmt"
	"math/big"

	"speedmarkets/internal/fixed"
	"speedmarkets/internal/market"
)

// ErrRiskExceeded is returned when a reservation would push current exposure
// past the per-asset or per-direction ceiling.
var ErrRiskExceeded = errors.New("risk cap exceeded")

// ErrUnderflow is returned when a release would drive exposure negative.
// The counter is clamped at zero; the caller decides how loudly to fail,
// since a release exceeding prior reservations means double accounting
// somewhere upstream.
var ErrUnderflow = errors.New("risk release underflow")

type directionKey struct {
	asset     string
	direction market.Direction
}

type exposure struct {
	current *big.Int
	max     *big.Int
}

// Registry tracks supported assets and aggregate unresolved exposure per
// asset and per asset×direction. Exposure for a market is escrowedPayout
// minus buyin: the amount of working capital at risk if the user wins.
//
// No internal locking: every call is a single atomic step inside the
// engine's serialized request processing.
type Registry struct {
	perAsset     map[string]*exposure
	perDirection map[directionKey]*exposure
}

func NewRegistry() *Registry {
	return &Registry{
		perAsset:     make(map[string]*exposure),
		perDirection: make(map[directionKey]*exposure),
	}
}

// AddAsset registers an asset with per-asset and per-direction ceilings.
// Both directions share the same directional ceiling.
func (r *Registry) AddAsset(asset string, maxRisk, maxDirectionalRisk *big.Int) {
	r.perAsset[asset] = &exposure{
		current: big.NewInt(0),
		max:     new(big.Int).Set(maxRisk),
	}
	for _, dir := range []market.Direction{market.DirectionUp, market.DirectionDown} {
		r.perDirection[directionKey{asset, dir}] = &exposure{
			current: big.NewInt(0),
			max:     new(big.Int).Set(maxDirectionalRisk),
		}
	}
}

// SetMaxRisk updates the per-asset ceiling. Existing exposure is untouched;
// a ceiling below current exposure only blocks new reservations.
func (r *Registry) SetMaxRisk(asset string, maxRisk *big.Int) error {
	exp, ok := r.perAsset[asset]
	if !ok {
		return fmt.Errorf("risk: unknown asset %q", asset)
	}
	exp.max = new(big.Int).Set(maxRisk)
	return nil
}

// SetMaxDirectionalRisk updates the per-direction ceiling for both directions.
func (r *Registry) SetMaxDirectionalRisk(asset string, maxRisk *big.Int) error {
	if _, ok := r.perAsset[asset]; !ok {
		return fmt.Errorf("risk: unknown asset %q", asset)
	}
	for _, dir := range []market.Direction{market.DirectionUp, market.DirectionDown} {
		r.perDirection[directionKey{asset, dir}].max = new(big.Int).Set(maxRisk)
	}
	return nil
}

// IsSupported reports whether the asset has been registered.
func (r *Registry) IsSupported(asset string) bool {
	_, ok := r.perAsset[asset]
	return ok
}

// Assets returns all registered asset keys.
func (r *Registry) Assets() []string {
	out := make([]string, 0, len(r.perAsset))
	for asset := range r.perAsset {
		out = append(out, asset)
	}
	return out
}

// Reserve increments both the per-asset and per-direction counters by amount,
// failing with ErrRiskExceeded (and changing nothing) if either ceiling would
// be breached.
func (r *Registry) Reserve(asset string, dir market.Direction, amount *big.Int) error {
	assetExp, ok := r.perAsset[asset]
	if !ok {
		return fmt.Errorf("risk: unknown asset %q", asset)
	}
	dirExp := r.perDirection[directionKey{asset, dir}]

	next := new(big.Int).Add(assetExp.current, amount)
	if next.Cmp(assetExp.max) > 0 {
		return fmt.Errorf("%w: asset %s current=%s amount=%s max=%s",
			ErrRiskExceeded, asset,
			fixed.FormatDecimal(assetExp.current), fixed.FormatDecimal(amount),
			fixed.FormatDecimal(assetExp.max))
	}
	nextDir := new(big.Int).Add(dirExp.current, amount)
	if nextDir.Cmp(dirExp.max) > 0 {
		return fmt.Errorf("%w: asset %s direction %s current=%s amount=%s max=%s",
			ErrRiskExceeded, asset, dir,
			fixed.FormatDecimal(dirExp.current), fixed.FormatDecimal(amount),
			fixed.FormatDecimal(dirExp.max))
	}

	assetExp.current = next
	dirExp.current = nextDir
	return nil
}

// Release decrements both counters by amount. A market's contribution must be
// released exactly once, at resolution. Counters clamp at zero; ErrUnderflow
// reports that clamping happened.
func (r *Registry) Release(asset string, dir market.Direction, amount *big.Int) error {
	assetExp, ok := r.perAsset[asset]
	if !ok {
		return fmt.Errorf("risk: unknown asset %q", asset)
	}
	dirExp := r.perDirection[directionKey{asset, dir}]

	var underflow bool
	assetExp.current = new(big.Int).Sub(assetExp.current, amount)
	if assetExp.current.Sign() < 0 {
		assetExp.current.SetInt64(0)
		underflow = true
	}
	dirExp.current = new(big.Int).Sub(dirExp.current, amount)
	if dirExp.current.Sign() < 0 {
		dirExp.current.SetInt64(0)
		underflow = true
	}

	if underflow {
		return fmt.Errorf("%w: asset %s direction %s amount=%s",
			ErrUnderflow, asset, dir, fixed.FormatDecimal(amount))
	}
	return nil
}

// Current returns the aggregate unresolved exposure for an asset.
func (r *Registry) Current(asset string) *big.Int {
	if exp, ok := r.perAsset[asset]; ok {
		return new(big.Int).Set(exp.current)
	}
	return big.NewInt(0)
}

// CurrentDirectional returns the unresolved exposure for one direction.
func (r *Registry) CurrentDirectional(asset string, dir market.Direction) *big.Int {
	if exp, ok := r.perDirection[directionKey{asset, dir}]; ok {
		return new(big.Int).Set(exp.current)
	}
	return big.NewInt(0)
}

// MaxRisk returns the per-asset ceiling.
func (r *Registry) MaxRisk(asset string) *big.Int {
	if exp, ok := r.perAsset[asset]; ok {
		return new(big.Int).Set(exp.max)
	}
	return big.NewInt(0)
}

// MaxDirectionalRisk returns the per-direction ceiling.
func (r *Registry) MaxDirectionalRisk(asset string, dir market.Direction) *big.Int {
	if exp, ok := r.perDirection[directionKey{asset, dir}]; ok {
		return new(big.Int).Set(exp.max)
	}
	return big.NewInt(0)
}

// Utilization returns current/max for one direction as a wad-scaled ratio in
// [0,1]. A zero ceiling yields zero, so fee skew stays flat for uncapped or
// unconfigured directions.
func (r *Registry) Utilization(asset string, dir market.Direction) *big.Int {
	exp, ok := r.perDirection[directionKey{asset, dir}]
	if !ok || exp.max.Sign() == 0 {
		return big.NewInt(0)
	}
	return fixed.Clamp01(fixed.DivWad(exp.current, exp.max))
}
