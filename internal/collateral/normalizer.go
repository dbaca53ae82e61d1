package collateral

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"speedmarkets/internal/fixed"
)

var (
	// ErrUnsupportedCollateral is returned for unregistered or disabled
	// collaterals, and always for the zero address.
	ErrUnsupportedCollateral = errors.New("unsupported collateral")

	// ErrPriceUnavailable is returned when the price source cannot resolve
	// a collateral's USD price.
	ErrPriceUnavailable = errors.New("collateral price unavailable")
)

// Config describes one supported collateral token.
type Config struct {
	Supported bool
	// BonusRate is a wad-scaled fraction (0.02 = 2%) applied once to the
	// final compounded payout.
	BonusRate *big.Int
	// Decimals is the token's native decimal count.
	Decimals uint8
	// PriceKey is the symbolic key the PriceSource resolves to an
	// 18-decimal USD price.
	PriceKey string
}

// PriceSource resolves a symbolic collateral key to an 18-decimal USD price.
// Injected; external to the engine.
type PriceSource interface {
	Price(key string) (*big.Int, error)
}

// Normalizer converts native-decimal collateral amounts into canonical
// 18-decimal USD values and applies per-collateral payout bonuses.
type Normalizer struct {
	configs map[common.Address]Config
	prices  PriceSource
	// usdKey is the price key of the canonical USD collateral; every
	// conversion is quoted against its price.
	usdKey string
}

func NewNormalizer(prices PriceSource, canonicalUSDKey string) *Normalizer {
	return &Normalizer{
		configs: make(map[common.Address]Config),
		prices:  prices,
		usdKey:  canonicalUSDKey,
	}
}

// Register adds or replaces a collateral configuration. The zero address is
// never a valid collateral key.
func (n *Normalizer) Register(addr common.Address, cfg Config) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrUnsupportedCollateral)
	}
	if cfg.PriceKey == "" {
		return fmt.Errorf("collateral %s: empty price key", addr.Hex())
	}
	if cfg.BonusRate == nil {
		cfg.BonusRate = big.NewInt(0)
	}
	n.configs[addr] = cfg
	return nil
}

// IsSupported reports whether the address is registered and enabled.
func (n *Normalizer) IsSupported(addr common.Address) bool {
	cfg, ok := n.configs[addr]
	return ok && cfg.Supported
}

// Lookup returns the configuration for a supported collateral.
func (n *Normalizer) Lookup(addr common.Address) (Config, error) {
	cfg, ok := n.configs[addr]
	if !ok || !cfg.Supported {
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedCollateral, addr.Hex())
	}
	return cfg, nil
}

// ToUSD converts a native-decimal collateral amount into the canonical
// 18-decimal USD value: rescale to 18 decimals, then multiply by
// price(collateral)/price(canonicalUSD).
func (n *Normalizer) ToUSD(addr common.Address, amount *big.Int) (*big.Int, error) {
	cfg, err := n.Lookup(addr)
	if err != nil {
		return nil, err
	}

	price, err := n.resolvePrice(cfg.PriceKey)
	if err != nil {
		return nil, err
	}
	usdPrice, err := n.resolvePrice(n.usdKey)
	if err != nil {
		return nil, err
	}

	scaled := fixed.FromUnits(amount, cfg.Decimals)
	return fixed.DivWad(fixed.MulWad(scaled, price), usdPrice), nil
}

// ApplyBonus returns basePayout*(1+bonusRate). The bonus is additive on top
// of the payout multiplier and applied exactly once, to the final compounded
// payout, never per leg.
func (n *Normalizer) ApplyBonus(addr common.Address, basePayout *big.Int) (*big.Int, error) {
	cfg, err := n.Lookup(addr)
	if err != nil {
		return nil, err
	}
	factor := new(big.Int).Add(fixed.Wad(), cfg.BonusRate)
	return fixed.MulWad(basePayout, factor), nil
}

func (n *Normalizer) resolvePrice(key string) (*big.Int, error) {
	price, err := n.prices.Price(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, key, err)
	}
	if fixed.IsZero(price) {
		return nil, fmt.Errorf("%w: %s resolved to zero", ErrPriceUnavailable, key)
	}
	return price, nil
}
