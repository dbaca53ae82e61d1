package fixed

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// Decimals is the canonical fixed-point precision for USD values, prices
// and rates. All cross-collateral amounts are normalized to this scale.
const Decimals = 18

// Wad returns 10^18, the canonical scale factor.
func Wad() *big.Int {
	return new(big.Int).Set(wad)
}

var (
	wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	ten = big.NewInt(10)
)

// bigPool recycles big.Int scratch values used in intermediate products.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulWad computes a*b/1e18 with truncating (round-down) division.
// Truncation matches the integer-division semantics of the settlement
// formulas; payouts are never rounded up.
func MulWad(a, b *big.Int) *big.Int {
	scratch := getBig()
	scratch.Mul(a, b)
	result := new(big.Int).Quo(scratch, wad)
	putBig(scratch)
	return result
}

// DivWad computes a*1e18/b with truncating division.
// Panics on division by zero: callers must guard denominators.
func DivWad(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		panic("fixed: division by zero")
	}
	scratch := getBig()
	scratch.Mul(a, wad)
	result := new(big.Int).Quo(scratch, b)
	putBig(scratch)
	return result
}

// PowWad raises a wad-scaled base to a small non-negative integer power.
// Used for chained-market payout compounding (multiplier^numLegs).
func PowWad(base *big.Int, n int) *big.Int {
	result := Wad()
	for i := 0; i < n; i++ {
		result = MulWad(result, base)
	}
	return result
}

// FromUnits rescales an amount expressed in a token's native decimals
// to the canonical 18-decimal scale.
func FromUnits(amount *big.Int, decimals uint8) *big.Int {
	if decimals == Decimals {
		return new(big.Int).Set(amount)
	}
	if decimals < Decimals {
		factor := new(big.Int).Exp(ten, big.NewInt(int64(Decimals-decimals)), nil)
		return new(big.Int).Mul(amount, factor)
	}
	factor := new(big.Int).Exp(ten, big.NewInt(int64(decimals-Decimals)), nil)
	return new(big.Int).Quo(amount, factor)
}

// ToUnits rescales a canonical 18-decimal amount back to a token's native
// decimals, truncating any precision the token cannot represent.
func ToUnits(amount *big.Int, decimals uint8) *big.Int {
	if decimals == Decimals {
		return new(big.Int).Set(amount)
	}
	if decimals < Decimals {
		factor := new(big.Int).Exp(ten, big.NewInt(int64(Decimals-decimals)), nil)
		return new(big.Int).Quo(amount, factor)
	}
	factor := new(big.Int).Exp(ten, big.NewInt(int64(decimals-Decimals)), nil)
	return new(big.Int).Mul(amount, factor)
}

// ParseDecimal parses a decimal string ("0.02", "1.7", "30.345") into a
// wad-scaled integer. Rejects more than 18 fractional digits rather than
// silently truncating: configuration values must be exactly representable.
func ParseDecimal(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("fixed: empty decimal")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart = s[:idx]
		fracPart = s[idx+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > Decimals {
		return nil, fmt.Errorf("fixed: %q has more than %d fractional digits", s, Decimals)
	}

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("fixed: invalid decimal %q", s)
	}
	result := new(big.Int).Mul(whole, wad)

	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok {
			return nil, fmt.Errorf("fixed: invalid decimal %q", s)
		}
		scale := new(big.Int).Exp(ten, big.NewInt(int64(Decimals-len(fracPart))), nil)
		result.Add(result, frac.Mul(frac, scale))
	}

	if neg {
		result.Neg(result)
	}
	return result, nil
}

// MustParseDecimal is ParseDecimal for compile-time constants; panics on error.
func MustParseDecimal(s string) *big.Int {
	v, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatDecimal renders a wad-scaled integer as a decimal string with
// trailing zeros trimmed. Used for logging and API responses.
func FormatDecimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)

	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(abs, wad, frac)

	out := whole.String()
	if frac.Sign() != 0 {
		fracStr := fmt.Sprintf("%018s", frac.String())
		fracStr = strings.TrimRight(fracStr, "0")
		out = out + "." + fracStr
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Clamp01 clamps a wad-scaled ratio into [0, 1e18].
func Clamp01(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return big.NewInt(0)
	}
	if v.Cmp(wad) > 0 {
		return Wad()
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or exactly zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
