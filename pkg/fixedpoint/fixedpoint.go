// Package fixedpoint implements the integer arithmetic shared by the position,
// liquidation and lending components.
//
// Two scales are used throughout:
//   - Precision (1e18) for sizes, prices and quote amounts
//   - BasisPoints (1e4) for leverage, rates and ratios
//
// Every division truncates toward zero so results are bit-exact across
// implementations.
package fixedpoint

import (
	"math/big"
	"sync"
)

const (
	// Decimals is the number of fractional digits carried by Precision values.
	Decimals = 18

	// BasisPointsInt is 100% expressed in basis points.
	BasisPointsInt = 10_000
)

var (
	// Precision is the 1e18 scale for sizes, prices and quote amounts.
	Precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

	// BasisPoints is the 1e4 scale for leverage and rates (10x = 100000).
	BasisPoints = big.NewInt(BasisPointsInt)
)

// Scratch ints for intermediate products; returned values are always fresh.
var scratchPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getScratch() *big.Int {
	return scratchPool.Get().(*big.Int)
}

func putScratch(v *big.Int) {
	v.SetInt64(0)
	scratchPool.Put(v)
}

// MulDiv returns a·b/c truncated toward zero. c must be non-zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	tmp := getScratch()
	defer putScratch(tmp)
	tmp.Mul(a, b)
	return new(big.Int).Quo(tmp, c)
}

// Notional returns size·price/1e18 in quote units.
func Notional(size, price *big.Int) *big.Int {
	return MulDiv(size, price, Precision)
}

// Units returns v·1e18, i.e. a whole number of units in fixed-point.
func Units(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), Precision)
}

// Zero returns a fresh zero value.
func Zero() *big.Int { return new(big.Int) }

// Clone copies v; nil is treated as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsPositive reports v > 0; nil is not positive.
func IsPositive(v *big.Int) bool { return v != nil && v.Sign() > 0 }

// Abs returns |v| as a fresh value.
func Abs(v *big.Int) *big.Int { return new(big.Int).Abs(v) }

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// Max returns a copy of the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// AverageEntryPrice returns the size-weighted average Σ(size·price)/Σsize for
// two fills. A zero combined size returns the new price.
func AverageEntryPrice(oldSize, oldPrice, addSize, addPrice *big.Int) *big.Int {
	total := new(big.Int).Add(oldSize, addSize)
	if total.Sign() == 0 {
		return Clone(addPrice)
	}
	weighted := new(big.Int).Mul(oldSize, oldPrice)
	tmp := getScratch()
	defer putScratch(tmp)
	tmp.Mul(addSize, addPrice)
	weighted.Add(weighted, tmp)
	return weighted.Quo(weighted, total)
}
