package fixedpoint

import (
	"math"
	"math/big"
)

var (
	bpsToPrecision = big.NewInt(1e14) // 1 bp at 1e18 scale
	two            = big.NewInt(2)
	maxInt64       = big.NewInt(math.MaxInt64)
	minInt64       = big.NewInt(math.MinInt64)
)

// Margin returns the initial margin for size at price and leverage.
//
// Formula: (size × price / 1e18) × 1e4 / leverage
func Margin(size, price *big.Int, leverage int64) *big.Int {
	if leverage <= 0 {
		return Zero()
	}
	n := Notional(size, price)
	n.Mul(n, BasisPoints)
	return n.Quo(n, big.NewInt(leverage))
}

// Fee returns the fee charged on size at price for a rate in basis points.
//
// Formula: (size × price / 1e18) × rateBps / 1e4
func Fee(size, price *big.Int, rateBps int64) *big.Int {
	n := Notional(size, price)
	n.Mul(n, big.NewInt(rateBps))
	return n.Quo(n, BasisPoints)
}

// PnL returns the signed profit of a position moving from entry to current.
// size is the quote notional at entry.
//
// Formula: ±size × |current - entry| / entry
func PnL(size, entry, current *big.Int, isLong bool) *big.Int {
	if entry.Sign() <= 0 {
		return Zero()
	}
	diff := new(big.Int).Sub(current, entry)
	cmp := diff.Sign()
	diff.Abs(diff)
	mag := MulDiv(size, diff, entry)

	profit := (isLong && cmp > 0) || (!isLong && cmp < 0)
	if !profit {
		mag.Neg(mag)
	}
	return mag
}

// InitialMarginRateBps returns 1/leverage in basis points.
func InitialMarginRateBps(leverage int64) int64 {
	if leverage <= 0 {
		return BasisPointsInt
	}
	return BasisPointsInt * BasisPointsInt / leverage
}

// DynamicMMR returns min(baseMMR, initialMarginRate/2) in basis points.
func DynamicMMR(leverage, baseMMRBps int64) int64 {
	half := InitialMarginRateBps(leverage) / 2
	if baseMMRBps < half {
		return baseMMRBps
	}
	return half
}

// LiquidationPrice returns the mark price at which a position opened at entry
// with the given leverage reaches its maintenance margin.
//
// Formula:
//
//	long:  entry × (1 - 1/leverage + mmr)
//	short: entry × (1 + 1/leverage - mmr)
//
// mmr is capped at half the initial margin rate, which keeps the result on the
// losing side of entry. A negative long factor yields zero.
func LiquidationPrice(entry *big.Int, leverage, mmrBps int64, isLong bool) *big.Int {
	if leverage <= 0 {
		return Clone(entry)
	}
	return liquidationPrice(entry, big.NewInt(leverage), mmrBps, isLong)
}

func liquidationPrice(entry, leverage *big.Int, mmrBps int64, isLong bool) *big.Int {
	imr := new(big.Int).Mul(Precision, BasisPoints)
	imr.Quo(imr, leverage)

	mmr := new(big.Int).Mul(big.NewInt(mmrBps), bpsToPrecision)
	if capped := new(big.Int).Quo(imr, two); mmr.Cmp(capped) > 0 {
		mmr = capped
	}

	factor := Clone(Precision)
	if isLong {
		factor.Sub(factor, imr).Add(factor, mmr)
	} else {
		factor.Add(factor, imr).Sub(factor, mmr)
	}
	if factor.Sign() <= 0 {
		return Zero()
	}
	return MulDiv(entry, factor, Precision)
}

// LiquidationPriceWithCollateral re-derives the liquidation price from the
// collateral actually backing the position.
//
// Formula: effectiveLeverage = notional × 1e4 / collateral, then
// LiquidationPrice(entry, effectiveLeverage, mmr). Collateral <= 0 returns
// entry.
func LiquidationPriceWithCollateral(entry, size, collateral *big.Int, mmrBps int64, isLong bool) *big.Int {
	if collateral.Sign() <= 0 {
		return Clone(entry)
	}
	effLev := Notional(size, entry)
	effLev.Mul(effLev, BasisPoints)
	effLev.Quo(effLev, collateral)
	if effLev.Sign() == 0 {
		effLev.SetInt64(1)
	}
	return liquidationPrice(entry, effLev, mmrBps, isLong)
}

// BankruptcyPrice returns the price at which collateral is fully exhausted.
//
// Formula: long entry × (1 - 1/leverage), short entry × (1 + 1/leverage)
func BankruptcyPrice(entry *big.Int, leverage int64, isLong bool) *big.Int {
	if leverage <= 0 {
		return Clone(entry)
	}
	imr := new(big.Int).Mul(Precision, BasisPoints)
	imr.Quo(imr, big.NewInt(leverage))

	factor := Clone(Precision)
	if isLong {
		factor.Sub(factor, imr)
	} else {
		factor.Add(factor, imr)
	}
	if factor.Sign() <= 0 {
		return Zero()
	}
	return MulDiv(entry, factor, Precision)
}

// MaintenanceMargin returns notional × mmr / 1e4.
func MaintenanceMargin(notional *big.Int, mmrBps int64) *big.Int {
	return MulDiv(notional, big.NewInt(mmrBps), BasisPoints)
}

// MarginRatio returns maintenanceMargin × 1e4 / margin in basis points.
// A margin at or below zero saturates to 10000 (liquidatable).
func MarginRatio(margin, maintenanceMargin *big.Int) int64 {
	if margin.Sign() <= 0 {
		return BasisPointsInt
	}
	return clampInt64(MulDiv(maintenanceMargin, BasisPoints, margin))
}

// ROE returns unrealizedPnL × 1e4 / collateral in basis points.
func ROE(unrealizedPnL, collateral *big.Int) int64 {
	if collateral.Sign() <= 0 {
		return 0
	}
	return clampInt64(MulDiv(unrealizedPnL, BasisPoints, collateral))
}

// ADLScore ranks profitable positions for auto-deleveraging.
//
// Formula: unrealizedPnL × leverage / collateral when both are positive, else 0
func ADLScore(unrealizedPnL, collateral *big.Int, leverage int64) *big.Int {
	if unrealizedPnL.Sign() <= 0 || collateral.Sign() <= 0 {
		return Zero()
	}
	return MulDiv(unrealizedPnL, big.NewInt(leverage), collateral)
}

func clampInt64(v *big.Int) int64 {
	if v.Cmp(maxInt64) > 0 {
		return math.MaxInt64
	}
	if v.Cmp(minInt64) < 0 {
		return math.MinInt64
	}
	return v.Int64()
}
