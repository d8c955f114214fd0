package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBigInt parses a human-unit decimal string ("1.5") into a fixed-point
// integer with the given number of decimals. Digits beyond the precision are
// truncated toward zero.
func ToBigInt(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d.Shift(decimals).BigInt(), nil
}

// FromBigInt formats a fixed-point integer as a human-unit decimal string
// without trailing zeros.
func FromBigInt(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// ParseAmount is ToBigInt at the 1e18 scale.
func ParseAmount(s string) (*big.Int, error) {
	return ToBigInt(s, Decimals)
}

// FormatAmount is FromBigInt at the 1e18 scale.
func FormatAmount(v *big.Int) string {
	return FromBigInt(v, Decimals)
}
