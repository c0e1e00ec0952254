package math

import (
	"fmt"
	stdmath "math"
	"math/big"

	"github.com/shopspring/decimal"
)

// API-edge conversions between human-readable decimals and the engine's
// integer representation. The core never touches these; ticks and base
// units are the only currencies inside the ledger.

var logSqrtBase = stdmath.Log(1.0001)

// TickFromPrice returns the highest tick whose price does not exceed the
// given token1/token0 price.
func TickFromPrice(price decimal.Decimal) (int32, error) {
	f, _ := price.Float64()
	if !(f > 0) || stdmath.IsInf(f, 0) {
		return 0, fmt.Errorf("price %s not representable", price)
	}
	t := int32(stdmath.Floor(stdmath.Log(f) / logSqrtBase))
	if t < MinTick || t > MaxTick {
		return 0, fmt.Errorf("price %s maps to tick %d outside [%d, %d]", price, t, MinTick, MaxTick)
	}
	return t, nil
}

// PriceFromTick returns the approximate token1/token0 price at a tick,
// for display only.
func PriceFromTick(tick int32) decimal.Decimal {
	return decimal.NewFromFloat(stdmath.Exp(float64(tick) * logSqrtBase))
}

// BaseUnits converts a human-readable amount to base units given the
// token's decimal count. Rejects negative amounts and sub-unit dust that
// would truncate away.
func BaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %s is negative", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// DisplayUnits converts base units back to a human-readable decimal.
func DisplayUnits(base *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(base, 0).Shift(-decimals)
}

// AlignTick snaps a tick down to the nearest spacing multiple.
func AlignTick(tick, spacing int32) int32 {
	return int32(floorDiv(int64(tick), int64(spacing))) * spacing
}
