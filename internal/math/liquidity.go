package math

import (
	"errors"
	"math/big"
)

var ErrEmptyRange = errors.New("sqrt price range is empty")

// Range-liquidity conversions in Q96 fixed point, floor division throughout.
//
//	amount0 = L * Q96 * (sqrtB - sqrtA) / sqrtB / sqrtA
//	amount1 = L * (sqrtB - sqrtA) / Q96
//
// sqrtA < sqrtB is required; callers pass band edges already ordered.

// Amount0ForLiquidity returns the token0 amount a liquidity L spans over
// [sqrtA, sqrtB].
func Amount0ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	num := new(big.Int).Mul(liquidity, Q96)
	diff := getBig().Sub(sqrtB, sqrtA)
	num.Mul(num, diff)
	num.Div(num, sqrtB)
	num.Div(num, sqrtA)
	putBig(diff)
	return num
}

// Amount1ForLiquidity returns the token1 amount a liquidity L spans over
// [sqrtA, sqrtB].
func Amount1ForLiquidity(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	diff := getBig().Sub(sqrtB, sqrtA)
	out := MulDiv(liquidity, diff, Q96)
	putBig(diff)
	return out
}

// LiquidityForAmount0 inverts Amount0ForLiquidity:
// L = amount0 * sqrtA * sqrtB / Q96 / (sqrtB - sqrtA).
func LiquidityForAmount0(sqrtA, sqrtB, amount0 *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	if diff.Sign() <= 0 {
		return nil, ErrEmptyRange
	}
	num := new(big.Int).Mul(amount0, sqrtA)
	num.Mul(num, sqrtB)
	num.Div(num, Q96)
	return num.Div(num, diff), nil
}

// LiquidityForAmount1 inverts Amount1ForLiquidity:
// L = amount1 * Q96 / (sqrtB - sqrtA).
func LiquidityForAmount1(sqrtA, sqrtB, amount1 *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	if diff.Sign() <= 0 {
		return nil, ErrEmptyRange
	}
	return MulDiv(amount1, Q96, diff), nil
}

// AmountsForLiquidity splits a liquidity L over [sqrtA, sqrtB] into the
// token amounts it currently represents, given the pool's sqrt price.
// Below the range the value is all token0, above it all token1, inside it
// a mix split at the current price.
func AmountsForLiquidity(sqrtCurrent, sqrtA, sqrtB, liquidity *big.Int) (amount0, amount1 *big.Int) {
	switch {
	case sqrtCurrent.Cmp(sqrtA) <= 0:
		return Amount0ForLiquidity(sqrtA, sqrtB, liquidity), new(big.Int)
	case sqrtCurrent.Cmp(sqrtB) >= 0:
		return new(big.Int), Amount1ForLiquidity(sqrtA, sqrtB, liquidity)
	default:
		return Amount0ForLiquidity(sqrtCurrent, sqrtB, liquidity),
			Amount1ForLiquidity(sqrtA, sqrtCurrent, liquidity)
	}
}
