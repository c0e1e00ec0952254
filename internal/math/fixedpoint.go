package math

import (
	"math/big"
	"sync"
)

// Fixed-point scales used across the engine.
//
// Fee-per-liquidity accumulators carry 18 decimals (X18) so that integer
// division of small fee amounts by large liquidity totals retains precision.
// Sqrt prices use the Q96 binary fixed-point layout of the host AMM.
var (
	X18  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	Q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	Q128 = new(big.Int).Lsh(big.NewInt(1), 128)
)

// bigPool recycles big.Int intermediates for hot-path arithmetic.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	bigPool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncate toward zero (default for ledger math)
	RoundUp
	RoundHalfEven // Banker's rounding (API edge conversions)
)

// MulDiv computes a * b / denom with floor division.
// The denominator must be non-zero; callers own the zero check.
func MulDiv(a, b, denom *big.Int) *big.Int {
	if denom.Sign() == 0 {
		panic("FATAL: MulDiv by zero denominator")
	}
	out := new(big.Int).Mul(a, b)
	return out.Div(out, denom)
}

// MulDivRound computes a * b / denom under the given rounding mode.
func MulDivRound(a, b, denom *big.Int, mode RoundingMode) *big.Int {
	if denom.Sign() == 0 {
		panic("FATAL: MulDivRound by zero denominator")
	}
	num := getBig().Mul(a, b)
	rem := getBig()
	out := new(big.Int)
	out.QuoRem(num, denom, rem)

	switch mode {
	case RoundUp:
		if rem.Sign() != 0 {
			out.Add(out, big.NewInt(1))
		}
	case RoundHalfEven:
		rem.Abs(rem)
		rem.Lsh(rem, 1) // 2*|rem| vs |denom|
		abs := getBig().Abs(denom)
		cmp := rem.Cmp(abs)
		if cmp > 0 || (cmp == 0 && out.Bit(0) == 1) {
			out.Add(out, big.NewInt(1))
		}
		putBig(abs)
	}

	putBig(num)
	putBig(rem)
	return out
}

// FeePerLiquidityDelta converts a raw fee amount into the X18-scaled
// per-liquidity increment: fee * 1e18 / totalLiquidity, floored.
// A zero totalLiquidity returns a zero delta: fees with no contributors to
// attribute them to are abandoned rather than divided by zero.
func FeePerLiquidityDelta(fee, totalLiquidity *big.Int) *big.Int {
	if totalLiquidity.Sign() == 0 || fee.Sign() == 0 {
		return new(big.Int)
	}
	return MulDiv(fee, X18, totalLiquidity)
}

// OwedFromCheckpoint computes the fees owed to one contributor since their
// last checkpoint: (accumulator - checkpoint) * liquidity / 1e18, floored.
func OwedFromCheckpoint(accumulator, checkpoint, liquidity *big.Int) *big.Int {
	delta := getBig().Sub(accumulator, checkpoint)
	if delta.Sign() <= 0 || liquidity.Sign() == 0 {
		putBig(delta)
		return new(big.Int)
	}
	out := MulDiv(delta, liquidity, X18)
	putBig(delta)
	return out
}

// ProRata computes amount * share / total, floored. Used for proportional
// principal splits at claim time; the caller hands the final remainder to
// the last claimant so the parts always sum to the whole.
func ProRata(amount, share, total *big.Int) *big.Int {
	if total.Sign() == 0 {
		return new(big.Int)
	}
	return MulDiv(amount, share, total)
}
