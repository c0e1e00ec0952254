package math

import (
	"errors"
	"fmt"
	"math/big"
)

// Tick range representable by the host AMM's sqrt price type.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var ErrTickOutOfRange = errors.New("tick outside representable range")

// sqrtMultipliers are the Q128 constants for sqrt(1.0001)^-(2^i), applied
// bit by bit over the absolute tick. Same table the host AMM uses, so the
// engine's price view matches the pool's exactly.
var sqrtMultipliers = func() []*big.Int {
	hex := []string{
		"fffcb933bd6fad37aa2d162d1a594001",
		"fff97272373d413259a46990580e213a",
		"fff2e50f5f656932ef12357cf3c7fdcc",
		"ffe5caca7e10e4e61c3624eaa0941cd0",
		"ffcb9843d60f6159c9db58835c926644",
		"ff973b41fa98c081472e6896dfb254c0",
		"ff2ea16466c96a3843ec78b326b52861",
		"fe5dee046a99a2a811c461f1969c3053",
		"fcbe86c7900a88aedcffc83b479aa3a4",
		"f987a7253ac413176f2b074cf7815e54",
		"f3392b0822b70005940c7a398e4b70f3",
		"e7159475a2c29b7443b29c7fa6e889d9",
		"d097f3bdfd2022b8845ad8f792aa5825",
		"a9f746462d870fdf8a65dc1f90e061e5",
		"70d869a156d2a1b890bb3df62baf32f7",
		"31be135f97d08fd981231505542fcfa6",
		"9aa508b5b7a84e1c677de54f3e99bc9",
		"5d6af8dedb81196699c329225ee604",
		"2216e584f5fa1ea926041bedfe98",
		"48a170391f7dc42444e8fa2",
	}
	out := make([]*big.Int, len(hex))
	for i, h := range hex {
		v, ok := new(big.Int).SetString(h, 16)
		if !ok {
			panic("FATAL: bad sqrt multiplier constant")
		}
		out[i] = v
	}
	return out
}()

var (
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	roundQ32   = new(big.Int).SetUint64(0xFFFFFFFF)
)

// SqrtPriceAtTick returns sqrt(1.0001^tick) in Q96 fixed point.
func SqrtPriceAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: %d outside [%d, %d]", ErrTickOutOfRange, tick, MinTick, MaxTick)
	}

	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int).Set(Q128)
	for i := 0; i < len(sqrtMultipliers); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio.Mul(ratio, sqrtMultipliers[i])
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio = new(big.Int).Div(maxUint256, ratio)
	}

	// Round up while shifting from Q128 down to Q96.
	ratio.Add(ratio, roundQ32)
	ratio.Rsh(ratio, 32)
	return ratio, nil
}

// MustSqrtPriceAtTick is SqrtPriceAtTick for ticks already validated to be
// in range. Out-of-range input is a ledger corruption, not a user error.
func MustSqrtPriceAtTick(tick int32) *big.Int {
	p, err := SqrtPriceAtTick(tick)
	if err != nil {
		panic("FATAL: " + err.Error())
	}
	return p
}
