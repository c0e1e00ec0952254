package math

import (
	"errors"
	"math/big"
)

var (
	ErrOrderCountTooLow = errors.New("scale order count must be at least 2")
	ErrZeroSkew         = errors.New("skew must be positive")
	ErrRangeTooNarrow   = errors.New("price range too narrow for requested order count")
	ErrSkewTooExtreme   = errors.New("skew leaves no amount for the final order")
	ErrUnalignedBound   = errors.New("boundary not aligned to tick spacing")
	ErrInvertedRange    = errors.New("bottom boundary must be below top boundary")
)

// PlannedOrder is one slice of a scale order request: a sub-band and the
// deposit amount assigned to it.
type PlannedOrder struct {
	Bottom int32
	Top    int32
	Amount *big.Int
}

// ScalePlan is the result of distributing one total amount over n sub-bands
// with a linear skew.
type ScalePlan struct {
	Orders []PlannedOrder
	Total  *big.Int
}

// ComputeScaleSizes distributes total over n orders with skew k (X18 fixed
// point, 1e18 = uniform). The i-th size (1-indexed) is base * mult_i where
//
//	base   = 2*total*1e18 / (n*(1e18+k))
//	mult_i = 1e18 + (k-1e18)*(i-1)/(n-1)   when k >= 1e18
//	mult_i = 1e18 - (1e18-k)*(i-1)/(n-1)   when k <  1e18
//
// The two branches are kept separate deliberately; under integer floors they
// are not interchangeable at the boundary. The final order is total minus
// the sum of the others, so the sizes always sum to total exactly.
func ComputeScaleSizes(total *big.Int, n int, skewX18 *big.Int) ([]*big.Int, error) {
	if n < 2 {
		return nil, ErrOrderCountTooLow
	}
	if skewX18 == nil || skewX18.Sign() <= 0 {
		return nil, ErrZeroSkew
	}
	if total == nil || total.Sign() <= 0 {
		return nil, errors.New("total amount must be positive")
	}

	// base = 2*total*X18 / (n*(X18+k))
	denom := new(big.Int).Add(X18, skewX18)
	denom.Mul(denom, big.NewInt(int64(n)))
	base := new(big.Int).Lsh(total, 1)
	base.Mul(base, X18)
	base.Div(base, denom)

	nMinus1 := big.NewInt(int64(n - 1))
	skewGap := new(big.Int).Sub(skewX18, X18)
	ascending := skewGap.Sign() >= 0
	skewGap.Abs(skewGap)

	sizes := make([]*big.Int, n)
	remaining := new(big.Int).Set(total)
	for i := 1; i < n; i++ {
		step := new(big.Int).Mul(skewGap, big.NewInt(int64(i-1)))
		step.Div(step, nMinus1)
		mult := new(big.Int)
		if ascending {
			mult.Add(X18, step)
		} else {
			mult.Sub(X18, step)
		}
		size := MulDiv(base, mult, X18)
		sizes[i-1] = size
		remaining.Sub(remaining, size)
	}
	if remaining.Sign() <= 0 {
		return nil, ErrSkewTooExtreme
	}
	sizes[n-1] = remaining
	return sizes, nil
}

// SubBandEdges splits [low, high] into n contiguous sub-bands. Interior
// edges land proportionally across the range, rounded to the nearest
// spacing multiple, then nudged so every sub-band is at least one spacing
// wide. The outer edges are pinned to low and high exactly.
func SubBandEdges(low, high, spacing int32, n int) ([]int32, error) {
	if spacing <= 0 {
		return nil, errors.New("tick spacing must be positive")
	}
	if low >= high {
		return nil, ErrInvertedRange
	}
	if low%spacing != 0 || high%spacing != 0 {
		return nil, ErrUnalignedBound
	}
	width := (high - low) / spacing
	if width < int32(n) {
		return nil, ErrRangeTooNarrow
	}

	edges := make([]int32, n+1)
	edges[0] = low
	edges[n] = high
	for i := 1; i < n; i++ {
		raw := int64(low) + int64(high-low)*int64(i)/int64(n)
		e := roundToSpacing(raw, int64(spacing))
		// Keep at least one spacing below this edge and enough room above
		// for the remaining sub-bands.
		min := edges[i-1] + spacing
		max := high - int32(n-i)*spacing
		if e < min {
			e = min
		}
		if e > max {
			e = max
		}
		edges[i] = e
	}
	return edges, nil
}

// ComputeScalePlan validates and assembles a full scale plan: sizes by skew,
// sub-band edges by proportional split.
func ComputeScalePlan(low, high, spacing int32, n int, total, skewX18 *big.Int) (*ScalePlan, error) {
	sizes, err := ComputeScaleSizes(total, n, skewX18)
	if err != nil {
		return nil, err
	}
	edges, err := SubBandEdges(low, high, spacing, n)
	if err != nil {
		return nil, err
	}
	orders := make([]PlannedOrder, n)
	for i := 0; i < n; i++ {
		orders[i] = PlannedOrder{
			Bottom: edges[i],
			Top:    edges[i+1],
			Amount: sizes[i],
		}
	}
	return &ScalePlan{Orders: orders, Total: new(big.Int).Set(total)}, nil
}

func roundToSpacing(v, spacing int64) int32 {
	return int32(floorDiv(2*v+spacing, 2*spacing) * spacing)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
