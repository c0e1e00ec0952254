package math_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/math"
)

func x18(f int64) *big.Int {
	out := new(big.Int).Mul(big.NewInt(f), math.X18)
	return out.Div(out, big.NewInt(100))
}

// ============================================================================
// Test: ComputeScaleSizes
// ============================================================================

func TestScaleSizes_SumPreservation(t *testing.T) {
	totals := []int64{300, 1000, 999, 7, 1_000_000_000_000_000}
	skews := []*big.Int{x18(100), x18(250), x18(50), x18(101), x18(99)}
	for _, total := range totals {
		for _, skew := range skews {
			for n := 2; n <= 9; n++ {
				sizes, err := math.ComputeScaleSizes(big.NewInt(total), n, skew)
				if err != nil {
					t.Fatalf("total=%d n=%d skew=%s: %v", total, n, skew, err)
				}
				sum := new(big.Int)
				for _, s := range sizes {
					sum.Add(sum, s)
				}
				if sum.Cmp(big.NewInt(total)) != 0 {
					t.Errorf("total=%d n=%d skew=%s: sum %s, want %d", total, n, skew, sum, total)
				}
			}
		}
	}
}

func TestScaleSizes_UniformSkew(t *testing.T) {
	sizes, err := math.ComputeScaleSizes(big.NewInt(300), 3, x18(100))
	if err != nil {
		t.Fatal(err)
	}
	// First two slices land on ~100 each, the last absorbs rounding.
	one := big.NewInt(1)
	for i := 0; i < 2; i++ {
		diff := new(big.Int).Sub(sizes[i], big.NewInt(100))
		if diff.CmpAbs(one) > 0 {
			t.Errorf("size[%d] = %s, want 100 +/- 1", i, sizes[i])
		}
	}
	want := new(big.Int).Sub(big.NewInt(300), sizes[0])
	want.Sub(want, sizes[1])
	if sizes[2].Cmp(want) != 0 {
		t.Errorf("size[2] = %s, want %s", sizes[2], want)
	}
}

func TestScaleSizes_AscendingSkew(t *testing.T) {
	sizes, err := math.ComputeScaleSizes(big.NewInt(1_000_000), 5, x18(200))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i].Cmp(sizes[i-1]) <= 0 {
			t.Errorf("skew 2.0: size[%d]=%s not > size[%d]=%s", i, sizes[i], i-1, sizes[i-1])
		}
	}
}

func TestScaleSizes_DescendingSkew(t *testing.T) {
	sizes, err := math.ComputeScaleSizes(big.NewInt(1_000_000), 5, x18(50))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i].Cmp(sizes[i-1]) >= 0 {
			t.Errorf("skew 0.5: size[%d]=%s not < size[%d]=%s", i, sizes[i], i-1, sizes[i-1])
		}
	}
}

func TestScaleSizes_Validation(t *testing.T) {
	if _, err := math.ComputeScaleSizes(big.NewInt(100), 1, x18(100)); !errors.Is(err, math.ErrOrderCountTooLow) {
		t.Errorf("n=1: got %v, want ErrOrderCountTooLow", err)
	}
	if _, err := math.ComputeScaleSizes(big.NewInt(100), 3, big.NewInt(0)); !errors.Is(err, math.ErrZeroSkew) {
		t.Errorf("k=0: got %v, want ErrZeroSkew", err)
	}
	if _, err := math.ComputeScaleSizes(big.NewInt(0), 3, x18(100)); err == nil {
		t.Error("zero total accepted")
	}
}

// ============================================================================
// Test: SubBandEdges
// ============================================================================

func TestSubBandEdges_PinnedExtremes(t *testing.T) {
	edges, err := math.SubBandEdges(-300, 300, 60, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 6 {
		t.Fatalf("got %d edges, want 6", len(edges))
	}
	if edges[0] != -300 || edges[5] != 300 {
		t.Errorf("extremes %d..%d, want -300..300", edges[0], edges[5])
	}
	for i := 1; i < len(edges); i++ {
		if edges[i]-edges[i-1] < 60 {
			t.Errorf("sub-band [%d, %d] narrower than one spacing", edges[i-1], edges[i])
		}
		if edges[i]%60 != 0 {
			t.Errorf("edge %d not spacing-aligned", edges[i])
		}
	}
}

func TestSubBandEdges_UnevenSplit(t *testing.T) {
	// 7 spacings over 3 bands: widths settle on 2/3 spacings, never 0.
	edges, err := math.SubBandEdges(0, 420, 60, 3)
	if err != nil {
		t.Fatal(err)
	}
	total := int32(0)
	for i := 1; i < len(edges); i++ {
		w := edges[i] - edges[i-1]
		if w < 60 {
			t.Errorf("band %d width %d below spacing", i, w)
		}
		total += w
	}
	if total != 420 {
		t.Errorf("band widths sum to %d, want 420", total)
	}
}

func TestSubBandEdges_Validation(t *testing.T) {
	if _, err := math.SubBandEdges(0, 120, 60, 3); !errors.Is(err, math.ErrRangeTooNarrow) {
		t.Errorf("narrow range: got %v, want ErrRangeTooNarrow", err)
	}
	if _, err := math.SubBandEdges(0, 130, 60, 2); !errors.Is(err, math.ErrUnalignedBound) {
		t.Errorf("unaligned top: got %v, want ErrUnalignedBound", err)
	}
	if _, err := math.SubBandEdges(120, 0, 60, 2); !errors.Is(err, math.ErrInvertedRange) {
		t.Errorf("inverted: got %v, want ErrInvertedRange", err)
	}
}

// ============================================================================
// Test: ComputeScalePlan
// ============================================================================

func TestScalePlan_OrdersCoverRange(t *testing.T) {
	plan, err := math.ComputeScalePlan(-600, 600, 60, 4, big.NewInt(40_000), x18(150))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Orders) != 4 {
		t.Fatalf("got %d orders, want 4", len(plan.Orders))
	}
	if plan.Orders[0].Bottom != -600 || plan.Orders[3].Top != 600 {
		t.Error("plan does not cover requested range")
	}
	for i := 1; i < 4; i++ {
		if plan.Orders[i].Bottom != plan.Orders[i-1].Top {
			t.Errorf("orders %d and %d not contiguous", i-1, i)
		}
	}
	sum := new(big.Int)
	for _, o := range plan.Orders {
		sum.Add(sum, o.Amount)
	}
	if sum.Cmp(big.NewInt(40_000)) != 0 {
		t.Errorf("amounts sum to %s, want 40000", sum)
	}
}
