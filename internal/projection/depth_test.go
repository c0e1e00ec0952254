package projection_test

import (
	"math/big"
	"testing"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/projection"
)

func placed(side event.Side, bottom, top int32, nonce uint64, liq, amt0, amt1 int64) *event.OrderPlaced {
	return &event.OrderPlaced{
		Owner:     "0xabc",
		OrderSide: side,
		Bottom:    bottom,
		Top:       top,
		Nonce:     nonce,
		Liquidity: big.NewInt(liq),
		Amount0:   big.NewInt(amt0),
		Amount1:   big.NewInt(amt1),
	}
}

func TestDepthOrdering(t *testing.T) {
	dv := projection.NewDepthView()

	// Token0 sellers rest above the market; nearest boundary first means
	// ascending order.
	dv.ApplyPlaced(placed(event.SideSellToken0, 130, 140, 0, 10, 500, 0))
	dv.ApplyPlaced(placed(event.SideSellToken0, 110, 120, 0, 10, 500, 0))
	dv.ApplyPlaced(placed(event.SideSellToken0, 150, 160, 0, 10, 500, 0))

	levels := dv.Levels(event.SideSellToken0, 0)
	if len(levels) != 3 {
		t.Fatalf("levels: got %d, want 3", len(levels))
	}
	if levels[0].Boundary != 120 || levels[1].Boundary != 140 || levels[2].Boundary != 160 {
		t.Errorf("ascending order broken: %d, %d, %d",
			levels[0].Boundary, levels[1].Boundary, levels[2].Boundary)
	}

	// Token1 sellers rest below; nearest first means descending.
	dv.ApplyPlaced(placed(event.SideSellToken1, 60, 70, 0, 10, 0, 500))
	dv.ApplyPlaced(placed(event.SideSellToken1, 90, 100, 0, 10, 0, 500))

	levels = dv.Levels(event.SideSellToken1, 0)
	if len(levels) != 2 {
		t.Fatalf("levels: got %d, want 2", len(levels))
	}
	if levels[0].Boundary != 90 || levels[1].Boundary != 60 {
		t.Errorf("descending order broken: %d, %d", levels[0].Boundary, levels[1].Boundary)
	}
}

func TestDepthLevelAggregatesContributors(t *testing.T) {
	dv := projection.NewDepthView()

	dv.ApplyPlaced(placed(event.SideSellToken0, 110, 120, 0, 10, 400, 0))
	dv.ApplyPlaced(placed(event.SideSellToken0, 110, 120, 0, 15, 600, 0))

	levels := dv.Levels(event.SideSellToken0, 0)
	if len(levels) != 1 {
		t.Fatalf("levels: got %d, want 1 shared band", len(levels))
	}
	if levels[0].Liquidity.Cmp(big.NewInt(25)) != 0 {
		t.Errorf("liquidity: got %s, want 25", levels[0].Liquidity)
	}
	if levels[0].Principal0.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("principal0: got %s, want 1000", levels[0].Principal0)
	}
	if levels[0].Contributor != 2 {
		t.Errorf("contributors: got %d, want 2", levels[0].Contributor)
	}
}

func TestDepthCancelDrainsLevel(t *testing.T) {
	dv := projection.NewDepthView()
	dv.ApplyPlaced(placed(event.SideSellToken0, 110, 120, 0, 10, 400, 0))

	dv.ApplyCancelled(&event.OrderCancelled{
		Owner:     "0xabc",
		OrderSide: event.SideSellToken0,
		Bottom:    110,
		Top:       120,
		Nonce:     0,
		Liquidity: big.NewInt(10),
		Refund0:   big.NewInt(400),
		Refund1:   big.NewInt(0),
		Fee0:      big.NewInt(0),
		Fee1:      big.NewInt(0),
	})

	if got := dv.Len(event.SideSellToken0); got != 0 {
		t.Errorf("level should be gone after last cancel, got %d levels", got)
	}
}

func TestDepthExecutionRemovesOnlyMatchingNonce(t *testing.T) {
	dv := projection.NewDepthView()
	dv.ApplyPlaced(placed(event.SideSellToken0, 110, 120, 2, 10, 400, 0))

	// Stale nonce: the band was re-minted since this execution report.
	dv.ApplyExecuted(&event.OrderExecuted{
		OrderSide: event.SideSellToken0,
		Bottom:    110,
		Top:       120,
		Nonce:     1,
		Liquidity: big.NewInt(10),
		Proceeds0: big.NewInt(0),
		Proceeds1: big.NewInt(390),
		Fee0:      big.NewInt(0),
		Fee1:      big.NewInt(0),
	})
	if dv.Len(event.SideSellToken0) != 1 {
		t.Fatal("stale-nonce execution must not remove the live level")
	}

	dv.ApplyExecuted(&event.OrderExecuted{
		OrderSide: event.SideSellToken0,
		Bottom:    110,
		Top:       120,
		Nonce:     2,
		Liquidity: big.NewInt(10),
		Proceeds0: big.NewInt(0),
		Proceeds1: big.NewInt(390),
		Fee0:      big.NewInt(0),
		Fee1:      big.NewInt(0),
	})
	if dv.Len(event.SideSellToken0) != 0 {
		t.Error("matching-nonce execution should remove the level")
	}
}

func TestDepthWaitingFlag(t *testing.T) {
	dv := projection.NewDepthView()
	dv.ApplyPlaced(placed(event.SideSellToken1, 90, 100, 0, 10, 0, 500))

	dv.ApplyWaiting(event.SideSellToken1, 90, 100, 0, true)
	levels := dv.Levels(event.SideSellToken1, 0)
	if !levels[0].Waiting {
		t.Error("waiting flag not set after deferral")
	}

	dv.ApplyWaiting(event.SideSellToken1, 90, 100, 0, false)
	levels = dv.Levels(event.SideSellToken1, 0)
	if levels[0].Waiting {
		t.Error("waiting flag not cleared")
	}
}

func TestDepthLevelsLimit(t *testing.T) {
	dv := projection.NewDepthView()
	for i := int32(0); i < 5; i++ {
		dv.ApplyPlaced(placed(event.SideSellToken0, 100+i*10, 110+i*10, 0, 10, 100, 0))
	}

	levels := dv.Levels(event.SideSellToken0, 2)
	if len(levels) != 2 {
		t.Fatalf("limit: got %d levels, want 2", len(levels))
	}
	if levels[0].Boundary != 110 {
		t.Errorf("nearest boundary: got %d, want 110", levels[0].Boundary)
	}
}

func TestExecutionHistoryRing(t *testing.T) {
	h := projection.NewExecutionHistory(3)

	for seq := int64(1); seq <= 5; seq++ {
		h.Add(projection.ExecutionRecord{
			Sequence:  seq,
			Liquidity: big.NewInt(seq),
			Proceeds0: big.NewInt(0),
			Proceeds1: big.NewInt(0),
			Fee0:      big.NewInt(0),
			Fee1:      big.NewInt(0),
		})
	}

	if h.Len() != 3 {
		t.Fatalf("ring len: got %d, want 3", h.Len())
	}

	recent := h.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("recent: got %d, want 3", len(recent))
	}
	if recent[0].Sequence != 5 || recent[1].Sequence != 4 || recent[2].Sequence != 3 {
		t.Errorf("newest-first order broken: %d, %d, %d",
			recent[0].Sequence, recent[1].Sequence, recent[2].Sequence)
	}

	one := h.Recent(1)
	if len(one) != 1 || one[0].Sequence != 5 {
		t.Errorf("limit 1: got %v", one)
	}
}
