package state_test

import (
	"testing"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/state"
)

func key(bottom, top int32, side state.Side, nonce uint64) state.PositionKey {
	return state.PositionKey{
		Band:  state.BandKey{Bottom: bottom, Top: top, Side: side},
		Nonce: nonce,
	}
}

// ============================================================================
// Test: TickIndex register / unregister / membership
// ============================================================================

func TestTickIndex_RegisterAndLookup(t *testing.T) {
	ti := state.NewTickIndex(60)
	k := key(120, 180, state.SellToken0, 0)

	ti.Register(state.SellToken0, 180, k)

	if !ti.IsSet(state.SellToken0, 180) {
		t.Error("registered boundary not set")
	}
	if ti.IsSet(state.SellToken1, 180) {
		t.Error("boundary set on the wrong side")
	}
	got, ok := ti.KeyAt(state.SellToken0, 180)
	if !ok || got != k {
		t.Errorf("KeyAt = %v,%v, want %v,true", got, ok, k)
	}

	ti.Unregister(state.SellToken0, 180)
	if ti.IsSet(state.SellToken0, 180) {
		t.Error("boundary still set after unregister")
	}
	if _, ok := ti.KeyAt(state.SellToken0, 180); ok {
		t.Error("key still present after unregister")
	}
}

func TestTickIndex_NegativeBoundaries(t *testing.T) {
	ti := state.NewTickIndex(60)
	k := key(-240, -180, state.SellToken1, 3)

	ti.Register(state.SellToken1, -240, k)
	if !ti.IsSet(state.SellToken1, -240) {
		t.Fatal("negative boundary not set")
	}

	// A neighbor one spacing away must not collide in the bitmap.
	if ti.IsSet(state.SellToken1, -180) || ti.IsSet(state.SellToken1, -300) {
		t.Error("adjacent boundaries read as set")
	}
	ti.Unregister(state.SellToken1, -240)
}

func TestTickIndex_DoubleRegisterPanics(t *testing.T) {
	ti := state.NewTickIndex(60)
	ti.Register(state.SellToken0, 60, key(0, 60, state.SellToken0, 0))

	defer func() {
		if recover() == nil {
			t.Error("double register did not panic")
		}
	}()
	ti.Register(state.SellToken0, 60, key(0, 60, state.SellToken0, 1))
}

func TestTickIndex_UnregisterMissingPanics(t *testing.T) {
	ti := state.NewTickIndex(60)

	defer func() {
		if recover() == nil {
			t.Error("unregister of empty boundary did not panic")
		}
	}()
	ti.Unregister(state.SellToken0, 600)
}

// ============================================================================
// Test: NextOccupied scans
// ============================================================================

func TestTickIndex_NextOccupiedUp(t *testing.T) {
	ti := state.NewTickIndex(60)
	boundaries := []int32{-600, -60, 0, 120, 15360, 15420}
	for _, b := range boundaries {
		ti.Register(state.SellToken0, b, key(b-60, b, state.SellToken0, 0))
	}

	cases := []struct {
		from   int32
		want   int32
		wantOK bool
	}{
		{-700, -600, true},
		{-600, -60, true}, // strictly beyond from
		{-59, 0, true},
		{0, 120, true},
		{120, 15360, true}, // crosses many empty words
		{15360, 15420, true},
		{15420, 0, false},
	}
	for _, c := range cases {
		got, ok := ti.NextOccupied(state.SellToken0, c.from, true)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("NextOccupied(up, %d) = %d,%v, want %d,%v", c.from, got, ok, c.want, c.wantOK)
		}
	}
}

func TestTickIndex_NextOccupiedDown(t *testing.T) {
	ti := state.NewTickIndex(60)
	boundaries := []int32{-15420, -120, 0, 60, 600}
	for _, b := range boundaries {
		ti.Register(state.SellToken1, b, key(b, b+60, state.SellToken1, 0))
	}

	cases := []struct {
		from   int32
		want   int32
		wantOK bool
	}{
		{700, 600, true},
		{600, 60, true},
		{60, 0, true},
		{0, -120, true},
		{-120, -15420, true},
		{-15420, 0, false},
	}
	for _, c := range cases {
		got, ok := ti.NextOccupied(state.SellToken1, c.from, false)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("NextOccupied(down, %d) = %d,%v, want %d,%v", c.from, got, ok, c.want, c.wantOK)
		}
	}
}

// ============================================================================
// Test: ExecutionScanner boundary correctness
// ============================================================================

func TestScanner_CollectsExactWindow(t *testing.T) {
	ti := state.NewTickIndex(60)
	pm := state.NewPositionManager()
	scanner := state.NewExecutionScanner(ti, pm)

	// Token0 sellers at tops 120, 240, 360, 480.
	for _, top := range []int32{120, 240, 360, 480} {
		band := state.BandKey{Bottom: top - 60, Top: top, Side: state.SellToken0}
		pos := pm.GetOrCreateLive(band)
		ti.Register(state.SellToken0, top, pos.Key)
	}

	// Price moves 120 -> 360: 120 itself excluded, 360 included.
	eligible := scanner.Scan(state.SellToken0, 120, 360)
	if len(eligible) != 2 {
		t.Fatalf("got %d eligible, want 2", len(eligible))
	}
	if eligible[0].Band.Top != 240 || eligible[1].Band.Top != 360 {
		t.Errorf("eligible tops = %d, %d, want 240, 360", eligible[0].Band.Top, eligible[1].Band.Top)
	}
}

func TestScanner_DownwardWindow(t *testing.T) {
	ti := state.NewTickIndex(60)
	pm := state.NewPositionManager()
	scanner := state.NewExecutionScanner(ti, pm)

	for _, bottom := range []int32{-480, -360, -240, -120} {
		band := state.BandKey{Bottom: bottom, Top: bottom + 60, Side: state.SellToken1}
		pos := pm.GetOrCreateLive(band)
		ti.Register(state.SellToken1, bottom, pos.Key)
	}

	// Price falls -120 -> -400: bottoms -240 and -360 fire, -120 excluded,
	// -480 beyond the post boundary.
	eligible := scanner.Scan(state.SellToken1, -120, -400)
	if len(eligible) != 2 {
		t.Fatalf("got %d eligible, want 2", len(eligible))
	}
	if eligible[0].Band.Bottom != -240 || eligible[1].Band.Bottom != -360 {
		t.Errorf("eligible bottoms = %d, %d, want -240, -360", eligible[0].Band.Bottom, eligible[1].Band.Bottom)
	}
}

func TestScanner_EmptyOnNoMovementIntoOrders(t *testing.T) {
	ti := state.NewTickIndex(60)
	pm := state.NewPositionManager()
	scanner := state.NewExecutionScanner(ti, pm)

	band := state.BandKey{Bottom: 540, Top: 600, Side: state.SellToken0}
	pos := pm.GetOrCreateLive(band)
	ti.Register(state.SellToken0, 600, pos.Key)

	if got := scanner.Scan(state.SellToken0, 0, 540); len(got) != 0 {
		t.Errorf("scan short of the boundary returned %d keys", len(got))
	}
	// Wrong-direction input yields nothing.
	if got := scanner.Scan(state.SellToken0, 540, 0); len(got) != 0 {
		t.Errorf("inverted scan returned %d keys", len(got))
	}
}

// ============================================================================
// Test: SplitByBudget
// ============================================================================

func TestSplitByBudget_Disjoint(t *testing.T) {
	eligible := []state.PositionKey{
		key(0, 60, state.SellToken0, 0),
		key(60, 120, state.SellToken0, 0),
		key(120, 180, state.SellToken0, 0),
	}

	execute, deferred := state.SplitByBudget(eligible, 2)
	if len(execute) != 2 || len(deferred) != 1 {
		t.Fatalf("split = %d/%d, want 2/1", len(execute), len(deferred))
	}
	if execute[0] != eligible[0] || execute[1] != eligible[1] || deferred[0] != eligible[2] {
		t.Error("split did not preserve scan order")
	}

	execute, deferred = state.SplitByBudget(eligible, 10)
	if len(execute) != 3 || deferred != nil {
		t.Errorf("under budget: split = %d/%d, want 3/0", len(execute), len(deferred))
	}
}
