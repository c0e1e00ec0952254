package state_test

import (
	"math/big"
	"testing"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/state"
)

// ============================================================================
// Test: position lifecycle
// ============================================================================

func TestPositionStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to state.PositionStatus
		ok       bool
	}{
		{state.StatusEmpty, state.StatusActive, true},
		{state.StatusActive, state.StatusExecuted, true},
		{state.StatusActive, state.StatusEmpty, true},
		{state.StatusExecuted, state.StatusEmpty, true},
		{state.StatusEmpty, state.StatusExecuted, false},
		{state.StatusExecuted, state.StatusActive, false},
		{state.StatusExecuted, state.StatusExecuted, false},
		{state.StatusActive, state.StatusActive, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestPosition_IllegalTransitionPanics(t *testing.T) {
	pos := state.NewPosition(key(0, 60, state.SellToken0, 0))
	pos.TransitionTo(state.StatusExecuted)

	defer func() {
		if recover() == nil {
			t.Error("Executed -> Active did not panic")
		}
	}()
	pos.TransitionTo(state.StatusActive)
}

// ============================================================================
// Test: nonce versioning
// ============================================================================

func TestPositionManager_NonceIsolation(t *testing.T) {
	pm := state.NewPositionManager()
	band := state.BandKey{Bottom: 120, Top: 180, Side: state.SellToken0}

	first := pm.GetOrCreateLive(band)
	if first.Key.Nonce != 0 {
		t.Fatalf("first nonce = %d, want 0", first.Key.Nonce)
	}
	first.TotalLiquidity.SetInt64(500)
	first.Contributors = 1

	// Execution bumps the band counter; the executed position stays
	// addressable under its own key.
	first.TransitionTo(state.StatusExecuted)
	first.TotalLiquidity.SetInt64(0)
	first.ExecutedLiquidity.SetInt64(500)
	first.Remaining1.SetInt64(42)
	pm.BumpNonce(band)

	second := pm.GetOrCreateLive(band)
	if second.Key.Nonce != 1 {
		t.Fatalf("second nonce = %d, want 1", second.Key.Nonce)
	}
	if second == first {
		t.Fatal("live lookup returned the executed position")
	}

	old := pm.Get(state.PositionKey{Band: band, Nonce: 0})
	if old == nil || old.Status != state.StatusExecuted || old.Remaining1.Int64() != 42 {
		t.Error("executed position lost its final data after band reuse")
	}
}

func TestPositionManager_RemoveLivePanics(t *testing.T) {
	pm := state.NewPositionManager()
	band := state.BandKey{Bottom: 0, Top: 60, Side: state.SellToken0}
	pos := pm.GetOrCreateLive(band)
	pos.TotalLiquidity.SetInt64(10)
	pos.Contributors = 1

	defer func() {
		if recover() == nil {
			t.Error("removing a live position did not panic")
		}
	}()
	pm.Remove(pos.Key)
}

// ============================================================================
// Test: fee accounting
// ============================================================================

func TestFeeAccountant_ProportionalSplit(t *testing.T) {
	fa := state.NewFeeAccountant()
	cl := state.NewContributorLedger()
	pos := state.NewPosition(key(0, 60, state.SellToken0, 0))

	a, _ := cl.GetOrCreate(state.ContributorKey{Position: pos.Key, Owner: "alice"})
	b, _ := cl.GetOrCreate(state.ContributorKey{Position: pos.Key, Owner: "bob"})
	a.Liquidity.SetInt64(100)
	b.Liquidity.SetInt64(300)
	pos.TotalLiquidity.SetInt64(400)

	if abandoned := fa.Accrue(pos, big.NewInt(40), big.NewInt(0)); abandoned {
		t.Fatal("fees abandoned despite live liquidity")
	}

	fa.Reconcile(pos, a)
	fa.Reconcile(pos, b)

	if a.Accrued0.Int64() != 10 {
		t.Errorf("alice accrued %s, want 10", a.Accrued0)
	}
	if b.Accrued0.Int64() != 30 {
		t.Errorf("bob accrued %s, want 30", b.Accrued0)
	}

	// Repeat reconcile without new fees credits nothing.
	fa.Reconcile(pos, a)
	if a.Accrued0.Int64() != 10 {
		t.Errorf("double reconcile changed accrual to %s", a.Accrued0)
	}
}

func TestFeeAccountant_ZeroLiquidityAbandons(t *testing.T) {
	fa := state.NewFeeAccountant()
	pos := state.NewPosition(key(0, 60, state.SellToken0, 0))

	if abandoned := fa.Accrue(pos, big.NewInt(99), big.NewInt(1)); !abandoned {
		t.Error("fees on empty position not reported abandoned")
	}
	if pos.FeePerLiq0.Sign() != 0 || pos.FeePerLiq1.Sign() != 0 {
		t.Error("accumulators moved on an empty position")
	}
}

func TestFeeAccountant_CheckpointBeforeDeposit(t *testing.T) {
	fa := state.NewFeeAccountant()
	cl := state.NewContributorLedger()
	pos := state.NewPosition(key(0, 60, state.SellToken0, 0))

	a, _ := cl.GetOrCreate(state.ContributorKey{Position: pos.Key, Owner: "alice"})
	a.Liquidity.SetInt64(100)
	pos.TotalLiquidity.SetInt64(100)
	fa.Accrue(pos, big.NewInt(50), big.NewInt(0))

	// Reconcile before topping up: old liquidity earns at the old rate,
	// new liquidity starts at the current accumulator.
	fa.Reconcile(pos, a)
	a.Liquidity.SetInt64(200)
	pos.TotalLiquidity.SetInt64(200)

	fa.Accrue(pos, big.NewInt(50), big.NewInt(0))
	fa.Reconcile(pos, a)

	// 50 from the first event plus all 50 of the second (sole contributor).
	if a.Accrued0.Int64() != 100 {
		t.Errorf("accrued %s, want 100", a.Accrued0)
	}

	fee0, fee1 := fa.TakeAccrued(a)
	if fee0.Int64() != 100 || fee1.Sign() != 0 {
		t.Errorf("TakeAccrued = %s,%s, want 100,0", fee0, fee1)
	}
	if a.Accrued0.Sign() != 0 {
		t.Error("accrued balance not drained")
	}
}

// ============================================================================
// Test: owner registry batch windows
// ============================================================================

func TestOwnerRegistry_ReverseWindow(t *testing.T) {
	r := state.NewOwnerRegistry()
	refs := make([]state.OrderRef, 5)
	for i := range refs {
		refs[i] = state.OrderRef{
			Position: key(int32(i)*60, int32(i+1)*60, state.SellToken0, 0),
			Owner:    "alice",
		}
		r.Add(refs[i])
	}

	window := r.ReverseWindow("alice", 1, 3)
	if len(window) != 3 {
		t.Fatalf("window size %d, want 3", len(window))
	}
	// Indices 3, 2, 1 in that order.
	if window[0] != refs[3] || window[1] != refs[2] || window[2] != refs[1] {
		t.Error("window not in descending index order")
	}

	if got := r.ReverseWindow("alice", 5, 3); got != nil {
		t.Errorf("out-of-range offset returned %d refs", len(got))
	}
}

func TestOwnerRegistry_DrainWithoutSkips(t *testing.T) {
	r := state.NewOwnerRegistry()
	total := 7
	for i := 0; i < total; i++ {
		r.Add(state.OrderRef{
			Position: key(int32(i)*60, int32(i+1)*60, state.SellToken1, 0),
			Owner:    "bob",
		})
	}

	// Repeatedly take a window at offset 0 and remove everything in it,
	// the way batch cancel does. Every ref must be seen exactly once.
	seen := make(map[state.PositionKey]int)
	for rounds := 0; rounds < 10; rounds++ {
		window := r.ReverseWindow("bob", 0, 3)
		if len(window) == 0 {
			break
		}
		for _, ref := range window {
			seen[ref.Position]++
			r.Remove(ref)
		}
	}

	if r.Count("bob") != 0 {
		t.Fatalf("%d refs left after drain", r.Count("bob"))
	}
	if len(seen) != total {
		t.Fatalf("saw %d distinct refs, want %d", len(seen), total)
	}
	for k, n := range seen {
		if n != 1 {
			t.Errorf("ref %s processed %d times", k, n)
		}
	}
}

func TestOwnerRegistry_AddIsIdempotent(t *testing.T) {
	r := state.NewOwnerRegistry()
	ref := state.OrderRef{Position: key(0, 60, state.SellToken0, 0), Owner: "alice"}
	r.Add(ref)
	r.Add(ref)
	if r.Count("alice") != 1 {
		t.Errorf("duplicate add produced %d refs", r.Count("alice"))
	}
}

// ============================================================================
// Test: overflow queue
// ============================================================================

func TestOverflowQueue_FIFOAndDedupe(t *testing.T) {
	q := state.NewOverflowQueue()
	b1 := state.BandKey{Bottom: 0, Top: 60, Side: state.SellToken0}
	b2 := state.BandKey{Bottom: 60, Top: 120, Side: state.SellToken0}

	q.Push(b1)
	q.Push(b2)
	q.Push(b1) // duplicate

	if q.Len() != 2 {
		t.Fatalf("queue depth %d, want 2", q.Len())
	}
	pending := q.Pending()
	if pending[0] != b1 || pending[1] != b2 {
		t.Error("queue order not FIFO")
	}

	q.Remove(b1)
	if q.Contains(b1) || !q.Contains(b2) {
		t.Error("remove affected the wrong entry")
	}
	if q.Len() != 1 {
		t.Errorf("queue depth %d after remove, want 1", q.Len())
	}
}
