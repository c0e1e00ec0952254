package amm_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/amm"
	fpmath "github.com/miracleworker0118/gamma-univ4-limit-orders/internal/math"
)

func newPool(t *testing.T, startTick int32) *amm.MemoryPool {
	t.Helper()
	return amm.NewMemoryPool("host-pool", 60, startTick)
}

func deposit(t *testing.T, p *amm.MemoryPool, lower, upper int32, liq *big.Int) amm.SettlementResult {
	t.Helper()
	res, err := p.ModifyLiquidity(amm.PendingOp{
		ID: uuid.New(), Kind: amm.OpDeposit,
		LowerTick: lower, UpperTick: upper, Liquidity: liq,
	})
	if err != nil {
		t.Fatalf("deposit [%d,%d): %v", lower, upper, err)
	}
	return res
}

// settleOnly runs a zero-delta withdraw, which settles the band's accrued
// fees without moving liquidity.
func settleOnly(t *testing.T, p *amm.MemoryPool, lower, upper int32) amm.SettlementResult {
	t.Helper()
	res, err := p.ModifyLiquidity(amm.PendingOp{
		ID: uuid.New(), Kind: amm.OpWithdraw,
		LowerTick: lower, UpperTick: upper, Liquidity: big.NewInt(0),
	})
	if err != nil {
		t.Fatalf("zero-delta withdraw [%d,%d): %v", lower, upper, err)
	}
	return res
}

// ==== Test: Deposit amounts follow the band's side of the price ====

func TestMemoryPool_DepositAmountsBySide(t *testing.T) {
	p := newPool(t, 0)
	liq := new(big.Int).Lsh(big.NewInt(1), 64)

	above := deposit(t, p, 120, 180, liq)
	if above.Amount0.Sign() <= 0 || above.Amount1.Sign() != 0 {
		t.Fatalf("band above price should cost token0 only, got %s / %s", above.Amount0, above.Amount1)
	}

	below := deposit(t, p, -180, -120, liq)
	if below.Amount0.Sign() != 0 || below.Amount1.Sign() <= 0 {
		t.Fatalf("band below price should cost token1 only, got %s / %s", below.Amount0, below.Amount1)
	}

	straddle := deposit(t, p, -60, 60, liq)
	if straddle.Amount0.Sign() <= 0 || straddle.Amount1.Sign() <= 0 {
		t.Fatalf("band around price should cost both tokens, got %s / %s", straddle.Amount0, straddle.Amount1)
	}
}

// ==== Test: Crossing the band converts the deposit into the other token ====

func TestMemoryPool_WithdrawAfterCross(t *testing.T) {
	p := newPool(t, 0)

	sqrtA := fpmath.MustSqrtPriceAtTick(120)
	sqrtB := fpmath.MustSqrtPriceAtTick(180)
	want0 := big.NewInt(1_000_000)
	liq, err := fpmath.LiquidityForAmount0(sqrtA, sqrtB, want0)
	if err != nil {
		t.Fatalf("LiquidityForAmount0: %v", err)
	}

	in := deposit(t, p, 120, 180, liq)
	if in.Amount0.Cmp(want0) > 0 {
		t.Fatalf("deposit cost %s token0, budget was %s", in.Amount0, want0)
	}
	if in.Amount1.Sign() != 0 {
		t.Fatalf("deposit above price cost token1: %s", in.Amount1)
	}

	p.SetPrice(240)

	out, err := p.ModifyLiquidity(amm.PendingOp{
		ID: uuid.New(), Kind: amm.OpWithdraw,
		LowerTick: 120, UpperTick: 180, Liquidity: liq,
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if out.Amount0.Sign() != 0 {
		t.Fatalf("crossed band still holds token0: %s", out.Amount0)
	}
	// With the band's price range above 1.0, the proceeds exceed the
	// token0 principal.
	if out.Amount1.Cmp(want0) <= 0 {
		t.Fatalf("proceeds %s token1, want more than %s", out.Amount1, want0)
	}
	if rem := p.LiquidityIn(120, 180); rem.Sign() != 0 {
		t.Fatalf("liquidity left after full withdraw: %s", rem)
	}
}

// ==== Test: Fees settle exactly and only once ====

func TestMemoryPool_FeeSettlement(t *testing.T) {
	p := newPool(t, 0)
	liq := new(big.Int).Lsh(big.NewInt(1), 64)
	deposit(t, p, -60, 60, liq)

	p.AccrueFees(-60, 60, big.NewInt(400), big.NewInt(40))

	res := settleOnly(t, p, -60, 60)
	if res.Fee0.Cmp(big.NewInt(400)) != 0 || res.Fee1.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("settled %s / %s, want 400 / 40", res.Fee0, res.Fee1)
	}

	again := settleOnly(t, p, -60, 60)
	if again.Fee0.Sign() != 0 || again.Fee1.Sign() != 0 {
		t.Fatalf("second settlement paid again: %s / %s", again.Fee0, again.Fee1)
	}
}

// ==== Test: Fees settle on the liquidity held before the op ====

func TestMemoryPool_FeesSettleBeforeOpApplies(t *testing.T) {
	p := newPool(t, 0)
	liq := new(big.Int).Lsh(big.NewInt(1), 64)
	deposit(t, p, -60, 60, liq)

	p.AccrueFees(-60, 60, big.NewInt(400), nil)

	// The second deposit settles the 400 accrued so far; its own liquidity
	// must not dilute that payout.
	second := deposit(t, p, -60, 60, liq)
	if second.Fee0.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("deposit settled %s fee0, want 400", second.Fee0)
	}

	p.AccrueFees(-60, 60, big.NewInt(600), nil)
	res := settleOnly(t, p, -60, 60)
	if res.Fee0.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("settled %s fee0 on doubled liquidity, want 600", res.Fee0)
	}
}

// ==== Test: Fees on empty ranges are dropped ====

func TestMemoryPool_FeesOnEmptyRangeDropped(t *testing.T) {
	p := newPool(t, 0)

	p.AccrueFees(-60, 60, big.NewInt(500), big.NewInt(500))
	g0, g1 := p.FeeGrowthInside(-60, 60)
	if g0.Sign() != 0 || g1.Sign() != 0 {
		t.Fatalf("growth advanced with no liquidity: %s / %s", g0, g1)
	}

	liq := new(big.Int).Lsh(big.NewInt(1), 64)
	deposit(t, p, -60, 60, liq)
	res := settleOnly(t, p, -60, 60)
	if res.Fee0.Sign() != 0 {
		t.Fatalf("settled %s fee0 that predates the deposit", res.Fee0)
	}
}

// ==== Test: Validation failures leave the pool untouched ====

func TestMemoryPool_RejectedOps(t *testing.T) {
	p := newPool(t, 0)
	liq := new(big.Int).Lsh(big.NewInt(1), 64)
	deposit(t, p, -60, 60, liq)
	p.AccrueFees(-60, 60, big.NewInt(400), nil)

	cases := []struct {
		name string
		op   amm.PendingOp
		want error
	}{
		{"inverted range", amm.PendingOp{ID: uuid.New(), Kind: amm.OpDeposit, LowerTick: 60, UpperTick: -60, Liquidity: liq}, amm.ErrInvalidRange},
		{"unaligned edge", amm.PendingOp{ID: uuid.New(), Kind: amm.OpDeposit, LowerTick: -50, UpperTick: 60, Liquidity: liq}, amm.ErrInvalidRange},
		{"nil liquidity", amm.PendingOp{ID: uuid.New(), Kind: amm.OpDeposit, LowerTick: -60, UpperTick: 60}, amm.ErrInvalidLiquidity},
		{"over-withdraw", amm.PendingOp{ID: uuid.New(), Kind: amm.OpWithdraw, LowerTick: -60, UpperTick: 60, Liquidity: new(big.Int).Lsh(big.NewInt(1), 65)}, amm.ErrInsufficientLiquidity},
		{"unknown kind", amm.PendingOp{ID: uuid.New(), Kind: amm.OpKind(9), LowerTick: -60, UpperTick: 60}, amm.ErrUnknownOpKind},
	}
	for _, tc := range cases {
		if _, err := p.ModifyLiquidity(tc.op); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	// The failed over-withdraw must not have burned the fee snapshot.
	res := settleOnly(t, p, -60, 60)
	if res.Fee0.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("fees lost to a rejected op: got %s, want 400", res.Fee0)
	}
}

// ==== Test: Settlement results echo the op id and host token ====

func TestMemoryPool_ResultIdentity(t *testing.T) {
	p := newPool(t, 0)
	id := uuid.New()
	res, err := p.ModifyLiquidity(amm.PendingOp{
		ID: id, Kind: amm.OpDeposit, LowerTick: 120, UpperTick: 180, Liquidity: big.NewInt(1000),
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if res.OpID != id {
		t.Fatalf("result op id %s, want %s", res.OpID, id)
	}
	if res.HostToken != "host-pool" {
		t.Fatalf("host token %q, want %q", res.HostToken, "host-pool")
	}
}

// ==== Test: Transfers accumulate and failures are per recipient ====

func TestMemoryPool_Transfers(t *testing.T) {
	p := newPool(t, 0)

	if err := p.Transfer("alice", big.NewInt(10), big.NewInt(20)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := p.Transfer("alice", big.NewInt(5), nil); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a0, a1 := p.Balance("alice")
	if a0.Cmp(big.NewInt(15)) != 0 || a1.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("alice balance %s / %s, want 15 / 20", a0, a1)
	}

	p.FailTransfersTo("bob")
	if err := p.Transfer("bob", big.NewInt(1), big.NewInt(1)); !errors.Is(err, amm.ErrTransferRejected) {
		t.Fatalf("transfer to failing recipient: got %v", err)
	}
	b0, b1 := p.Balance("bob")
	if b0.Sign() != 0 || b1.Sign() != 0 {
		t.Fatalf("rejected transfer still credited: %s / %s", b0, b1)
	}

	p.RestoreTransfersTo("bob")
	if err := p.Transfer("bob", big.NewInt(1), big.NewInt(1)); err != nil {
		t.Fatalf("transfer after restore: %v", err)
	}
}
