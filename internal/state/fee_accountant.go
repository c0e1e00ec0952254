package state

import (
	"math/big"

	fpmath "github.com/miracleworker0118/gamma-univ4-limit-orders/internal/math"
)

// FeeAccountant maintains the reward-per-share invariant between a
// position's fee accumulators and its contributors' checkpoints:
//
//	pending(c) = (feePerLiq - c.checkpoint) * c.liquidity / 1e18
//
// Reconcile must run before any operation that changes a contributor's
// liquidity or reads their fees, or the invariant drifts.
type FeeAccountant struct{}

func NewFeeAccountant() *FeeAccountant {
	return &FeeAccountant{}
}

// Accrue folds a reported fee amount into the position's per-liquidity
// accumulators. Returns true when the fees were abandoned because the
// position holds no liquidity to attribute them to.
func (fa *FeeAccountant) Accrue(pos *Position, fee0, fee1 *big.Int) bool {
	if pos.TotalLiquidity.Sign() == 0 {
		return fee0.Sign() != 0 || fee1.Sign() != 0
	}
	if fee0.Sign() > 0 {
		pos.FeePerLiq0.Add(pos.FeePerLiq0, fpmath.FeePerLiquidityDelta(fee0, pos.TotalLiquidity))
	}
	if fee1.Sign() > 0 {
		pos.FeePerLiq1.Add(pos.FeePerLiq1, fpmath.FeePerLiquidityDelta(fee1, pos.TotalLiquidity))
	}
	pos.Version++
	return false
}

// Reconcile settles a contributor's pending fees into their accrued balance
// and advances their checkpoint to the current accumulator.
func (fa *FeeAccountant) Reconcile(pos *Position, c *Contributor) {
	if c.Liquidity.Sign() > 0 {
		owed0 := fpmath.OwedFromCheckpoint(pos.FeePerLiq0, c.Checkpoint0, c.Liquidity)
		owed1 := fpmath.OwedFromCheckpoint(pos.FeePerLiq1, c.Checkpoint1, c.Liquidity)
		if owed0.Sign() > 0 {
			c.Accrued0.Add(c.Accrued0, owed0)
		}
		if owed1.Sign() > 0 {
			c.Accrued1.Add(c.Accrued1, owed1)
		}
	}
	c.Checkpoint0.Set(pos.FeePerLiq0)
	c.Checkpoint1.Set(pos.FeePerLiq1)
	c.Version++
}

// TakeAccrued drains a contributor's reconciled fees for payout.
func (fa *FeeAccountant) TakeAccrued(c *Contributor) (fee0, fee1 *big.Int) {
	fee0 = new(big.Int).Set(c.Accrued0)
	fee1 = new(big.Int).Set(c.Accrued1)
	c.Accrued0.SetInt64(0)
	c.Accrued1.SetInt64(0)
	c.Version++
	return fee0, fee1
}
