package amm

import (
	"fmt"
	"math/big"

	fpmath "github.com/miracleworker0118/gamma-univ4-limit-orders/internal/math"
)

type rangeKey struct {
	Lower int32
	Upper int32
}

type balance struct {
	amount0 *big.Int
	amount1 *big.Int
}

// MemoryPool is an in-process Pool backed by plain maps. The daemon runs it
// as the core-side mirror of the host pool, updated from indexer feeds; tests
// and the local simulator drive it directly through SetPrice and AccrueFees.
//
// Fee accounting follows the host convention: growth0/growth1 accumulate fees
// per unit of engine liquidity at X128 scale, and each settlement pays out
// the growth delta since the previous one.
type MemoryPool struct {
	hostID      string
	tickSpacing int32
	tick        int32
	sqrtPrice   *big.Int

	liquidity map[rangeKey]*big.Int
	growth0   map[rangeKey]*big.Int
	growth1   map[rangeKey]*big.Int
	settled0  map[rangeKey]*big.Int
	settled1  map[rangeKey]*big.Int

	balances map[string]*balance
	failing  map[string]bool
}

// NewMemoryPool builds a pool identified by hostID, priced at startTick.
// tickSpacing must be positive and startTick within the tick domain.
func NewMemoryPool(hostID string, tickSpacing, startTick int32) *MemoryPool {
	p := &MemoryPool{
		hostID:      hostID,
		tickSpacing: tickSpacing,
		liquidity:   make(map[rangeKey]*big.Int),
		growth0:     make(map[rangeKey]*big.Int),
		growth1:     make(map[rangeKey]*big.Int),
		settled0:    make(map[rangeKey]*big.Int),
		settled1:    make(map[rangeKey]*big.Int),
		balances:    make(map[string]*balance),
		failing:     make(map[string]bool),
	}
	p.SetPrice(startTick)
	return p
}

func (p *MemoryPool) CurrentBoundary() int32 { return p.tick }

func (p *MemoryPool) TickSpacing() int32 { return p.tickSpacing }

// SetPrice moves the pool price to tick, as a swap would.
func (p *MemoryPool) SetPrice(tick int32) {
	p.tick = tick
	p.sqrtPrice = fpmath.MustSqrtPriceAtTick(tick)
}

// AccrueFees credits swap fees to the engine's liquidity in [lower, upper).
// Fees landing on a range with zero engine liquidity are dropped, matching
// the host pool, where growth only advances for in-range liquidity.
func (p *MemoryPool) AccrueFees(lower, upper int32, fee0, fee1 *big.Int) {
	rk := rangeKey{lower, upper}
	liq := p.liquidity[rk]
	if liq == nil || liq.Sign() == 0 {
		return
	}
	if fee0 != nil && fee0.Sign() > 0 {
		g := p.at(p.growth0, rk)
		g.Add(g, fpmath.MulDiv(fee0, fpmath.Q128, liq))
	}
	if fee1 != nil && fee1.Sign() > 0 {
		g := p.at(p.growth1, rk)
		g.Add(g, fpmath.MulDiv(fee1, fpmath.Q128, liq))
	}
}

// ModifyLiquidity applies op to the engine's liquidity in its band and
// settles the fees the band has accrued since its last settlement. The
// whole op is rejected before any state changes on a validation failure.
func (p *MemoryPool) ModifyLiquidity(op PendingOp) (SettlementResult, error) {
	if op.LowerTick >= op.UpperTick {
		return SettlementResult{}, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, op.LowerTick, op.UpperTick)
	}
	if op.LowerTick%p.tickSpacing != 0 || op.UpperTick%p.tickSpacing != 0 {
		return SettlementResult{}, fmt.Errorf("%w: [%d, %d) not aligned to spacing %d",
			ErrInvalidRange, op.LowerTick, op.UpperTick, p.tickSpacing)
	}

	rk := rangeKey{op.LowerTick, op.UpperTick}
	liq := p.at(p.liquidity, rk)

	switch op.Kind {
	case OpDeposit, OpWithdraw:
		if op.Liquidity == nil || op.Liquidity.Sign() < 0 {
			return SettlementResult{}, fmt.Errorf("%w: %s op on [%d, %d)",
				ErrInvalidLiquidity, op.Kind, op.LowerTick, op.UpperTick)
		}
		if op.Kind == OpWithdraw && liq.Cmp(op.Liquidity) < 0 {
			return SettlementResult{}, fmt.Errorf("%w: have %s, want %s",
				ErrInsufficientLiquidity, liq, op.Liquidity)
		}
	default:
		return SettlementResult{}, fmt.Errorf("%w: %d", ErrUnknownOpKind, op.Kind)
	}

	// Fees settle against the liquidity held before the op takes effect.
	fee0 := p.settleFees(rk, p.growth0, p.settled0, liq)
	fee1 := p.settleFees(rk, p.growth1, p.settled1, liq)

	amount0, amount1 := new(big.Int), new(big.Int)
	switch op.Kind {
	case OpDeposit:
		amount0, amount1 = p.amountsFor(rk, op.Liquidity)
		liq.Add(liq, op.Liquidity)
	case OpWithdraw:
		amount0, amount1 = p.amountsFor(rk, op.Liquidity)
		liq.Sub(liq, op.Liquidity)
	}

	return SettlementResult{
		OpID:      op.ID,
		Amount0:   amount0,
		Amount1:   amount1,
		Fee0:      fee0,
		Fee1:      fee1,
		HostToken: p.hostID,
	}, nil
}

// Transfer credits amounts to the recipient's settled balance. Recipients
// marked by FailTransfersTo reject the whole transfer.
func (p *MemoryPool) Transfer(recipient string, amount0, amount1 *big.Int) error {
	if p.failing[recipient] {
		return fmt.Errorf("%w: %s", ErrTransferRejected, recipient)
	}
	b, ok := p.balances[recipient]
	if !ok {
		b = &balance{amount0: new(big.Int), amount1: new(big.Int)}
		p.balances[recipient] = b
	}
	if amount0 != nil {
		b.amount0.Add(b.amount0, amount0)
	}
	if amount1 != nil {
		b.amount1.Add(b.amount1, amount1)
	}
	return nil
}

func (p *MemoryPool) FeeGrowthInside(lower, upper int32) (growth0, growth1 *big.Int) {
	rk := rangeKey{lower, upper}
	growth0, growth1 = new(big.Int), new(big.Int)
	if v := p.growth0[rk]; v != nil {
		growth0.Set(v)
	}
	if v := p.growth1[rk]; v != nil {
		growth1.Set(v)
	}
	return growth0, growth1
}

// FailTransfersTo makes every later Transfer to recipient fail until
// RestoreTransfersTo.
func (p *MemoryPool) FailTransfersTo(recipient string) { p.failing[recipient] = true }

func (p *MemoryPool) RestoreTransfersTo(recipient string) { delete(p.failing, recipient) }

// Balance reports the cumulative amounts transferred to recipient.
func (p *MemoryPool) Balance(recipient string) (amount0, amount1 *big.Int) {
	amount0, amount1 = new(big.Int), new(big.Int)
	if b, ok := p.balances[recipient]; ok {
		amount0.Set(b.amount0)
		amount1.Set(b.amount1)
	}
	return amount0, amount1
}

// LiquidityIn reports the engine liquidity held in [lower, upper).
func (p *MemoryPool) LiquidityIn(lower, upper int32) *big.Int {
	out := new(big.Int)
	if v := p.liquidity[rangeKey{lower, upper}]; v != nil {
		out.Set(v)
	}
	return out
}

// amountsFor reports the token amounts a liquidity magnitude represents in
// rk's band at the current pool price.
func (p *MemoryPool) amountsFor(rk rangeKey, liquidity *big.Int) (amount0, amount1 *big.Int) {
	sqrtA := fpmath.MustSqrtPriceAtTick(rk.Lower)
	sqrtB := fpmath.MustSqrtPriceAtTick(rk.Upper)
	return fpmath.AmountsForLiquidity(p.sqrtPrice, sqrtA, sqrtB, liquidity)
}

func (p *MemoryPool) at(m map[rangeKey]*big.Int, rk rangeKey) *big.Int {
	v, ok := m[rk]
	if !ok {
		v = new(big.Int)
		m[rk] = v
	}
	return v
}

// settleFees pays out the growth delta since the last settlement for one
// token and advances the settlement snapshot.
func (p *MemoryPool) settleFees(rk rangeKey, growth, settled map[rangeKey]*big.Int, liq *big.Int) *big.Int {
	g := p.at(growth, rk)
	s := p.at(settled, rk)
	delta := new(big.Int).Sub(g, s)
	s.Set(g)
	if delta.Sign() <= 0 || liq.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(delta, liq, fpmath.Q128)
}
