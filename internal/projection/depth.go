package projection

import (
	"math/big"
	"sync"

	"github.com/tidwall/btree"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
)

// DepthLevel is one occupied executable boundary: the live position resting
// there and the totals a depth display needs. One level per boundary per
// side, matching the occupancy index inside the core.
type DepthLevel struct {
	Boundary    int32
	Bottom      int32
	Top         int32
	Nonce       uint64
	Liquidity   *big.Int
	Principal0  *big.Int
	Principal1  *big.Int
	Fees0       *big.Int
	Fees1       *big.Int
	Contributor int
	Waiting     bool
}

// DepthEntry is the copy handed to readers. Amounts are fresh big.Ints so
// callers cannot reach back into the view.
type DepthEntry struct {
	Boundary    int32    `json:"boundary"`
	Bottom      int32    `json:"bottom"`
	Top         int32    `json:"top"`
	Nonce       uint64   `json:"nonce"`
	Liquidity   *big.Int `json:"liquidity"`
	Principal0  *big.Int `json:"principal0"`
	Principal1  *big.Int `json:"principal1"`
	Fees0       *big.Int `json:"fees0"`
	Fees1       *big.Int `json:"fees1"`
	Contributor int      `json:"contributors"`
	Waiting     bool     `json:"waiting"`
}

// DepthView is the in-memory resting-order depth, one ordered tree per
// side keyed by executable boundary. Writes come only from the projection
// worker goroutine; reads come from HTTP handlers, so a single RWMutex
// covers both trees.
type DepthView struct {
	mu         sync.RWMutex
	sellToken0 *btree.Map[int32, *DepthLevel]
	sellToken1 *btree.Map[int32, *DepthLevel]
}

func NewDepthView() *DepthView {
	return &DepthView{
		sellToken0: btree.NewMap[int32, *DepthLevel](32),
		sellToken1: btree.NewMap[int32, *DepthLevel](32),
	}
}

func (dv *DepthView) tree(side event.Side) *btree.Map[int32, *DepthLevel] {
	if side == event.SideSellToken0 {
		return dv.sellToken0
	}
	return dv.sellToken1
}

// boundaryOf picks the band edge whose crossing executes the order: the top
// for token0 sellers above the market, the bottom for token1 sellers below.
func boundaryOf(side event.Side, bottom, top int32) int32 {
	if side == event.SideSellToken0 {
		return top
	}
	return bottom
}

// ApplyPlaced folds a deposit into the level at its boundary, creating the
// level on first touch.
func (dv *DepthView) ApplyPlaced(e *event.OrderPlaced) {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	tree := dv.tree(e.OrderSide)
	boundary := boundaryOf(e.OrderSide, e.Bottom, e.Top)

	level, ok := tree.Get(boundary)
	if !ok || level.Nonce != e.Nonce {
		level = &DepthLevel{
			Boundary:   boundary,
			Bottom:     e.Bottom,
			Top:        e.Top,
			Nonce:      e.Nonce,
			Liquidity:  new(big.Int),
			Principal0: new(big.Int),
			Principal1: new(big.Int),
			Fees0:      new(big.Int),
			Fees1:      new(big.Int),
		}
		tree.Set(boundary, level)
	}

	level.Liquidity.Add(level.Liquidity, e.Liquidity)
	level.Principal0.Add(level.Principal0, e.Amount0)
	level.Principal1.Add(level.Principal1, e.Amount1)
	level.Contributor++
}

// ApplyCancelled withdraws one contributor's share, dropping the level when
// the last share leaves.
func (dv *DepthView) ApplyCancelled(e *event.OrderCancelled) {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	tree := dv.tree(e.OrderSide)
	boundary := boundaryOf(e.OrderSide, e.Bottom, e.Top)

	level, ok := tree.Get(boundary)
	if !ok || level.Nonce != e.Nonce {
		return
	}

	level.Liquidity.Sub(level.Liquidity, e.Liquidity)
	level.Principal0.Sub(level.Principal0, e.Refund0)
	level.Principal1.Sub(level.Principal1, e.Refund1)
	level.Fees0.Sub(level.Fees0, e.Fee0)
	level.Fees1.Sub(level.Fees1, e.Fee1)
	level.Contributor--

	if level.Contributor <= 0 || level.Liquidity.Sign() <= 0 {
		tree.Delete(boundary)
	}
}

// ApplyExecuted removes the fired level. Proceeds live on in the claim
// tables, not in depth.
func (dv *DepthView) ApplyExecuted(e *event.OrderExecuted) {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	tree := dv.tree(e.OrderSide)
	boundary := boundaryOf(e.OrderSide, e.Bottom, e.Top)
	if level, ok := tree.Get(boundary); ok && level.Nonce == e.Nonce {
		tree.Delete(boundary)
	}
}

// ApplyWaiting flips the keeper-waiting flag on a deferred or cleared band.
// The level may already be gone when the deferral lapsed via cancel.
func (dv *DepthView) ApplyWaiting(side event.Side, bottom, top int32, nonce uint64, waiting bool) {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	tree := dv.tree(side)
	if level, ok := tree.Get(boundaryOf(side, bottom, top)); ok && level.Nonce == nonce {
		level.Waiting = waiting
	}
}

// ApplyFees folds indexer-attributed fees into a live level.
func (dv *DepthView) ApplyFees(e *event.FeeCredited) {
	dv.mu.Lock()
	defer dv.mu.Unlock()

	tree := dv.tree(e.OrderSide)
	if level, ok := tree.Get(boundaryOf(e.OrderSide, e.Bottom, e.Top)); ok && level.Nonce == e.Nonce {
		level.Fees0.Add(level.Fees0, e.Fee0)
		level.Fees1.Add(level.Fees1, e.Fee1)
	}
}

// Seed installs a level wholesale during snapshot priming.
func (dv *DepthView) Seed(side event.Side, level *DepthLevel) {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	dv.tree(side).Set(level.Boundary, level)
}

// Levels returns up to limit levels ordered market-outward: ascending
// boundaries for token0 sellers above the price, descending for token1
// sellers below it. limit <= 0 means all.
func (dv *DepthView) Levels(side event.Side, limit int) []DepthEntry {
	dv.mu.RLock()
	defer dv.mu.RUnlock()

	tree := dv.tree(side)
	out := make([]DepthEntry, 0, tree.Len())

	collect := func(_ int32, level *DepthLevel) bool {
		out = append(out, copyLevel(level))
		return limit <= 0 || len(out) < limit
	}

	if side == event.SideSellToken0 {
		tree.Scan(collect)
	} else {
		tree.Reverse(collect)
	}
	return out
}

// Len reports the number of occupied boundaries on a side.
func (dv *DepthView) Len(side event.Side) int {
	dv.mu.RLock()
	defer dv.mu.RUnlock()
	return dv.tree(side).Len()
}

func copyLevel(level *DepthLevel) DepthEntry {
	return DepthEntry{
		Boundary:    level.Boundary,
		Bottom:      level.Bottom,
		Top:         level.Top,
		Nonce:       level.Nonce,
		Liquidity:   new(big.Int).Set(level.Liquidity),
		Principal0:  new(big.Int).Set(level.Principal0),
		Principal1:  new(big.Int).Set(level.Principal1),
		Fees0:       new(big.Int).Set(level.Fees0),
		Fees1:       new(big.Int).Set(level.Fees1),
		Contributor: level.Contributor,
		Waiting:     level.Waiting,
	}
}
