package state

import (
	"math/big"
	"sort"
)

// EngineParams is the administrative configuration the core consumes:
// execution budget, order minimums, and scale-order limits.
type EngineParams struct {
	// ExecutionBudget caps how many positions one swap may execute
	// in-line; the rest defer to the keeper queue.
	ExecutionBudget int
	// Minimum deposit per order, in base units of the asset being sold.
	MinOrderAmount0 *big.Int
	MinOrderAmount1 *big.Int
	// MaxOrdersPerScale bounds the band subdivision of one scale request.
	MaxOrdersPerScale int
	// EffectiveSeq is the sequence at which these params took effect.
	EffectiveSeq int64
}

// DefaultEngineParams mirror the deployment defaults.
var DefaultEngineParams = EngineParams{
	ExecutionBudget:   5,
	MinOrderAmount0:   big.NewInt(1_000),
	MinOrderAmount1:   big.NewInt(1_000),
	MaxOrdersPerScale: 20,
}

// ParamsManager holds the live engine params plus the caller-identity
// configuration: the host the price feed must come from, the keeper set,
// and the treasury that absorbs undeliverable payouts.
type ParamsManager struct {
	params           EngineParams
	hostID           string
	keepers          map[string]struct{}
	fallbackTreasury string
}

func NewParamsManager(params EngineParams, hostID string, keepers []string, fallbackTreasury string) *ParamsManager {
	set := make(map[string]struct{}, len(keepers))
	for _, k := range keepers {
		set[k] = struct{}{}
	}
	if params.MinOrderAmount0 == nil {
		params.MinOrderAmount0 = new(big.Int).Set(DefaultEngineParams.MinOrderAmount0)
	}
	if params.MinOrderAmount1 == nil {
		params.MinOrderAmount1 = new(big.Int).Set(DefaultEngineParams.MinOrderAmount1)
	}
	return &ParamsManager{
		params:           params,
		hostID:           hostID,
		keepers:          set,
		fallbackTreasury: fallbackTreasury,
	}
}

func (pm *ParamsManager) Params() EngineParams {
	return pm.params
}

// SetParams swaps in updated params, recording the sequence they apply from.
func (pm *ParamsManager) SetParams(p EngineParams, effectiveSeq int64) {
	p.EffectiveSeq = effectiveSeq
	pm.params = p
}

func (pm *ParamsManager) HostID() string {
	return pm.hostID
}

func (pm *ParamsManager) IsHost(source string) bool {
	return source == pm.hostID
}

func (pm *ParamsManager) IsKeeper(source string) bool {
	_, ok := pm.keepers[source]
	return ok
}

// SetKeepers replaces the authorized keeper set.
func (pm *ParamsManager) SetKeepers(keepers []string) {
	set := make(map[string]struct{}, len(keepers))
	for _, k := range keepers {
		set[k] = struct{}{}
	}
	pm.keepers = set
}

// SortedKeepers returns the keeper set in deterministic order.
func (pm *ParamsManager) SortedKeepers() []string {
	out := make([]string, 0, len(pm.keepers))
	for k := range pm.keepers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (pm *ParamsManager) FallbackTreasury() string {
	return pm.fallbackTreasury
}

// SetFallbackTreasury replaces the undeliverable-payout destination.
func (pm *ParamsManager) SetFallbackTreasury(treasury string) {
	pm.fallbackTreasury = treasury
}

// MinAmountFor returns the minimum order size for the asset a side sells.
func (pm *ParamsManager) MinAmountFor(side Side) *big.Int {
	if side == SellToken0 {
		return pm.params.MinOrderAmount0
	}
	return pm.params.MinOrderAmount1
}
