package state

import "fmt"

// ExecutionScanner discovers positions made eligible by one swap's price
// movement. Token0 sellers fire when the price rises through their top
// boundary, token1 sellers when it falls through their bottom boundary, so
// each swap affects exactly one side.
type ExecutionScanner struct {
	tickIndex *TickIndex
	positions *PositionManager
}

func NewExecutionScanner(ti *TickIndex, pm *PositionManager) *ExecutionScanner {
	return &ExecutionScanner{tickIndex: ti, positions: pm}
}

// AffectedSide maps a price direction to the side whose orders it can fire.
func AffectedSide(priceUp bool) Side {
	if priceUp {
		return SellToken0
	}
	return SellToken1
}

// Scan walks the index from the pre-swap boundary toward the post-swap
// boundary and returns the keys of every occupied boundary strictly beyond
// pre and up to and including post, nearest first. The pre-swap boundary
// itself is never eligible.
func (es *ExecutionScanner) Scan(side Side, pre, post int32) []PositionKey {
	up := side == SellToken0
	if up && post < pre {
		return nil
	}
	if !up && post > pre {
		return nil
	}

	var eligible []PositionKey
	cursor := pre
	for {
		boundary, ok := es.tickIndex.NextOccupied(side, cursor, up)
		if !ok {
			break
		}
		if up && boundary > post {
			break
		}
		if !up && boundary < post {
			break
		}
		key, ok := es.tickIndex.KeyAt(side, boundary)
		if !ok {
			panic(fmt.Sprintf("FATAL: tick index bit without key at %s boundary %d", side, boundary))
		}
		pos := es.positions.Get(key)
		if pos == nil || pos.Status != StatusActive {
			panic(fmt.Sprintf("FATAL: tick index references non-active position %s", key))
		}
		eligible = append(eligible, key)
		cursor = boundary
	}
	return eligible
}

// SplitByBudget divides an eligible list into the slice to execute now and
// the slice to defer, preserving scan order. The two never overlap and
// together cover the input.
func SplitByBudget(eligible []PositionKey, budget int) (execute, deferred []PositionKey) {
	if budget < 0 {
		budget = 0
	}
	if len(eligible) <= budget {
		return eligible, nil
	}
	return eligible[:budget], eligible[budget:]
}
