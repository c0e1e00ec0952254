package state

import (
	"math/big"
)

// PositionStatus tracks a resting order position through its lifecycle.
type PositionStatus int32

const (
	StatusEmpty PositionStatus = iota
	StatusActive
	StatusExecuted
)

func (ps PositionStatus) String() string {
	switch ps {
	case StatusEmpty:
		return "Empty"
	case StatusActive:
		return "Active"
	case StatusExecuted:
		return "Executed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions.
func (ps PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		StatusEmpty: {
			StatusActive,
		},
		StatusActive: {
			StatusExecuted, // Price crossed the executable boundary
			StatusEmpty,    // Last contributor cancelled before execution
		},
		StatusExecuted: {
			StatusEmpty, // Last contributor claimed
		},
	}

	allowed, ok := validTransitions[ps]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// Position is the aggregate record for one (band, nonce): all contributors'
// liquidity pooled into a single AMM range position.
type Position struct {
	Key            PositionKey
	TotalLiquidity *big.Int
	// Fee-per-liquidity accumulators, X18 scale, one per asset.
	FeePerLiq0 *big.Int
	FeePerLiq1 *big.Int
	Status     PositionStatus
	// WaitingForKeeper marks an Active position the scanner found eligible
	// but could not execute within budget. No deposits while set.
	WaitingForKeeper bool
	Contributors     int

	// Populated at execution: the proceeds captured when the band's
	// liquidity was withdrawn, and the liquidity backing them. Claims
	// drain both in lockstep, so ExecutedLiquidity always equals the
	// unclaimed share base and the last claimer takes the exact remainder.
	ExecutedLiquidity *big.Int
	Remaining0        *big.Int
	Remaining1        *big.Int

	Version int64
}

// NewPosition returns an Active position with zeroed aggregates.
func NewPosition(key PositionKey) *Position {
	return &Position{
		Key:               key,
		TotalLiquidity:    new(big.Int),
		FeePerLiq0:        new(big.Int),
		FeePerLiq1:        new(big.Int),
		Status:            StatusActive,
		ExecutedLiquidity: new(big.Int),
		Remaining0:        new(big.Int),
		Remaining1:        new(big.Int),
	}
}

// IsDead reports whether the position holds nothing and owes nothing.
func (p *Position) IsDead() bool {
	return p.Contributors == 0 && p.TotalLiquidity.Sign() == 0 &&
		p.Remaining0.Sign() == 0 && p.Remaining1.Sign() == 0
}

// TransitionTo moves the position to the next status, panicking on an
// illegal transition: status corruption means the ledger cannot be trusted.
func (p *Position) TransitionTo(next PositionStatus) {
	if !p.Status.CanTransitionTo(next) {
		panic("FATAL: illegal position transition " + p.Status.String() + " -> " + next.String() + " at " + p.Key.String())
	}
	p.Status = next
	p.Version++
}

// CanonicalBytes returns deterministic serialization for hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, p.Key.CanonicalBytes()...)
	buf = appendBig(buf, p.TotalLiquidity)
	buf = appendBig(buf, p.FeePerLiq0)
	buf = appendBig(buf, p.FeePerLiq1)
	buf = append(buf, byte(p.Status))
	if p.WaitingForKeeper {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt32BE(buf, int32(p.Contributors))
	buf = appendBig(buf, p.ExecutedLiquidity)
	buf = appendBig(buf, p.Remaining0)
	buf = appendBig(buf, p.Remaining1)
	return buf
}

// Clone returns a deep copy safe to hand outside the core goroutine.
func (p *Position) Clone() *Position {
	cp := *p
	cp.TotalLiquidity = new(big.Int).Set(p.TotalLiquidity)
	cp.FeePerLiq0 = new(big.Int).Set(p.FeePerLiq0)
	cp.FeePerLiq1 = new(big.Int).Set(p.FeePerLiq1)
	cp.ExecutedLiquidity = new(big.Int).Set(p.ExecutedLiquidity)
	cp.Remaining0 = new(big.Int).Set(p.Remaining0)
	cp.Remaining1 = new(big.Int).Set(p.Remaining1)
	return &cp
}

// appendBig writes sign byte, length, then magnitude bytes.
func appendBig(buf []byte, v *big.Int) []byte {
	if v.Sign() < 0 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	mag := v.Bytes()
	buf = appendInt32BE(buf, int32(len(mag)))
	return append(buf, mag...)
}
