package event

import (
	"fmt"
	"math/big"
	"time"
)

// UpdateParams replaces the engine's operating parameters. When received,
// the core swaps in the new values; orders already resting keep the band
// geometry they were placed with.
type UpdateParams struct {
	Pool              string
	ExecutionBudget   int32    // Max executions per price move
	MinAmount0        *big.Int // Floor for token0-side order amounts
	MinAmount1        *big.Int // Floor for token1-side order amounts
	MaxOrdersPerScale int32
	AuthorizedKeepers []string
	FallbackTreasury  string
	EffectiveSeq      int64 // Sequence at which params take effect
	Seq               int64 // Source sequence
	Timestamp         time.Time
}

func (u *UpdateParams) IdempotencyKey() string {
	return fmt.Sprintf("params:%s:%d", u.Pool, u.EffectiveSeq)
}

func (u *UpdateParams) CommandType() CommandType {
	return CommandUpdateParams
}

func (u *UpdateParams) PoolID() *string {
	m := u.Pool
	return &m
}

func (u *UpdateParams) SourceSequence() int64 {
	return u.Seq
}
