package amm

import (
	"errors"
	"math/big"

	"github.com/google/uuid"
)

// The engine never moves pool assets directly. Every liquidity change is a
// two-phase exchange: the core opens a PendingOp, hands it to the host pool,
// and the pool answers with a SettlementResult carrying the same op id and
// the host's identity token. The core refuses any result whose id or token
// it does not recognize.

var (
	ErrInvalidRange          = errors.New("band range is inverted or unaligned")
	ErrInvalidLiquidity      = errors.New("liquidity magnitude must be non-negative")
	ErrInsufficientLiquidity = errors.New("withdraw exceeds engine liquidity in range")
	ErrUnknownOpKind         = errors.New("unknown pending op kind")
	ErrTransferRejected      = errors.New("recipient rejected transfer")
)

// OpKind selects what a PendingOp does to the engine's liquidity in a band.
type OpKind int8

const (
	// OpDeposit adds liquidity to the band; the result reports the token
	// amounts the engine funded.
	OpDeposit OpKind = iota + 1
	// OpWithdraw removes liquidity; the result reports the token amounts
	// realized plus fees accrued since the last settlement. A zero-magnitude
	// withdraw settles fees without touching liquidity.
	OpWithdraw
)

func (k OpKind) String() string {
	switch k {
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// PendingOp is a single liquidity modification the engine asks the host pool
// to perform. At most one may be outstanding at a time.
type PendingOp struct {
	ID        uuid.UUID
	Kind      OpKind
	LowerTick int32
	UpperTick int32
	// Liquidity is the unsigned magnitude of the change.
	Liquidity *big.Int
}

// SettlementResult is the pool's answer to a PendingOp. Amount0/Amount1 are
// the principal moved by the op: funded by the engine for deposits, released
// to it for withdrawals. Fee0/Fee1 are the swap fees the band earned since
// its last settlement, included on every op kind.
type SettlementResult struct {
	OpID      uuid.UUID
	Amount0   *big.Int
	Amount1   *big.Int
	Fee0      *big.Int
	Fee1      *big.Int
	HostToken string
}

// Pool is the engine's view of the host AMM. Implementations mirror the
// pool state the indexer feeds us; all methods are called from the single
// core goroutine and must not block on I/O.
type Pool interface {
	// CurrentBoundary returns the tick the pool price sits at.
	CurrentBoundary() int32

	// TickSpacing returns the pool's tick spacing; all band edges must be
	// multiples of it.
	TickSpacing() int32

	// ModifyLiquidity performs a pending op and settles fees for its band.
	// The returned result echoes the op id and carries the host token.
	ModifyLiquidity(op PendingOp) (SettlementResult, error)

	// Transfer pays out settled amounts to a recipient. A failure is scoped
	// to that recipient alone; callers redirect to a fallback treasury.
	Transfer(recipient string, amount0, amount1 *big.Int) error

	// FeeGrowthInside reports the cumulative fee growth per unit liquidity
	// inside [lower, upper), X128-scaled, one value per token.
	FeeGrowthInside(lower, upper int32) (growth0, growth1 *big.Int)

	// SetPrice moves the mirrored pool price to a tick. Driven by the
	// indexer's swap feed, never by the engine's own logic.
	SetPrice(tick int32)

	// AccrueFees credits swap fees to the liquidity inside [lower, upper),
	// mirroring the fee events the indexer reports per band.
	AccrueFees(lower, upper int32, fee0, fee1 *big.Int)
}
