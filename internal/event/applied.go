package event

import (
	"math/big"
)

// Applied events are what the core announces after a command lands: they
// ride alongside the command envelope to the projection workers, the
// outbound publisher, and the persistence side tables. The command log
// remains the replay source; applied events are derived, never replayed.

// AppliedType discriminator for applied-event payloads
type AppliedType int32

const (
	AppliedUnknown AppliedType = iota
	AppliedOrderPlaced
	AppliedOrderExecuted
	AppliedExecutionDeferred
	AppliedDeferralCleared
	AppliedOrderCancelled
	AppliedProceedsClaimed
	AppliedPayoutRedirected
	AppliedFeeCredited
	AppliedBatchCompleted
	AppliedParamsUpdated
	AppliedCommandRejected
)

// Applied is the interface all applied-event payloads implement
type Applied interface {
	AppliedType() AppliedType
}

func (at AppliedType) String() string {
	switch at {
	case AppliedOrderPlaced:
		return "OrderPlaced"
	case AppliedOrderExecuted:
		return "OrderExecuted"
	case AppliedExecutionDeferred:
		return "ExecutionDeferred"
	case AppliedDeferralCleared:
		return "DeferralCleared"
	case AppliedOrderCancelled:
		return "OrderCancelled"
	case AppliedProceedsClaimed:
		return "ProceedsClaimed"
	case AppliedPayoutRedirected:
		return "PayoutRedirected"
	case AppliedFeeCredited:
		return "FeeCredited"
	case AppliedBatchCompleted:
		return "BatchCompleted"
	case AppliedParamsUpdated:
		return "ParamsUpdated"
	case AppliedCommandRejected:
		return "CommandRejected"
	default:
		return "Unknown"
	}
}

// OrderPlaced confirms a resting order. Nonce plus the band fields form the
// handle later cancels and claims refer to.
type OrderPlaced struct {
	Owner     string
	OrderSide Side
	Bottom    int32
	Top       int32
	Nonce     uint64
	Liquidity *big.Int
	Amount0   *big.Int // Token0 funded
	Amount1   *big.Int // Token1 funded
}

func (e *OrderPlaced) AppliedType() AppliedType { return AppliedOrderPlaced }

// OrderExecuted reports a position fired by a price crossing (or a keeper
// completing a deferral). Proceeds and final fees stay claimable per
// contributor under this nonce.
type OrderExecuted struct {
	OrderSide       Side
	Bottom          int32
	Top             int32
	Nonce           uint64
	Liquidity       *big.Int // Total liquidity burned
	Proceeds0       *big.Int
	Proceeds1       *big.Int
	Fee0            *big.Int // Final fee settlement at execution
	Fee1            *big.Int
	TriggerBoundary int32
	ByKeeper        bool
}

func (e *OrderExecuted) AppliedType() AppliedType { return AppliedOrderExecuted }

// ExecutionDeferred marks a crossed position left for keepers after the
// per-move execution budget ran out.
type ExecutionDeferred struct {
	OrderSide Side
	Bottom    int32
	Top       int32
	Nonce     uint64
}

func (e *ExecutionDeferred) AppliedType() AppliedType { return AppliedExecutionDeferred }

// DeferralCleared reports a queued band whose deferral lapsed without
// execution: the price receded before a keeper reached it, or its last
// contributor cancelled out.
type DeferralCleared struct {
	OrderSide Side
	Bottom    int32
	Top       int32
	Nonce     uint64
}

func (e *DeferralCleared) AppliedType() AppliedType { return AppliedDeferralCleared }

// OrderCancelled reports one contributor's withdrawal from a resting
// position: their liquidity share plus reconciled fees.
type OrderCancelled struct {
	Owner     string
	OrderSide Side
	Bottom    int32
	Top       int32
	Nonce     uint64
	Liquidity *big.Int // Contributor liquidity withdrawn
	Refund0   *big.Int
	Refund1   *big.Int
	Fee0      *big.Int
	Fee1      *big.Int
}

func (e *OrderCancelled) AppliedType() AppliedType { return AppliedOrderCancelled }

// ProceedsClaimed reports a contributor's payout from an executed position.
type ProceedsClaimed struct {
	Owner      string
	Recipient  string
	OrderSide  Side
	Bottom     int32
	Top        int32
	Nonce      uint64
	Principal0 *big.Int
	Principal1 *big.Int
	Fee0       *big.Int
	Fee1       *big.Int
}

func (e *ProceedsClaimed) AppliedType() AppliedType { return AppliedProceedsClaimed }

// PayoutRedirected records a transfer the intended recipient rejected; the
// amounts went to the fallback treasury instead and remain recoverable
// off-ledger.
type PayoutRedirected struct {
	IntendedRecipient string
	Treasury          string
	Amount0           *big.Int
	Amount1           *big.Int
}

func (e *PayoutRedirected) AppliedType() AppliedType { return AppliedPayoutRedirected }

// FeeCredited reports indexer-attributed fees folded into a live position's
// fee-per-liquidity accumulators.
type FeeCredited struct {
	OrderSide Side
	Bottom    int32
	Top       int32
	Nonce     uint64
	Fee0      *big.Int
	Fee1      *big.Int
}

func (e *FeeCredited) AppliedType() AppliedType { return AppliedFeeCredited }

// BatchCompleted is the asynchronous return value of a batch cancel or
// claim: how many entries in the window were acted on.
type BatchCompleted struct {
	Owner  string
	Kind   string // "cancel" or "claim"
	Offset int32
	Limit  int32
	Acted  int32
}

func (e *BatchCompleted) AppliedType() AppliedType { return AppliedBatchCompleted }

// ParamsUpdated confirms an engine parameter swap.
type ParamsUpdated struct {
	ExecutionBudget   int32
	MinAmount0        *big.Int
	MinAmount1        *big.Int
	MaxOrdersPerScale int32
	AuthorizedKeepers []string
	FallbackTreasury  string
}

func (e *ParamsUpdated) AppliedType() AppliedType { return AppliedParamsUpdated }

// CommandRejected reports a command that failed validation. The command
// still occupies its log sequence; state is unchanged.
type CommandRejected struct {
	Command CommandType
	Owner   string // Empty when the command carries no owner
	Reason  string
}

func (e *CommandRejected) AppliedType() AppliedType { return AppliedCommandRejected }
