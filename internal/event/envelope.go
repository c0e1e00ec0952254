package event

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandUnknown CommandType = iota
	CommandPlaceOrder
	CommandPlaceScaleOrders
	CommandCancelOrder
	CommandClaimProceeds
	CommandCancelBatch
	CommandClaimBatch
	CommandPriceMoved
	CommandFeeAccrued
	CommandKeeperExecute
	CommandUpdateParams
)

// Envelope wraps every command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Pool context (nullable for global commands)
	PoolID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// PoolID returns the pool context (nil for global commands)
	PoolID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (ct CommandType) String() string {
	switch ct {
	case CommandPlaceOrder:
		return "PlaceOrder"
	case CommandPlaceScaleOrders:
		return "PlaceScaleOrders"
	case CommandCancelOrder:
		return "CancelOrder"
	case CommandClaimProceeds:
		return "ClaimProceeds"
	case CommandCancelBatch:
		return "CancelBatch"
	case CommandClaimBatch:
		return "ClaimBatch"
	case CommandPriceMoved:
		return "PriceMoved"
	case CommandFeeAccrued:
		return "FeeAccrued"
	case CommandKeeperExecute:
		return "KeeperExecute"
	case CommandUpdateParams:
		return "UpdateParams"
	default:
		return "Unknown"
	}
}
