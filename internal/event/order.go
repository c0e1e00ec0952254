package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Side says which asset an order sells
type Side int32

const (
	SideUnknown Side = iota
	// SideSellToken0 rests above the price and executes when the price
	// rises through the band's top boundary.
	SideSellToken0
	// SideSellToken1 rests below the price and executes when the price
	// falls through the band's bottom boundary.
	SideSellToken1
)

func (s Side) String() string {
	switch s {
	case SideSellToken0:
		return "sell_token0"
	case SideSellToken1:
		return "sell_token1"
	default:
		return "unknown"
	}
}

// PlaceOrder asks the engine to rest a single-band order one spacing wide.
// TargetBoundary is the executable boundary: the band's top for token0
// orders, its bottom for token1 orders.
// Idempotency key: command_id (UUID from the gateway).
type PlaceOrder struct {
	CommandID      uuid.UUID // Idempotency key
	Pool           string
	Owner          string
	OrderSide      Side
	TargetBoundary int32
	Amount         *big.Int // In the sold asset's base units
	Seq            int64    // Source sequence from the gateway
	Timestamp      time.Time
}

func (p *PlaceOrder) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *PlaceOrder) CommandType() CommandType {
	return CommandPlaceOrder
}

func (p *PlaceOrder) PoolID() *string {
	m := p.Pool
	return &m
}

func (p *PlaceOrder) SourceSequence() int64 {
	return p.Seq
}

// PlaceScaleOrders asks the engine to spread a total amount across Count
// sub-bands of [LowBoundary, HighBoundary], sized by SkewX18 (1e18 = all
// orders equal).
type PlaceScaleOrders struct {
	CommandID    uuid.UUID
	Pool         string
	Owner        string
	OrderSide    Side
	LowBoundary  int32
	HighBoundary int32
	TotalAmount  *big.Int
	Count        int32
	SkewX18      *big.Int
	Seq          int64
	Timestamp    time.Time
}

func (p *PlaceScaleOrders) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *PlaceScaleOrders) CommandType() CommandType {
	return CommandPlaceScaleOrders
}

func (p *PlaceScaleOrders) PoolID() *string {
	m := p.Pool
	return &m
}

func (p *PlaceScaleOrders) SourceSequence() int64 {
	return p.Seq
}
