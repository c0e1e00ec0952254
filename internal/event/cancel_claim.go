package event

import (
	"time"

	"github.com/google/uuid"
)

// CancelOrder withdraws the owner's contribution from a still-resting
// position. The handle fields come from the OrderPlaced notification; a
// stale nonce means the position executed and must be claimed instead.
type CancelOrder struct {
	CommandID uuid.UUID
	Pool      string
	Owner     string
	OrderSide Side
	Bottom    int32
	Top       int32
	Nonce     uint64
	Seq       int64
	Timestamp time.Time
}

func (c *CancelOrder) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CancelOrder) CommandType() CommandType {
	return CommandCancelOrder
}

func (c *CancelOrder) PoolID() *string {
	m := c.Pool
	return &m
}

func (c *CancelOrder) SourceSequence() int64 {
	return c.Seq
}

// ClaimProceeds pays out the owner's principal share and accrued fees from
// an executed position to Recipient.
type ClaimProceeds struct {
	CommandID uuid.UUID
	Pool      string
	Owner     string
	Recipient string
	OrderSide Side
	Bottom    int32
	Top       int32
	Nonce     uint64
	Seq       int64
	Timestamp time.Time
}

func (c *ClaimProceeds) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ClaimProceeds) CommandType() CommandType {
	return CommandClaimProceeds
}

func (c *ClaimProceeds) PoolID() *string {
	m := c.Pool
	return &m
}

func (c *ClaimProceeds) SourceSequence() int64 {
	return c.Seq
}

// CancelBatch cancels every cancelable order in a window of the owner's
// order set. The window is walked from its high index downward.
type CancelBatch struct {
	CommandID uuid.UUID
	Pool      string
	Owner     string
	Offset    int32
	Limit     int32
	Seq       int64
	Timestamp time.Time
}

func (c *CancelBatch) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CancelBatch) CommandType() CommandType {
	return CommandCancelBatch
}

func (c *CancelBatch) PoolID() *string {
	m := c.Pool
	return &m
}

func (c *CancelBatch) SourceSequence() int64 {
	return c.Seq
}

// ClaimBatch claims every executed order in a window of the owner's order
// set, paying proceeds to Recipient.
type ClaimBatch struct {
	CommandID uuid.UUID
	Pool      string
	Owner     string
	Recipient string
	Offset    int32
	Limit     int32
	Seq       int64
	Timestamp time.Time
}

func (c *ClaimBatch) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ClaimBatch) CommandType() CommandType {
	return CommandClaimBatch
}

func (c *ClaimBatch) PoolID() *string {
	m := c.Pool
	return &m
}

func (c *ClaimBatch) SourceSequence() int64 {
	return c.Seq
}
