package event

import (
	"time"

	"github.com/google/uuid"
)

// BandRef names a band without a nonce; the engine re-derives the live
// position at processing time.
type BandRef struct {
	OrderSide Side
	Bottom    int32
	Top       int32
}

// KeeperExecute submits previously-deferred bands for completion. Only
// sources in the authorized keeper set may issue it. Each band is
// re-validated against the current price before executing.
type KeeperExecute struct {
	CommandID uuid.UUID
	Pool      string
	Keeper    string // Source identity, checked against the keeper set
	Bands     []BandRef
	Seq       int64
	Timestamp time.Time
}

func (k *KeeperExecute) IdempotencyKey() string {
	return k.CommandID.String()
}

func (k *KeeperExecute) CommandType() CommandType {
	return CommandKeeperExecute
}

func (k *KeeperExecute) PoolID() *string {
	m := k.Pool
	return &m
}

func (k *KeeperExecute) SourceSequence() int64 {
	return k.Seq
}
