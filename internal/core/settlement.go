package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/amm"
)

var (
	ErrNestedPendingOp    = errors.New("liquidity op already pending")
	ErrNoPendingOp        = errors.New("no pending liquidity op")
	ErrSettlementMismatch = errors.New("settlement does not match pending op")
	ErrUnauthorizedHost   = errors.New("settlement from unauthorized host")
)

// opNamespace seeds deterministic op id derivation.
var opNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("limitd.liquidity-op"))

// DeriveOpID produces a liquidity op id from the command's idempotency key
// and the op's ordinal within that command. Replay yields identical ids, so
// settlement validation holds across recovery.
func DeriveOpID(idempotencyKey string, ordinal int) uuid.UUID {
	return uuid.NewSHA1(opNamespace, []byte(fmt.Sprintf("%s:%d", idempotencyKey, ordinal)))
}

// SettlementGuard enforces the two-phase liquidity protocol: at most one op
// pending at a time, and a settlement is accepted only when its id matches
// the pending op and the reporting host token matches the configured host.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type SettlementGuard struct {
	hostID  string
	pending *amm.PendingOp
}

func NewSettlementGuard(hostID string) *SettlementGuard {
	return &SettlementGuard{hostID: hostID}
}

// Begin registers an op as pending. Fails if another op is outstanding.
func (g *SettlementGuard) Begin(op amm.PendingOp) error {
	if g.pending != nil {
		return fmt.Errorf("%w: pending=%s, new=%s", ErrNestedPendingOp, g.pending.ID, op.ID)
	}
	opCopy := op
	g.pending = &opCopy
	return nil
}

// Accept validates a settlement against the pending op and clears it.
func (g *SettlementGuard) Accept(result amm.SettlementResult) (amm.PendingOp, error) {
	if g.pending == nil {
		return amm.PendingOp{}, fmt.Errorf("%w: result op=%s", ErrNoPendingOp, result.OpID)
	}
	if result.OpID != g.pending.ID {
		return amm.PendingOp{}, fmt.Errorf("%w: pending=%s, result=%s",
			ErrSettlementMismatch, g.pending.ID, result.OpID)
	}
	if result.HostToken != g.hostID {
		return amm.PendingOp{}, fmt.Errorf("%w: want=%s, got=%s",
			ErrUnauthorizedHost, g.hostID, result.HostToken)
	}
	op := *g.pending
	g.pending = nil
	return op, nil
}

// Abort clears the pending op after the host rejected it.
func (g *SettlementGuard) Abort(opID uuid.UUID) error {
	if g.pending == nil {
		return fmt.Errorf("%w: abort op=%s", ErrNoPendingOp, opID)
	}
	if g.pending.ID != opID {
		return fmt.Errorf("%w: pending=%s, abort=%s",
			ErrSettlementMismatch, g.pending.ID, opID)
	}
	g.pending = nil
	return nil
}

// Pending returns the outstanding op, if any.
func (g *SettlementGuard) Pending() (amm.PendingOp, bool) {
	if g.pending == nil {
		return amm.PendingOp{}, false
	}
	return *g.pending, true
}
