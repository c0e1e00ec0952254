package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
)

// Row models under projections.* are derived from applied events inside the
// same transaction that commits the envelope, so readers never observe an
// envelope without its row effects. Quantity columns are NUMERIC with the
// arithmetic in SQL. The arithmetic is NOT idempotent, so the worker locks
// the watermark row per flush and skips row updates for sequences at or
// below it; the watermark advances in the same transaction.

const feeScale = "1000000000000000000" // X18, matches the fee-per-liquidity accumulators

func num(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.Text(10)
}

// WriteRowUpdates applies one envelope's applied events to the row models.
func (w *EventLogWriter) WriteRowUpdates(ctx context.Context, tx *sql.Tx, seq int64, pool string, applied []event.Applied, ts time.Time) error {
	for _, a := range applied {
		var err error
		switch e := a.(type) {
		case *event.OrderPlaced:
			err = w.rowOrderPlaced(ctx, tx, seq, pool, e, ts)
		case *event.OrderCancelled:
			err = w.rowOrderCancelled(ctx, tx, seq, pool, e, ts)
		case *event.OrderExecuted:
			err = w.rowOrderExecuted(ctx, tx, seq, pool, e, ts)
		case *event.ExecutionDeferred:
			err = w.rowSetWaiting(ctx, tx, seq, pool, e.OrderSide, e.Bottom, e.Top, e.Nonce, true, ts)
		case *event.DeferralCleared:
			err = w.rowSetWaiting(ctx, tx, seq, pool, e.OrderSide, e.Bottom, e.Top, e.Nonce, false, ts)
		case *event.ProceedsClaimed:
			err = w.rowProceedsClaimed(ctx, tx, seq, pool, e, ts)
		case *event.FeeCredited:
			err = w.rowFeeCredited(ctx, tx, seq, pool, e, ts)
		case *event.PayoutRedirected:
			err = w.rowPayoutRedirected(ctx, tx, seq, pool, e)
		default:
			// BatchCompleted, ParamsUpdated and CommandRejected carry no
			// position or contributor effects.
		}
		if err != nil {
			return fmt.Errorf("row update for %s at seq %d: %w", a.AppliedType(), seq, err)
		}
	}
	return nil
}

// LockWatermark takes the row-model watermark lock for the duration of the
// transaction and returns the highest sequence already applied.
func (w *EventLogWriter) LockWatermark(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT sequence FROM projections.watermark WHERE worker_id = 'persist' FOR UPDATE
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AdvanceWatermark records the highest sequence whose row effects are visible.
func (w *EventLogWriter) AdvanceWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, sequence, updated_at)
		VALUES ('persist', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			sequence = GREATEST(projections.watermark.sequence, EXCLUDED.sequence),
			updated_at = EXCLUDED.updated_at
	`, seq)
	return err
}

func (w *EventLogWriter) rowOrderPlaced(ctx context.Context, tx *sql.Tx, seq int64, pool string, e *event.OrderPlaced, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(pool, side, bottom, top, nonce, status, waiting, total_liquidity,
			 executed_liquidity, principal0, principal1, fpl0, fpl1, contributors, updated_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', FALSE, $6::numeric, 0, $7::numeric, $8::numeric, 0, 0, 0, $9, $10)
		ON CONFLICT (pool, side, bottom, top, nonce) DO UPDATE SET
			total_liquidity = projections.positions.total_liquidity + EXCLUDED.total_liquidity,
			principal0      = projections.positions.principal0 + EXCLUDED.principal0,
			principal1      = projections.positions.principal1 + EXCLUDED.principal1,
			updated_seq     = EXCLUDED.updated_seq,
			updated_at      = EXCLUDED.updated_at
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce),
		num(e.Liquidity), num(e.Amount0), num(e.Amount1), seq, ts)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.contributors
			(pool, side, bottom, top, nonce, owner, liquidity, amount0, amount1, placed_seq, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $10)
		ON CONFLICT (pool, side, bottom, top, nonce, owner) DO UPDATE SET
			liquidity   = projections.contributors.liquidity + EXCLUDED.liquidity,
			amount0     = projections.contributors.amount0 + EXCLUDED.amount0,
			amount1     = projections.contributors.amount1 + EXCLUDED.amount1,
			updated_seq = EXCLUDED.updated_seq
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce), e.Owner,
		num(e.Liquidity), num(e.Amount0), num(e.Amount1), seq)
	if err != nil {
		return err
	}

	return w.refreshContributorCount(ctx, tx, pool, e.OrderSide.String(), e.Bottom, e.Top, e.Nonce)
}

func (w *EventLogWriter) rowOrderCancelled(ctx context.Context, tx *sql.Tx, seq int64, pool string, e *event.OrderCancelled, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM projections.contributors
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5 AND owner = $6
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce), e.Owner)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projections.positions SET
			total_liquidity = total_liquidity - $6::numeric,
			principal0      = principal0 - $7::numeric,
			principal1      = principal1 - $8::numeric,
			updated_seq     = $9,
			updated_at      = $10
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce),
		num(e.Liquidity), num(e.Refund0), num(e.Refund1), seq, ts)
	if err != nil {
		return err
	}

	if err := w.refreshContributorCount(ctx, tx, pool, e.OrderSide.String(), e.Bottom, e.Top, e.Nonce); err != nil {
		return err
	}
	return w.retireWhenDrained(ctx, tx, pool, e.OrderSide.String(), e.Bottom, e.Top, e.Nonce)
}

func (w *EventLogWriter) rowOrderExecuted(ctx context.Context, tx *sql.Tx, seq int64, pool string, e *event.OrderExecuted, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions SET
			status             = 'executed',
			waiting            = FALSE,
			executed_liquidity = $6::numeric,
			total_liquidity    = 0,
			principal0         = 0,
			principal1         = 0,
			updated_seq        = $7,
			updated_at         = $8
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce), num(e.Liquidity), seq, ts)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.executions
			(pool, side, bottom, top, nonce, trigger_boundary, by_keeper,
			 liquidity, proceeds0, proceeds1, fee0, fee1, sequence, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13, $14)
		ON CONFLICT (pool, side, bottom, top, nonce) DO NOTHING
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce), e.TriggerBoundary, e.ByKeeper,
		num(e.Liquidity), num(e.Proceeds0), num(e.Proceeds1), num(e.Fee0), num(e.Fee1), seq, ts)
	return err
}

func (w *EventLogWriter) rowSetWaiting(ctx context.Context, tx *sql.Tx, seq int64, pool string, side event.Side, bottom, top int32, nonce uint64, waiting bool, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions SET waiting = $6, updated_seq = $7, updated_at = $8
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5
	`, pool, side.String(), bottom, top, int64(nonce), waiting, seq, ts)
	return err
}

func (w *EventLogWriter) rowProceedsClaimed(ctx context.Context, tx *sql.Tx, seq int64, pool string, e *event.ProceedsClaimed, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM projections.contributors
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5 AND owner = $6
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce), e.Owner)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.claims
			(pool, side, bottom, top, nonce, owner, recipient,
			 principal0, principal1, fee0, fee1, redirected, sequence, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11::numeric, FALSE, $12, $13)
		ON CONFLICT (pool, side, bottom, top, nonce, owner) DO NOTHING
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce), e.Owner, e.Recipient,
		num(e.Principal0), num(e.Principal1), num(e.Fee0), num(e.Fee1), seq, ts)
	if err != nil {
		return err
	}

	if err := w.refreshContributorCount(ctx, tx, pool, e.OrderSide.String(), e.Bottom, e.Top, e.Nonce); err != nil {
		return err
	}
	return w.retireWhenDrained(ctx, tx, pool, e.OrderSide.String(), e.Bottom, e.Top, e.Nonce)
}

func (w *EventLogWriter) rowFeeCredited(ctx context.Context, tx *sql.Tx, seq int64, pool string, e *event.FeeCredited, ts time.Time) error {
	// fpl accumulators advance by fee * X18 / live liquidity, floored, the
	// same way the engine advances its in-memory accumulators.
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions SET
			fpl0        = fpl0 + COALESCE(div($6::numeric * $8::numeric, NULLIF(total_liquidity, 0)), 0),
			fpl1        = fpl1 + COALESCE(div($7::numeric * $8::numeric, NULLIF(total_liquidity, 0)), 0),
			updated_seq = $9,
			updated_at  = $10
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5
	`, pool, e.OrderSide.String(), e.Bottom, e.Top, int64(e.Nonce),
		num(e.Fee0), num(e.Fee1), feeScale, seq, ts)
	return err
}

func (w *EventLogWriter) rowPayoutRedirected(ctx context.Context, tx *sql.Tx, seq int64, pool string, e *event.PayoutRedirected) error {
	// A redirect follows the claim or cancel it belongs to under the same
	// sequence. The intended recipient matches the claim's recipient, which
	// need not be its owner. Cancels have no claims row, so zero rows
	// updated is fine.
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.claims SET redirected = TRUE, recipient = $3
		WHERE pool = $1 AND sequence = $2 AND recipient = $4
	`, pool, seq, e.Treasury, e.IntendedRecipient)
	return err
}

func (w *EventLogWriter) refreshContributorCount(ctx context.Context, tx *sql.Tx, pool, side string, bottom, top int32, nonce uint64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions p SET contributors = (
			SELECT COUNT(*) FROM projections.contributors c
			WHERE c.pool = p.pool AND c.side = p.side AND c.bottom = p.bottom
			  AND c.top = p.top AND c.nonce = p.nonce
		)
		WHERE p.pool = $1 AND p.side = $2 AND p.bottom = $3 AND p.top = $4 AND p.nonce = $5
	`, pool, side, bottom, top, int64(nonce))
	return err
}

func (w *EventLogWriter) retireWhenDrained(ctx context.Context, tx *sql.Tx, pool, side string, bottom, top int32, nonce uint64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions SET status = 'retired'
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5
		  AND contributors = 0 AND status IN ('active', 'executed')
	`, pool, side, bottom, top, int64(nonce))
	return err
}
