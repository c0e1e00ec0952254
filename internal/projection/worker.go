package projection

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/core"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ledger"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/observability"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/state"
)

// ProjectionWorker feeds the in-memory read models from the core's
// projection channel. The channel is non-blocking on the core side: if
// this worker falls behind, outputs are dropped with a metric, and the
// models re-prime from the next snapshot restore. Durable history lives in
// Postgres either way.
type ProjectionWorker struct {
	depth     *DepthView
	history   *ExecutionHistory
	inputChan <-chan core.CoreOutput
	lastSeq   atomic.Int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(inputChan <-chan core.CoreOutput, historySize int, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	pw := &ProjectionWorker{
		depth:     NewDepthView(),
		history:   NewExecutionHistory(historySize),
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
	}
	pw.lastSeq.Store(-1)
	return pw
}

// Depth exposes the live depth view for read handlers.
func (pw *ProjectionWorker) Depth() *DepthView { return pw.depth }

// Executions exposes the recent-executions ring for read handlers.
func (pw *ProjectionWorker) Executions() *ExecutionHistory { return pw.history }

// LastSequence is the highest sequence folded into the views, -1 before
// any. Readers compare it against the core sequence to flag staleness.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }

// Run consumes outputs until the context ends or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.apply(output)
		}
	}
}

func (pw *ProjectionWorker) apply(output core.CoreOutput) {
	start := time.Now()

	for _, applied := range output.Applied {
		switch e := applied.(type) {
		case *event.OrderPlaced:
			pw.depth.ApplyPlaced(e)

		case *event.OrderCancelled:
			pw.depth.ApplyCancelled(e)

		case *event.OrderExecuted:
			pw.depth.ApplyExecuted(e)
			pw.history.Add(ExecutionRecord{
				Sequence:        output.Envelope.Sequence,
				OrderSide:       e.OrderSide,
				Bottom:          e.Bottom,
				Top:             e.Top,
				Nonce:           e.Nonce,
				Liquidity:       new(big.Int).Set(e.Liquidity),
				Proceeds0:       new(big.Int).Set(e.Proceeds0),
				Proceeds1:       new(big.Int).Set(e.Proceeds1),
				Fee0:            new(big.Int).Set(e.Fee0),
				Fee1:            new(big.Int).Set(e.Fee1),
				TriggerBoundary: e.TriggerBoundary,
				ByKeeper:        e.ByKeeper,
				Timestamp:       output.Envelope.Timestamp,
			})

		case *event.ExecutionDeferred:
			pw.depth.ApplyWaiting(e.OrderSide, e.Bottom, e.Top, e.Nonce, true)

		case *event.DeferralCleared:
			pw.depth.ApplyWaiting(e.OrderSide, e.Bottom, e.Top, e.Nonce, false)

		case *event.FeeCredited:
			pw.depth.ApplyFees(e)
		}
	}

	pw.lastSeq.Store(output.Envelope.Sequence)
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("depth").Observe(time.Since(start).Seconds())
	}
}

// PrimeFromSnapshot seeds the depth view from restored core state so reads
// are warm before live traffic resumes. Principal and fee totals come from
// the position custody balances; the executions ring starts empty and
// refills from live traffic, with Postgres holding the back history.
func (pw *ProjectionWorker) PrimeFromSnapshot(snap *core.SnapshotState) {
	seeded := 0
	for _, pos := range snap.Positions {
		if pos.Status != state.StatusActive {
			continue
		}

		side := sideFromState(pos.Key.Band.Side)
		entity := ledger.PositionEntity(pos.Key.CanonicalBytes())

		level := &DepthLevel{
			Boundary:    boundaryOf(side, pos.Key.Band.Bottom, pos.Key.Band.Top),
			Bottom:      pos.Key.Band.Bottom,
			Top:         pos.Key.Band.Top,
			Nonce:       pos.Key.Nonce,
			Liquidity:   new(big.Int).Set(pos.TotalLiquidity),
			Principal0:  balanceOf(snap, entity, ledger.SubTypePrincipal, ledger.AssetToken0),
			Principal1:  balanceOf(snap, entity, ledger.SubTypePrincipal, ledger.AssetToken1),
			Fees0:       balanceOf(snap, entity, ledger.SubTypeFees, ledger.AssetToken0),
			Fees1:       balanceOf(snap, entity, ledger.SubTypeFees, ledger.AssetToken1),
			Contributor: pos.Contributors,
			Waiting:     pos.WaitingForKeeper,
		}
		pw.depth.Seed(side, level)
		seeded++
	}

	pw.lastSeq.Store(snap.Sequence)
	pw.log.Info().
		Int("levels", seeded).
		Int64("sequence", snap.Sequence).
		Msg("depth view primed from snapshot")
}

func balanceOf(snap *core.SnapshotState, entity [16]byte, subType ledger.AccountSubType, asset ledger.AssetID) *big.Int {
	if bal, ok := snap.Balances[ledger.NewPositionAccountKey(entity, subType, asset)]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func sideFromState(s state.Side) event.Side {
	if s == state.SellToken0 {
		return event.SideSellToken0
	}
	return event.SideSellToken1
}
