package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/amm"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ledger"
	fpmath "github.com/miracleworker0118/gamma-univ4-limit-orders/internal/math"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/observability"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/state"
)

// Order-flow rejections. Each aborts the whole command before any state
// mutation and surfaces as a CommandRejected event.
var (
	ErrAmountBelowMinimum = errors.New("amount below configured minimum")
	ErrBoundaryOccupied   = errors.New("boundary claimed by another band")
	ErrPositionWaiting    = errors.New("position queued for keeper execution")
	ErrNothingToClaim     = errors.New("nothing claimable for owner")
)

// DeterministicCore is the single-threaded command processor. All state
// mutation happens here, on one goroutine, in source order; everything
// downstream (persistence, projections, publishing) consumes its outputs.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	positions         *state.PositionManager
	contributors      *state.ContributorLedger
	fees              *state.FeeAccountant
	tickIndex         *state.TickIndex
	scanner           *state.ExecutionScanner
	overflow          *state.OverflowQueue
	owners            *state.OwnerRegistry
	params            *state.ParamsManager
	pool              amm.Pool
	guard             *SettlementGuard
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	// Position keys mutated by the command in flight, for digesting and
	// post-checks. Reset at dispatch.
	touched map[state.PositionKey]struct{}

	// Nil until AttachOutputs. Recovery replays the event log with both
	// unset, so replayed commands rebuild state without re-emitting.
	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one sequenced envelope with everything downstream consumers
// need: the journal batch for persistence, the applied events for
// projections and publishing, and the state delta for audit.
type CoreOutput struct {
	Envelope   *event.Envelope
	Applied    []event.Applied
	Batch      *ledger.Batch
	StateDelta []byte
}

// step is one envelope's worth of a command: the journal batch it applies
// and the events it announces. Multi-order commands (scale orders, batch
// cancel/claim, multi-position sweeps) produce one step per order so every
// envelope stays replayable on its own.
type step struct {
	batch   *ledger.Batch
	applied []event.Applied
}

func NewDeterministicCore(
	startSequence int64,
	pool amm.Pool,
	params *state.ParamsManager,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewJournalGenerator(startSequence, balanceTracker)
	positions := state.NewPositionManager()
	tickIndex := state.NewTickIndex(pool.TickSpacing())

	// Initialize with capacity of 1M entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         validator,
		positions:         positions,
		contributors:      state.NewContributorLedger(),
		fees:              state.NewFeeAccountant(),
		tickIndex:         tickIndex,
		scanner:           state.NewExecutionScanner(tickIndex, positions),
		overflow:          state.NewOverflowQueue(),
		owners:            state.NewOwnerRegistry(),
		params:            params,
		pool:              pool,
		guard:             NewSettlementGuard(params.HostID()),
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		touched:           make(map[state.PositionKey]struct{}),
	}
}

// AttachOutputs wires the core's output channels. Call after recovery
// replay finishes and before live processing starts.
func (c *DeterministicCore) AttachOutputs(persist, projection chan<- CoreOutput) {
	c.persistChan = persist
	c.projectionChan = projection
}

// AttachDBChecker wires the Postgres dedup tier. Like the output channels
// it stays unset during recovery replay: every replayed key already exists
// in the event log, and the tier would misread the whole replay as
// duplicates.
func (c *DeterministicCore) AttachDBChecker(dbChecker DBIdempotencyChecker) {
	c.idempotency.SetDBChecker(dbChecker)
}

// ProcessCommand is the main processing pipeline.
func (c *DeterministicCore) ProcessCommand(cmd event.Command) error {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(commandType, idempotencyKey)

	// Step 2: Sequence validation. Pool feed streams tolerate gaps (swaps
	// the indexer filtered out); command streams do not.
	switch e := cmd.(type) {
	case *event.PriceMoved:
		if fresh := c.sequenceValidator.ValidateFeedSequence("swaps", e.Pool, e.SwapSeq); !fresh {
			if c.metrics != nil {
				c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "stale_feed").Inc()
			}
			return nil
		}
	case *event.FeeAccrued:
		if fresh := c.sequenceValidator.ValidateFeedSequence("fees", e.Pool, e.FeeSeq); !fresh {
			if c.metrics != nil {
				c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "stale_feed").Inc()
			}
			return nil
		}
	default:
		partition := c.getPartition(cmd)
		if err := c.sequenceValidator.ValidateSequence(partition, cmd.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. A validation failure becomes a CommandRejected
	// step so the rejection itself is sequenced and survives replay.
	c.touched = make(map[state.PositionKey]struct{})

	steps, err := c.dispatchCommand(cmd)
	if err != nil {
		steps = []step{c.rejectionStep(cmd, err)}
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "validation").Inc()
		}
	}
	// Commands that mutate state without producing a step (a price move
	// with nothing eligible, an abandoned fee report) still log one empty
	// envelope: replay re-runs them to rebuild the pool mirror.
	if len(steps) == 0 {
		steps = []step{{}}
	}

	// Step 4: Marshal the command once; every envelope of a multi-step
	// command carries the same payload and replays as one unit.
	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal %s command %s: %v", commandType, idempotencyKey, err))
	}

	// Steps 5-9: Apply each batch, hash, and build envelopes.
	timestamp := c.getCommandTimestamp(cmd)
	sourceSequence := cmd.SourceSequence()
	outputs := make([]CoreOutput, 0, len(steps))

	for _, st := range steps {
		if st.batch != nil {
			st.batch.Sequence = c.sequence
			for i := range st.batch.Journals {
				st.batch.Journals[i].Sequence = c.sequence
			}

			if err := c.validator.ValidateBatchBalance(st.batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}
			if err := c.balanceTracker.ApplyBatch(st.batch); err != nil {
				panic(fmt.Sprintf("FATAL: apply batch: %v", err))
			}

			if c.metrics != nil {
				for _, j := range st.batch.Journals {
					c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
				}
			}
		}

		hashStart := time.Now()
		stateDigest := c.computeStateDigest(st.batch)
		prevHash := c.hasher.GetPrevHash()
		stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
		if c.metrics != nil {
			c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
		}

		envelope := &event.Envelope{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			CommandType:    cmd.CommandType(),
			PoolID:         cmd.PoolID(),
			Timestamp:      timestamp,
			SourceSequence: sourceSequence,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}

		outputs = append(outputs, CoreOutput{
			Envelope:   envelope,
			Applied:    st.applied,
			Batch:      st.batch,
			StateDelta: stateDigest,
		})
		c.sequence++
	}

	// Step 10: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 11: Emit outputs. Persistence uses a BLOCKING send
	// (backpressure, no envelope lost); projections use a NON-BLOCKING
	// send and rebuild from the event log if they fall behind.
	for _, output := range outputs {
		if c.persistChan != nil {
			c.persistChan <- output
		}
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
				}
			}
		}
	}

	// Step 12: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(commandType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.ActivePositions.Set(float64(c.positions.Count()))
		c.metrics.OverflowQueueDepth.Set(float64(c.overflow.Len()))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	}

	return nil
}

func (c *DeterministicCore) dispatchCommand(cmd event.Command) ([]step, error) {
	switch e := cmd.(type) {
	case *event.PlaceOrder:
		return c.handlePlaceOrder(e)
	case *event.PlaceScaleOrders:
		return c.handlePlaceScaleOrders(e)
	case *event.CancelOrder:
		return c.handleCancelOrder(e)
	case *event.ClaimProceeds:
		return c.handleClaimProceeds(e)
	case *event.CancelBatch:
		return c.handleCancelBatch(e)
	case *event.ClaimBatch:
		return c.handleClaimBatch(e)
	case *event.PriceMoved:
		return c.handlePriceMoved(e)
	case *event.FeeAccrued:
		return c.handleFeeAccrued(e)
	case *event.KeeperExecute:
		return c.handleKeeperExecute(e)
	case *event.UpdateParams:
		return c.handleUpdateParams(e)
	default:
		return nil, fmt.Errorf("unhandled command type %T", cmd)
	}
}

// getPartition determines the partition key for sequence validation.
func (c *DeterministicCore) getPartition(cmd event.Command) string {
	if poolID := cmd.PoolID(); poolID != nil {
		return fmt.Sprintf("pool:%s", *poolID)
	}
	return "global"
}

// getCommandTimestamp extracts the versioned timestamp. The core never
// calls time.Now() for anything that reaches state or the event log.
func (c *DeterministicCore) getCommandTimestamp(cmd event.Command) time.Time {
	switch e := cmd.(type) {
	case *event.PlaceOrder:
		return e.Timestamp
	case *event.PlaceScaleOrders:
		return e.Timestamp
	case *event.CancelOrder:
		return e.Timestamp
	case *event.ClaimProceeds:
		return e.Timestamp
	case *event.CancelBatch:
		return e.Timestamp
	case *event.ClaimBatch:
		return e.Timestamp
	case *event.PriceMoved:
		return e.Timestamp
	case *event.FeeAccrued:
		return e.Timestamp
	case *event.KeeperExecute:
		return e.Timestamp
	case *event.UpdateParams:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getCommandTimestamp called with unhandled command type %T", cmd))
	}
}

func (c *DeterministicCore) rejectionStep(cmd event.Command, cause error) step {
	return step{applied: []event.Applied{&event.CommandRejected{
		Command: cmd.CommandType(),
		Owner:   commandOwner(cmd),
		Reason:  cause.Error(),
	}}}
}

func commandOwner(cmd event.Command) string {
	switch e := cmd.(type) {
	case *event.PlaceOrder:
		return e.Owner
	case *event.PlaceScaleOrders:
		return e.Owner
	case *event.CancelOrder:
		return e.Owner
	case *event.ClaimProceeds:
		return e.Owner
	case *event.CancelBatch:
		return e.Owner
	case *event.ClaimBatch:
		return e.Owner
	case *event.KeeperExecute:
		return e.Keeper
	default:
		return ""
	}
}

func stateSide(s event.Side) (state.Side, error) {
	switch s {
	case event.SideSellToken0:
		return state.SellToken0, nil
	case event.SideSellToken1:
		return state.SellToken1, nil
	default:
		return 0, fmt.Errorf("order side not specified")
	}
}

func eventSide(s state.Side) event.Side {
	if s == state.SellToken0 {
		return event.SideSellToken0
	}
	return event.SideSellToken1
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func (c *DeterministicCore) touch(key state.PositionKey) {
	c.touched[key] = struct{}{}
}

// === Placement ===

func (c *DeterministicCore) handlePlaceOrder(e *event.PlaceOrder) ([]step, error) {
	if e.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	side, err := stateSide(e.OrderSide)
	if err != nil {
		return nil, err
	}
	band, err := c.deriveBand(side, e.TargetBoundary)
	if err != nil {
		return nil, err
	}
	liquidity, err := c.validatePlacement(band, e.Amount)
	if err != nil {
		return nil, err
	}
	st, err := c.placeIntoBand(e.IdempotencyKey(), 0, e.Pool, e.Owner, band, liquidity, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return []step{st}, nil
}

func (c *DeterministicCore) handlePlaceScaleOrders(e *event.PlaceScaleOrders) ([]step, error) {
	if e.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	side, err := stateSide(e.OrderSide)
	if err != nil {
		return nil, err
	}
	n := int(e.Count)
	if n < 2 {
		return nil, fmt.Errorf("scale order needs at least 2 sub-orders, got %d", n)
	}
	if maxN := c.params.Params().MaxOrdersPerScale; n > maxN {
		return nil, fmt.Errorf("scale order count %d exceeds limit %d", n, maxN)
	}

	plan, err := fpmath.ComputeScalePlan(e.LowBoundary, e.HighBoundary, c.tickIndex.Spacing(), n, e.TotalAmount, e.SkewX18)
	if err != nil {
		return nil, err
	}

	// Validate the whole plan before touching anything. A scale order
	// lands atomically or not at all.
	liquidities := make([]*big.Int, n)
	for i, po := range plan.Orders {
		band := state.BandKey{Bottom: po.Bottom, Top: po.Top, Side: side}
		liq, err := c.validatePlacement(band, po.Amount)
		if err != nil {
			return nil, fmt.Errorf("sub-order %d of %d: %w", i+1, n, err)
		}
		liquidities[i] = liq
	}

	steps := make([]step, 0, n)
	for i, po := range plan.Orders {
		band := state.BandKey{Bottom: po.Bottom, Top: po.Top, Side: side}
		st, err := c.placeIntoBand(e.IdempotencyKey(), i, e.Pool, e.Owner, band, liquidities[i], e.Timestamp)
		if err != nil {
			panic(fmt.Sprintf("FATAL: scale placement failed after validation: %v", err))
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// deriveBand expands an executable boundary into its one-spacing band:
// token0 sellers rest in the spacing below the boundary and fire crossing
// up through it, token1 sellers rest in the spacing above and fire
// crossing down.
func (c *DeterministicCore) deriveBand(side state.Side, boundary int32) (state.BandKey, error) {
	spacing := c.tickIndex.Spacing()
	if boundary%spacing != 0 {
		return state.BandKey{}, fmt.Errorf("boundary %d not aligned to tick spacing %d", boundary, spacing)
	}
	if side == state.SellToken0 {
		return state.BandKey{Bottom: boundary - spacing, Top: boundary, Side: side}, nil
	}
	return state.BandKey{Bottom: boundary, Top: boundary + spacing, Side: side}, nil
}

// validatePlacement checks a prospective contribution without mutating
// anything, returning the liquidity the amount converts to.
func (c *DeterministicCore) validatePlacement(band state.BandKey, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if min := c.params.MinAmountFor(band.Side); amount.Cmp(min) < 0 {
		return nil, fmt.Errorf("%w: %s, minimum %s", ErrAmountBelowMinimum, amount, min)
	}

	// A resting order must sit entirely on the far side of the price so
	// its deposit converts one-for-one and execution is all-or-nothing.
	cur := c.pool.CurrentBoundary()
	if band.Side == state.SellToken0 && cur > band.Bottom {
		return nil, fmt.Errorf("sell-token0 band [%d,%d] must rest at or above the price boundary %d", band.Bottom, band.Top, cur)
	}
	if band.Side == state.SellToken1 && cur < band.Top {
		return nil, fmt.Errorf("sell-token1 band [%d,%d] must rest at or below the price boundary %d", band.Bottom, band.Top, cur)
	}

	boundary := band.ExecutableBoundary()
	if existing, occupied := c.tickIndex.KeyAt(band.Side, boundary); occupied && existing.Band != band {
		return nil, fmt.Errorf("%w: boundary %d held by band [%d,%d]", ErrBoundaryOccupied, boundary, existing.Band.Bottom, existing.Band.Top)
	}
	if pos := c.positions.GetLive(band); pos != nil && pos.WaitingForKeeper {
		return nil, fmt.Errorf("%w: band [%d,%d]", ErrPositionWaiting, band.Bottom, band.Top)
	}

	return c.contributionLiquidity(band, amount)
}

// contributionLiquidity converts a single-asset deposit amount into band
// liquidity and rejects contributions too small to move any assets.
func (c *DeterministicCore) contributionLiquidity(band state.BandKey, amount *big.Int) (*big.Int, error) {
	sqrtBottom, err := fpmath.SqrtPriceAtTick(band.Bottom)
	if err != nil {
		return nil, err
	}
	sqrtTop, err := fpmath.SqrtPriceAtTick(band.Top)
	if err != nil {
		return nil, err
	}

	var liquidity *big.Int
	if band.Side == state.SellToken0 {
		liquidity, err = fpmath.LiquidityForAmount0(sqrtBottom, sqrtTop, amount)
	} else {
		liquidity, err = fpmath.LiquidityForAmount1(sqrtBottom, sqrtTop, amount)
	}
	if err != nil {
		return nil, err
	}
	if liquidity.Sign() == 0 {
		return nil, fmt.Errorf("amount %s converts to zero liquidity", amount)
	}

	sqrtCur, err := fpmath.SqrtPriceAtTick(c.pool.CurrentBoundary())
	if err != nil {
		panic(fmt.Sprintf("FATAL: pool price boundary out of range: %v", err))
	}
	need0, need1 := fpmath.AmountsForLiquidity(sqrtCur, sqrtBottom, sqrtTop, liquidity)
	if need0.Sign() == 0 && need1.Sign() == 0 {
		return nil, fmt.Errorf("amount %s deposits no assets", amount)
	}
	return liquidity, nil
}

// placeIntoBand runs the settled deposit flow for one validated
// contribution: pool settlement, custody journals, then state mutation.
func (c *DeterministicCore) placeIntoBand(idemKey string, ordinal int, pool, owner string, band state.BandKey, liquidity *big.Int, ts time.Time) (step, error) {
	op := amm.PendingOp{
		ID:        DeriveOpID(idemKey, ordinal),
		Kind:      amm.OpDeposit,
		LowerTick: band.Bottom,
		UpperTick: band.Top,
		Liquidity: new(big.Int).Set(liquidity),
	}
	if err := c.guard.Begin(op); err != nil {
		panic(fmt.Sprintf("FATAL: settlement guard: %v", err))
	}
	result, err := c.pool.ModifyLiquidity(op)
	if err != nil {
		if abortErr := c.guard.Abort(op.ID); abortErr != nil {
			panic(fmt.Sprintf("FATAL: settlement abort: %v", abortErr))
		}
		return step{}, fmt.Errorf("pool rejected deposit: %w", err)
	}
	if _, err := c.guard.Accept(result); err != nil {
		panic(fmt.Sprintf("FATAL: settlement result refused: %v", err))
	}

	pos := c.positions.GetOrCreateLive(band)
	entity := ledger.PositionEntity(pos.Key.CanonicalBytes())
	batch, err := c.journalGen.GeneratePlacement(idemKey, entity, result.Amount0, result.Amount1, ts.UnixMicro())
	if err != nil {
		panic(fmt.Sprintf("FATAL: placement journals: %v", err))
	}

	contrib, isNew := c.contributors.GetOrCreate(state.ContributorKey{Position: pos.Key, Owner: owner})
	c.fees.Reconcile(pos, contrib)
	if isNew {
		pos.Contributors++
	}
	contrib.Liquidity.Add(contrib.Liquidity, liquidity)
	contrib.Version++
	pos.TotalLiquidity.Add(pos.TotalLiquidity, liquidity)
	pos.Version++

	boundary := band.ExecutableBoundary()
	if _, occupied := c.tickIndex.KeyAt(band.Side, boundary); !occupied {
		c.tickIndex.Register(band.Side, boundary, pos.Key)
	}
	c.owners.Add(state.OrderRef{Position: pos.Key, Owner: owner})
	c.touch(pos.Key)

	if c.metrics != nil {
		c.metrics.OrdersPlaced.WithLabelValues(pool, band.Side.String()).Inc()
	}

	return step{batch: batch, applied: []event.Applied{&event.OrderPlaced{
		Owner:     owner,
		OrderSide: eventSide(band.Side),
		Bottom:    band.Bottom,
		Top:       band.Top,
		Nonce:     pos.Key.Nonce,
		Liquidity: new(big.Int).Set(liquidity),
		Amount0:   result.Amount0,
		Amount1:   result.Amount1,
	}}}, nil
}

// === Cancellation and claims ===

func (c *DeterministicCore) handleCancelOrder(e *event.CancelOrder) ([]step, error) {
	if e.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	side, err := stateSide(e.OrderSide)
	if err != nil {
		return nil, err
	}
	key := state.PositionKey{Band: state.BandKey{Bottom: e.Bottom, Top: e.Top, Side: side}, Nonce: e.Nonce}
	pos := c.positions.Get(key)
	if pos == nil {
		return nil, fmt.Errorf("no position at band [%d,%d] nonce %d", e.Bottom, e.Top, e.Nonce)
	}
	if pos.Status == state.StatusExecuted {
		return nil, fmt.Errorf("position already executed; claim proceeds instead")
	}
	contrib := c.contributors.Get(state.ContributorKey{Position: key, Owner: e.Owner})
	if contrib == nil || contrib.Liquidity.Sign() == 0 {
		return nil, fmt.Errorf("owner %s holds no liquidity in this position", e.Owner)
	}
	return c.cancelContributor(e.IdempotencyKey(), 0, e.Pool, pos, contrib, e.Timestamp), nil
}

func (c *DeterministicCore) handleClaimProceeds(e *event.ClaimProceeds) ([]step, error) {
	if e.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	side, err := stateSide(e.OrderSide)
	if err != nil {
		return nil, err
	}
	key := state.PositionKey{Band: state.BandKey{Bottom: e.Bottom, Top: e.Top, Side: side}, Nonce: e.Nonce}
	pos := c.positions.Get(key)
	if pos == nil {
		return nil, fmt.Errorf("no position at band [%d,%d] nonce %d", e.Bottom, e.Top, e.Nonce)
	}
	if pos.Status != state.StatusExecuted {
		return nil, fmt.Errorf("position has not executed; cancel to withdraw")
	}
	contrib := c.contributors.Get(state.ContributorKey{Position: key, Owner: e.Owner})
	if contrib == nil || contrib.Liquidity.Sign() == 0 {
		return nil, fmt.Errorf("%w: owner %s holds no share in this position", ErrNothingToClaim, e.Owner)
	}
	recipient := e.Recipient
	if recipient == "" {
		recipient = e.Owner
	}
	return c.claimContributor(e.IdempotencyKey(), e.Pool, pos, contrib, recipient, e.Timestamp), nil
}

// cancelContributor withdraws one contributor's share of a resting
// position. The band's nonce does not advance: cancellation never
// invalidates co-contributors' references.
func (c *DeterministicCore) cancelContributor(idemKey string, ordinal int, pool string, pos *state.Position, contrib *state.Contributor, ts time.Time) []step {
	key := pos.Key
	owner := contrib.Key.Owner
	liquidity := new(big.Int).Set(contrib.Liquidity)

	op := amm.PendingOp{
		ID:        DeriveOpID(idemKey, ordinal),
		Kind:      amm.OpWithdraw,
		LowerTick: key.Band.Bottom,
		UpperTick: key.Band.Top,
		Liquidity: liquidity,
	}
	if err := c.guard.Begin(op); err != nil {
		panic(fmt.Sprintf("FATAL: settlement guard: %v", err))
	}
	result, err := c.pool.ModifyLiquidity(op)
	if err != nil {
		panic(fmt.Sprintf("FATAL: pool refused withdrawing tracked liquidity: %v", err))
	}
	if _, err := c.guard.Accept(result); err != nil {
		panic(fmt.Sprintf("FATAL: settlement result refused: %v", err))
	}

	c.fees.Reconcile(pos, contrib)
	fee0, fee1 := c.fees.TakeAccrued(contrib)
	refund0, refund1 := result.Amount0, result.Amount1

	pay0 := new(big.Int).Add(refund0, fee0)
	pay1 := new(big.Int).Add(refund1, fee1)
	redirected, extra := c.payOut(owner, pay0, pay1)

	var batch *ledger.Batch
	if refund0.Sign() != 0 || refund1.Sign() != 0 || fee0.Sign() != 0 || fee1.Sign() != 0 {
		entity := ledger.PositionEntity(key.CanonicalBytes())
		batch, err = c.journalGen.GenerateCancelPayout(idemKey, entity, refund0, refund1, fee0, fee1, redirected, owner, ts.UnixMicro())
		if err != nil {
			panic(fmt.Sprintf("FATAL: cancel journals: %v", err))
		}
	}

	pos.TotalLiquidity.Sub(pos.TotalLiquidity, liquidity)
	contrib.Liquidity.SetInt64(0)
	contrib.Version++
	pos.Contributors--
	pos.Version++
	c.contributors.Remove(contrib.Key)
	c.owners.Remove(state.OrderRef{Position: key, Owner: owner})
	c.touch(key)

	applied := []event.Applied{&event.OrderCancelled{
		Owner:     owner,
		OrderSide: eventSide(key.Band.Side),
		Bottom:    key.Band.Bottom,
		Top:       key.Band.Top,
		Nonce:     key.Nonce,
		Liquidity: liquidity,
		Refund0:   refund0,
		Refund1:   refund1,
		Fee0:      fee0,
		Fee1:      fee1,
	}}
	applied = append(applied, extra...)
	if c.metrics != nil {
		c.metrics.OrdersCancelled.WithLabelValues(pool, key.Band.Side.String()).Inc()
	}

	steps := []step{{batch: batch, applied: applied}}
	if pos.IsDead() {
		steps = append(steps, c.retire(idemKey, pool, pos, ts))
	}
	return steps
}

// claimContributor pays one contributor's proportional share of an
// executed position's proceeds. Shares floor; the last claimer takes the
// exact remainder, so nothing is ever over-distributed.
func (c *DeterministicCore) claimContributor(idemKey string, pool string, pos *state.Position, contrib *state.Contributor, recipient string, ts time.Time) []step {
	key := pos.Key
	owner := contrib.Key.Owner

	c.fees.Reconcile(pos, contrib)
	fee0, fee1 := c.fees.TakeAccrued(contrib)

	share0 := fpmath.MulDiv(pos.Remaining0, contrib.Liquidity, pos.ExecutedLiquidity)
	share1 := fpmath.MulDiv(pos.Remaining1, contrib.Liquidity, pos.ExecutedLiquidity)
	pos.Remaining0.Sub(pos.Remaining0, share0)
	pos.Remaining1.Sub(pos.Remaining1, share1)
	pos.ExecutedLiquidity.Sub(pos.ExecutedLiquidity, contrib.Liquidity)

	contrib.Liquidity.SetInt64(0)
	contrib.Version++
	pos.Contributors--
	pos.Version++
	c.contributors.Remove(contrib.Key)
	c.owners.Remove(state.OrderRef{Position: key, Owner: owner})

	pay0 := new(big.Int).Add(share0, fee0)
	pay1 := new(big.Int).Add(share1, fee1)
	redirected, extra := c.payOut(recipient, pay0, pay1)

	var batch *ledger.Batch
	if share0.Sign() != 0 || share1.Sign() != 0 || fee0.Sign() != 0 || fee1.Sign() != 0 {
		entity := ledger.PositionEntity(key.CanonicalBytes())
		var err error
		batch, err = c.journalGen.GenerateClaimPayout(idemKey, entity, share0, share1, fee0, fee1, redirected, recipient, ts.UnixMicro())
		if err != nil {
			panic(fmt.Sprintf("FATAL: claim journals: %v", err))
		}
	}
	c.touch(key)

	applied := []event.Applied{&event.ProceedsClaimed{
		Owner:      owner,
		Recipient:  recipient,
		OrderSide:  eventSide(key.Band.Side),
		Bottom:     key.Band.Bottom,
		Top:        key.Band.Top,
		Nonce:      key.Nonce,
		Principal0: share0,
		Principal1: share1,
		Fee0:       fee0,
		Fee1:       fee1,
	}}
	applied = append(applied, extra...)
	if c.metrics != nil {
		c.metrics.ProceedsClaims.WithLabelValues(pool, key.Band.Side.String()).Inc()
	}

	steps := []step{{batch: batch, applied: applied}}
	if pos.IsDead() {
		steps = append(steps, c.retire(idemKey, pool, pos, ts))
	}
	return steps
}

// payOut transfers settled amounts to a recipient, falling back to the
// treasury when the recipient refuses. A refused recipient can never
// stall the command or anyone else's payout.
func (c *DeterministicCore) payOut(recipient string, amount0, amount1 *big.Int) (redirected bool, extra []event.Applied) {
	if amount0.Sign() == 0 && amount1.Sign() == 0 {
		return false, nil
	}
	if err := c.pool.Transfer(recipient, amount0, amount1); err == nil {
		return false, nil
	}
	treasury := c.params.FallbackTreasury()
	if err := c.pool.Transfer(treasury, amount0, amount1); err != nil {
		panic(fmt.Sprintf("FATAL: fallback treasury %s refused payout: %v", treasury, err))
	}
	if c.metrics != nil {
		c.metrics.PayoutRedirects.Inc()
	}
	return true, []event.Applied{&event.PayoutRedirected{
		IntendedRecipient: recipient,
		Treasury:          treasury,
		Amount0:           new(big.Int).Set(amount0),
		Amount1:           new(big.Int).Set(amount1),
	}}
}

// retire removes a dead position, sweeping custody residue and clearing
// every index that still references it.
func (c *DeterministicCore) retire(idemKey string, pool string, pos *state.Position, ts time.Time) step {
	key := pos.Key
	band := key.Band

	// The boundary may already belong to a newer nonce; only clear it
	// when it is still ours.
	boundary := band.ExecutableBoundary()
	if existing, occupied := c.tickIndex.KeyAt(band.Side, boundary); occupied && existing == key {
		c.tickIndex.Unregister(band.Side, boundary)
	}

	var applied []event.Applied
	if pos.WaitingForKeeper {
		pos.WaitingForKeeper = false
		pos.Version++
		c.overflow.Remove(band)
		applied = append(applied, &event.DeferralCleared{
			OrderSide: eventSide(band.Side),
			Bottom:    band.Bottom,
			Top:       band.Top,
			Nonce:     key.Nonce,
		})
		if c.metrics != nil {
			c.metrics.DeferralsCleared.WithLabelValues(pool).Inc()
		}
	}

	pos.TransitionTo(state.StatusEmpty)

	entity := ledger.PositionEntity(key.CanonicalBytes())
	batch, err := c.journalGen.GenerateRetirement(idemKey, entity, ts.UnixMicro())
	if err != nil {
		panic(fmt.Sprintf("FATAL: retirement sweep: %v", err))
	}
	c.positions.Remove(key)
	c.touch(key)

	return step{batch: batch, applied: applied}
}

// === Batch windows ===

func (c *DeterministicCore) handleCancelBatch(e *event.CancelBatch) ([]step, error) {
	if e.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	if e.Offset < 0 || e.Limit <= 0 {
		return nil, fmt.Errorf("window [offset %d, limit %d] invalid", e.Offset, e.Limit)
	}

	// The window is a copy in descending index order, so removals during
	// the batch never skip or repeat an entry.
	refs := c.owners.ReverseWindow(e.Owner, int(e.Offset), int(e.Limit))

	var steps []step
	acted := int32(0)
	for i, ref := range refs {
		pos := c.positions.Get(ref.Position)
		if pos == nil || pos.Status != state.StatusActive {
			continue
		}
		contrib := c.contributors.Get(state.ContributorKey{Position: ref.Position, Owner: e.Owner})
		if contrib == nil || contrib.Liquidity.Sign() == 0 {
			continue
		}
		steps = append(steps, c.cancelContributor(e.IdempotencyKey(), i, e.Pool, pos, contrib, e.Timestamp)...)
		acted++
	}

	steps = append(steps, step{applied: []event.Applied{&event.BatchCompleted{
		Owner:  e.Owner,
		Kind:   "cancel",
		Offset: e.Offset,
		Limit:  e.Limit,
		Acted:  acted,
	}}})
	return steps, nil
}

func (c *DeterministicCore) handleClaimBatch(e *event.ClaimBatch) ([]step, error) {
	if e.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	if e.Offset < 0 || e.Limit <= 0 {
		return nil, fmt.Errorf("window [offset %d, limit %d] invalid", e.Offset, e.Limit)
	}
	recipient := e.Recipient
	if recipient == "" {
		recipient = e.Owner
	}

	refs := c.owners.ReverseWindow(e.Owner, int(e.Offset), int(e.Limit))

	var steps []step
	acted := int32(0)
	for _, ref := range refs {
		pos := c.positions.Get(ref.Position)
		if pos == nil || pos.Status != state.StatusExecuted {
			continue
		}
		contrib := c.contributors.Get(state.ContributorKey{Position: ref.Position, Owner: e.Owner})
		if contrib == nil || contrib.Liquidity.Sign() == 0 {
			continue
		}
		steps = append(steps, c.claimContributor(e.IdempotencyKey(), e.Pool, pos, contrib, recipient, e.Timestamp)...)
		acted++
	}

	steps = append(steps, step{applied: []event.Applied{&event.BatchCompleted{
		Owner:  e.Owner,
		Kind:   "claim",
		Offset: e.Offset,
		Limit:  e.Limit,
		Acted:  acted,
	}}})
	return steps, nil
}

// === Price feed and execution ===

func (c *DeterministicCore) handlePriceMoved(e *event.PriceMoved) ([]step, error) {
	if e.Post != e.Pre && (e.Post > e.Pre) != e.PriceUp {
		return nil, fmt.Errorf("direction disagrees with boundaries %d -> %d", e.Pre, e.Post)
	}

	// Price first: withdrawals during execution settle at the post-swap
	// price, matching what the pool actually did.
	c.pool.SetPrice(e.Post)
	if e.Post == e.Pre {
		return nil, nil
	}

	side := state.AffectedSide(e.PriceUp)
	eligible := c.scanner.Scan(side, e.Pre, e.Post)
	if len(eligible) == 0 {
		return nil, nil
	}

	execute, deferred := state.SplitByBudget(eligible, c.params.Params().ExecutionBudget)

	steps := make([]step, 0, len(eligible))
	for i, key := range execute {
		pos := c.positions.Get(key)
		steps = append(steps, c.executePosition(e.IdempotencyKey(), i, e.Pool, pos, key.Band.ExecutableBoundary(), false, e.Timestamp))
	}
	for _, key := range deferred {
		pos := c.positions.Get(key)
		pos.WaitingForKeeper = true
		pos.Version++
		c.overflow.Push(key.Band)
		c.touch(key)
		steps = append(steps, step{applied: []event.Applied{&event.ExecutionDeferred{
			OrderSide: eventSide(side),
			Bottom:    key.Band.Bottom,
			Top:       key.Band.Top,
			Nonce:     key.Nonce,
		}}})
		if c.metrics != nil {
			c.metrics.ExecutionsDeferred.WithLabelValues(e.Pool).Inc()
		}
	}
	return steps, nil
}

// executePosition converts one crossed position: withdraw all its
// liquidity, take the realized amounts into proceeds custody, and advance
// the band nonce so the band is immediately reusable.
func (c *DeterministicCore) executePosition(idemKey string, ordinal int, pool string, pos *state.Position, trigger int32, byKeeper bool, ts time.Time) step {
	key := pos.Key
	band := key.Band
	liquidity := new(big.Int).Set(pos.TotalLiquidity)

	op := amm.PendingOp{
		ID:        DeriveOpID(idemKey, ordinal),
		Kind:      amm.OpWithdraw,
		LowerTick: band.Bottom,
		UpperTick: band.Top,
		Liquidity: liquidity,
	}
	if err := c.guard.Begin(op); err != nil {
		panic(fmt.Sprintf("FATAL: settlement guard: %v", err))
	}
	result, err := c.pool.ModifyLiquidity(op)
	if err != nil {
		panic(fmt.Sprintf("FATAL: pool refused withdrawing tracked liquidity: %v", err))
	}
	if _, err := c.guard.Accept(result); err != nil {
		panic(fmt.Sprintf("FATAL: settlement result refused: %v", err))
	}

	entity := ledger.PositionEntity(key.CanonicalBytes())
	batch, err := c.journalGen.GenerateExecution(idemKey, entity, result.Amount0, result.Amount1, ts.UnixMicro())
	if err != nil {
		panic(fmt.Sprintf("FATAL: execution journals: %v", err))
	}

	pos.ExecutedLiquidity.Set(liquidity)
	pos.TotalLiquidity.SetInt64(0)
	pos.Remaining0.Set(result.Amount0)
	pos.Remaining1.Set(result.Amount1)
	wasWaiting := pos.WaitingForKeeper
	pos.WaitingForKeeper = false
	pos.TransitionTo(state.StatusExecuted)

	c.tickIndex.Unregister(band.Side, band.ExecutableBoundary())
	c.positions.BumpNonce(band)
	if wasWaiting {
		c.overflow.Remove(band)
	}
	c.touch(key)

	if c.metrics != nil {
		c.metrics.OrdersExecuted.WithLabelValues(pool, band.Side.String(), fmt.Sprintf("%t", byKeeper)).Inc()
	}

	return step{batch: batch, applied: []event.Applied{&event.OrderExecuted{
		OrderSide:       eventSide(band.Side),
		Bottom:          band.Bottom,
		Top:             band.Top,
		Nonce:           key.Nonce,
		Liquidity:       liquidity,
		Proceeds0:       result.Amount0,
		Proceeds1:       result.Amount1,
		Fee0:            result.Fee0,
		Fee1:            result.Fee1,
		TriggerBoundary: trigger,
		ByKeeper:        byKeeper,
	}}}
}

func (c *DeterministicCore) handleFeeAccrued(e *event.FeeAccrued) ([]step, error) {
	side, err := stateSide(e.OrderSide)
	if err != nil {
		return nil, err
	}
	fee0, fee1 := bigOrZero(e.Fee0), bigOrZero(e.Fee1)
	if fee0.Sign() < 0 || fee1.Sign() < 0 {
		return nil, fmt.Errorf("negative fee amounts")
	}
	if fee0.Sign() == 0 && fee1.Sign() == 0 {
		return nil, nil
	}

	// Mirror the pool's fee growth regardless of attribution; the mirror
	// follows the chain, not our bookkeeping.
	band := state.BandKey{Bottom: e.Bottom, Top: e.Top, Side: side}
	c.pool.AccrueFees(band.Bottom, band.Top, fee0, fee1)

	pos := c.positions.GetLive(band)
	if pos == nil || c.fees.Accrue(pos, fee0, fee1) {
		// Fees reported against a band with no live liquidity have no one
		// to belong to. Counted and dropped.
		if c.metrics != nil {
			c.metrics.FeesAbandoned.WithLabelValues(e.Pool).Inc()
		}
		return nil, nil
	}

	entity := ledger.PositionEntity(pos.Key.CanonicalBytes())
	batch, err := c.journalGen.GenerateFeeAccrual(e.IdempotencyKey(), entity, fee0, fee1, e.Timestamp.UnixMicro())
	if err != nil {
		panic(fmt.Sprintf("FATAL: fee accrual journals: %v", err))
	}
	c.touch(pos.Key)

	return []step{{batch: batch, applied: []event.Applied{&event.FeeCredited{
		OrderSide: e.OrderSide,
		Bottom:    e.Bottom,
		Top:       e.Top,
		Nonce:     pos.Key.Nonce,
		Fee0:      fee0,
		Fee1:      fee1,
	}}}}, nil
}

func (c *DeterministicCore) handleKeeperExecute(e *event.KeeperExecute) ([]step, error) {
	if !c.params.IsKeeper(e.Keeper) {
		return nil, fmt.Errorf("%s is not an authorized keeper", e.Keeper)
	}
	if len(e.Bands) == 0 {
		return nil, fmt.Errorf("no bands to process")
	}

	// Validate every band reference before executing any. Execution
	// mutates the pool; a malformed reference must reject the command
	// while it is still side-effect free.
	sides := make([]state.Side, len(e.Bands))
	for i, ref := range e.Bands {
		side, err := stateSide(ref.OrderSide)
		if err != nil {
			return nil, fmt.Errorf("band %d: %w", i, err)
		}
		sides[i] = side
	}

	var steps []step
	for i, ref := range e.Bands {
		band := state.BandKey{Bottom: ref.Bottom, Top: ref.Top, Side: sides[i]}

		pos := c.positions.GetLive(band)
		if pos == nil || !pos.WaitingForKeeper {
			// Already executed, cancelled away, or never deferred. The
			// keeper raced someone; skip without failing the rest.
			continue
		}

		// Re-check eligibility at the current price. The price may have
		// receded since the deferral; executing then would fill at a
		// worse boundary than the order asked for.
		cur := c.pool.CurrentBoundary()
		stillEligible := (band.Side == state.SellToken0 && cur >= band.Top) ||
			(band.Side == state.SellToken1 && cur <= band.Bottom)
		if !stillEligible {
			pos.WaitingForKeeper = false
			pos.Version++
			c.overflow.Remove(band)
			c.touch(pos.Key)
			steps = append(steps, step{applied: []event.Applied{&event.DeferralCleared{
				OrderSide: ref.OrderSide,
				Bottom:    band.Bottom,
				Top:       band.Top,
				Nonce:     pos.Key.Nonce,
			}}})
			if c.metrics != nil {
				c.metrics.DeferralsCleared.WithLabelValues(e.Pool).Inc()
			}
			continue
		}

		steps = append(steps, c.executePosition(e.IdempotencyKey(), i, e.Pool, pos, band.ExecutableBoundary(), true, e.Timestamp))
	}
	return steps, nil
}

// === Parameters ===

func (c *DeterministicCore) handleUpdateParams(e *event.UpdateParams) ([]step, error) {
	if e.ExecutionBudget <= 0 {
		return nil, fmt.Errorf("execution budget must be positive")
	}
	if e.MaxOrdersPerScale < 2 {
		return nil, fmt.Errorf("scale order limit must be at least 2")
	}
	if (e.MinAmount0 != nil && e.MinAmount0.Sign() < 0) || (e.MinAmount1 != nil && e.MinAmount1.Sign() < 0) {
		return nil, fmt.Errorf("minimum amounts must be non-negative")
	}

	// Omitted minimums, keepers, and treasury keep their current values.
	prev := c.params.Params()
	next := state.EngineParams{
		ExecutionBudget:   int(e.ExecutionBudget),
		MinOrderAmount0:   prev.MinOrderAmount0,
		MinOrderAmount1:   prev.MinOrderAmount1,
		MaxOrdersPerScale: int(e.MaxOrdersPerScale),
	}
	if e.MinAmount0 != nil {
		next.MinOrderAmount0 = e.MinAmount0
	}
	if e.MinAmount1 != nil {
		next.MinOrderAmount1 = e.MinAmount1
	}
	c.params.SetParams(next, c.sequence)
	if len(e.AuthorizedKeepers) > 0 {
		c.params.SetKeepers(e.AuthorizedKeepers)
	}
	if e.FallbackTreasury != "" {
		c.params.SetFallbackTreasury(e.FallbackTreasury)
	}

	eff := c.params.Params()
	return []step{{applied: []event.Applied{&event.ParamsUpdated{
		ExecutionBudget:   int32(eff.ExecutionBudget),
		MinAmount0:        eff.MinOrderAmount0,
		MinAmount1:        eff.MinOrderAmount1,
		MaxOrdersPerScale: int32(eff.MaxOrdersPerScale),
		AuthorizedKeepers: c.params.SortedKeepers(),
		FallbackTreasury:  c.params.FallbackTreasury(),
	}}}}, nil
}

// === Hashing and invariants ===

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched plus every position the command touched, in
// deterministic order.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+len(c.touched)*192)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendBigBalance(digest, c.balanceTracker.GetBalance(key))
	}

	keys := make([]state.PositionKey, 0, len(c.touched))
	for key := range c.touched {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Band.Side != b.Band.Side {
			return a.Band.Side < b.Band.Side
		}
		if a.Band.Bottom != b.Band.Bottom {
			return a.Band.Bottom < b.Band.Bottom
		}
		if a.Band.Top != b.Band.Top {
			return a.Band.Top < b.Band.Top
		}
		return a.Nonce < b.Nonce
	})

	for _, key := range keys {
		digest = append(digest, key.CanonicalBytes()...)
		pos := c.positions.Get(key)
		if pos == nil {
			// Removed this command; digest records the removal.
			digest = append(digest, 0, 0)
			continue
		}
		canonical := pos.CanonicalBytes()
		digest = append(digest, byte(len(canonical)>>8), byte(len(canonical)))
		digest = append(digest, canonical...)
	}

	return digest
}

// appendBigBalance encodes a balance as sign byte, 2-byte magnitude
// length, then magnitude bytes.
func appendBigBalance(buf []byte, v *big.Int) []byte {
	switch v.Sign() {
	case 1:
		buf = append(buf, 1)
	case -1:
		buf = append(buf, 2)
	default:
		buf = append(buf, 0)
	}
	mag := v.Bytes()
	buf = append(buf, byte(len(mag)>>8), byte(len(mag)))
	return append(buf, mag...)
}

// postCheckInvariants validates custody invariants after a command fully
// applies. Violations are corruption, not user error.
func (c *DeterministicCore) postCheckInvariants() error {
	for key := range c.touched {
		entity := ledger.PositionEntity(key.CanonicalBytes())
		if err := c.validator.ValidatePositionCustody(entity); err != nil {
			return fmt.Errorf("position custody %s: %w", key, err)
		}
	}

	if err := c.validator.ValidateTreasuryNonNegative(); err != nil {
		return err
	}

	// Periodic full zero-sum sweep.
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return err
		}
	}

	return nil
}

// === Snapshot and recovery ===

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence         int64
	StateHash        [32]byte
	Balances         map[ledger.AccountKey]*big.Int
	Positions        []*state.Position
	Nonces           map[state.BandKey]uint64
	Contributors     []*state.Contributor
	Overflow         []state.BandKey
	Owners           map[string][]state.OrderRef
	PoolTick         int32
	Params           state.EngineParams
	Keepers          []string
	FallbackTreasury string
	SequenceState    map[string]int64
	IdempotencyKeys  []string
}

// CreateSnapshotState captures the core's state after the last applied
// command. Deep copies throughout; the snapshot writer serializes off the
// core goroutine.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:         c.sequence - 1,
		StateHash:        c.hasher.GetPrevHash(),
		Balances:         c.balanceTracker.Snapshot(),
		Nonces:           make(map[state.BandKey]uint64),
		Owners:           make(map[string][]state.OrderRef),
		PoolTick:         c.pool.CurrentBoundary(),
		Params:           c.params.Params(),
		Keepers:          c.params.SortedKeepers(),
		FallbackTreasury: c.params.FallbackTreasury(),
		SequenceState:    c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys:  c.idempotency.lru.GetAllKeys(),
	}

	for _, key := range c.positions.SortedKeys() {
		snap.Positions = append(snap.Positions, c.positions.Get(key).Clone())
	}
	for _, band := range c.positions.SortedNonceBands() {
		snap.Nonces[band] = c.positions.CurrentNonce(band)
	}
	for _, key := range c.contributors.SortedKeys() {
		snap.Contributors = append(snap.Contributors, c.contributors.Get(key).Clone())
	}
	snap.Overflow = c.overflow.Pending()
	for _, owner := range c.owners.SortedOwners() {
		snap.Owners[owner] = c.owners.List(owner)
	}

	return snap
}

// RestoreFromSnapshot rebuilds the core's in-memory state. The caller
// replays the event log from snap.Sequence+1 afterwards.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	for _, pos := range snap.Positions {
		c.positions.RestorePosition(pos)
	}
	for band, nonce := range snap.Nonces {
		c.positions.RestoreNonce(band, nonce)
	}
	for _, contrib := range snap.Contributors {
		c.contributors.RestoreContributor(contrib)
	}
	c.overflow.Restore(snap.Overflow)
	for owner, refs := range snap.Owners {
		c.owners.Restore(owner, refs)
	}

	// The tick index is derived state: rebuild it from live positions.
	for _, pos := range snap.Positions {
		if pos.Status != state.StatusActive {
			continue
		}
		band := pos.Key.Band
		if c.positions.LiveKey(band) == pos.Key {
			c.tickIndex.Register(band.Side, band.ExecutableBoundary(), pos.Key)
		}
	}

	c.pool.SetPrice(snap.PoolTick)

	// The pool mirror is derived state too: re-seat each live position's
	// liquidity so later withdrawals settle against real ranges.
	for _, pos := range snap.Positions {
		if pos.Status != state.StatusActive || pos.TotalLiquidity.Sign() == 0 {
			continue
		}
		op := amm.PendingOp{
			ID:        DeriveOpID(fmt.Sprintf("restore:%s", pos.Key), 0),
			Kind:      amm.OpDeposit,
			LowerTick: pos.Key.Band.Bottom,
			UpperTick: pos.Key.Band.Top,
			Liquidity: new(big.Int).Set(pos.TotalLiquidity),
		}
		if err := c.guard.Begin(op); err != nil {
			panic(fmt.Sprintf("FATAL: settlement guard: %v", err))
		}
		result, err := c.pool.ModifyLiquidity(op)
		if err != nil {
			panic(fmt.Sprintf("FATAL: restoring pool liquidity for %s: %v", pos.Key, err))
		}
		if _, err := c.guard.Accept(result); err != nil {
			panic(fmt.Sprintf("FATAL: settlement result refused: %v", err))
		}
	}
	c.params.SetParams(snap.Params, snap.Sequence)
	if len(snap.Keepers) > 0 {
		c.params.SetKeepers(snap.Keepers)
	}
	if snap.FallbackTreasury != "" {
		c.params.SetFallbackTreasury(snap.FallbackTreasury)
	}

	for partition, seq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, seq)
	}
	c.journalGen.SetSequence(c.sequence)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next global sequence number to be assigned.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// NextSourceSeq returns the next expected source sequence for a pool's
// command partition. Callers feeding locally-built commands (the HTTP
// submit path) read this immediately before ProcessCommand, on the same
// goroutine, so the value cannot go stale.
func (c *DeterministicCore) NextSourceSeq(pool string) int64 {
	return c.sequenceValidator.GetExpectedSequence(fmt.Sprintf("pool:%s", pool))
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
