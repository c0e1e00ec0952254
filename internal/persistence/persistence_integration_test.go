package persistence_test

import (
	"context"
	"database/sql"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/amm"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/core"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ingestion"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/persistence"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/state"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/testutil"
)

// End-to-end persistence tests: a real core feeds a real worker writing to
// a real Postgres. Gated behind INTEGRATION_TEST.

const (
	itPool       = "ethusdc"
	itHost       = "host-pool"
	itBaseMicros = 1_700_000_000_000_000
)

func itTS(seq int64) time.Time {
	return time.UnixMicro(itBaseMicros + seq*1000)
}

// setupMigratedDB opens the test database and brings the schema up to date.
func setupMigratedDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return db, cleanup
}

func itParams() state.EngineParams {
	return state.EngineParams{
		ExecutionBudget:   5,
		MinOrderAmount0:   big.NewInt(1_000),
		MinOrderAmount1:   big.NewInt(1_000),
		MaxOrdersPerScale: 20,
	}
}

// newItCore builds a core on a fresh pool mirror at tick 100, spacing 10,
// with buffered output channels attached.
func newItCore() (*core.DeterministicCore, chan core.CoreOutput) {
	pool := amm.NewMemoryPool(itHost, 10, 100)
	params := state.NewParamsManager(itParams(), itHost, []string{"keeper-1"}, "treasury")
	c := core.NewDeterministicCore(0, pool, params, nil, nil)

	persistCh := make(chan core.CoreOutput, 64)
	projCh := make(chan core.CoreOutput, 64)
	c.AttachOutputs(persistCh, projCh)
	return c, persistCh
}

func itPlace(owner string, target int32, amount int64, seq int64) *event.PlaceOrder {
	return &event.PlaceOrder{
		CommandID:      uuid.New(),
		Pool:           itPool,
		Owner:          owner,
		OrderSide:      event.SideSellToken0,
		TargetBoundary: target,
		Amount:         big.NewInt(amount),
		Seq:            seq,
		Timestamp:      itTS(seq),
	}
}

func itCancel(owner string, bottom, top int32, nonce uint64, seq int64) *event.CancelOrder {
	return &event.CancelOrder{
		CommandID: uuid.New(),
		Pool:      itPool,
		Owner:     owner,
		OrderSide: event.SideSellToken0,
		Bottom:    bottom,
		Top:       top,
		Nonce:     nonce,
		Seq:       seq,
		Timestamp: itTS(seq),
	}
}

func itSwap(pre, post int32, swapSeq int64) *event.PriceMoved {
	return &event.PriceMoved{
		Pool:      itPool,
		Pre:       pre,
		Post:      post,
		PriceUp:   post > pre,
		SwapSeq:   swapSeq,
		Timestamp: itTS(1000 + swapSeq),
	}
}

func itProcess(t *testing.T, c *core.DeterministicCore, cmds ...event.Command) {
	t.Helper()
	for _, cmd := range cmds {
		if err := c.ProcessCommand(cmd); err != nil {
			t.Fatalf("process %s: %v", cmd.CommandType(), err)
		}
	}
}

// itFlush runs a persistence worker over everything buffered in persistCh
// and waits for the final flush.
func itFlush(t *testing.T, db *sql.DB, persistCh chan core.CoreOutput) {
	t.Helper()
	worker := persistence.NewPersistenceWorker(db, persistCh, 10, 10*time.Millisecond, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(context.Background())
	}()
	close(persistCh)
	if err := <-done; err != nil {
		t.Fatalf("persistence worker: %v", err)
	}
}

func TestFlushWritesEventLogAndRowModels(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	c, persistCh := newItCore()
	c.AttachDBChecker(persistence.NewPostgresIdempotencyChecker(db))

	itProcess(t, c,
		itPlace("alice", 120, 50_000, 0),
		itPlace("bob", 120, 30_000, 1),
		itCancel("bob", 110, 120, 0, 2),
	)

	itFlush(t, db, persistCh)

	var events int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.events`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 3 {
		t.Fatalf("events = %d, want 3", events)
	}

	var watermark int64
	if err := db.QueryRow(`SELECT sequence FROM projections.watermark WHERE worker_id = 'persist'`).Scan(&watermark); err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if watermark != 2 {
		t.Fatalf("watermark = %d, want 2", watermark)
	}

	// Hash chain must link every envelope to its predecessor.
	var breaks int
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
	`).Scan(&breaks); err != nil {
		t.Fatalf("hash chain: %v", err)
	}
	if breaks != 0 {
		t.Fatalf("hash chain breaks = %d, want 0", breaks)
	}

	var journals int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log.journal`).Scan(&journals); err != nil {
		t.Fatalf("count journals: %v", err)
	}
	if journals == 0 {
		t.Fatal("no journal rows written")
	}

	// Bob cancelled, so the band keeps one contributor and stays active.
	var status string
	var contributors int
	err := db.QueryRow(`
		SELECT status, contributors FROM projections.positions
		WHERE pool = $1 AND side = 'sell_token0' AND bottom = 110 AND top = 120 AND nonce = 0
	`, itPool).Scan(&status, &contributors)
	if err != nil {
		t.Fatalf("position row: %v", err)
	}
	if status != "active" || contributors != 1 {
		t.Fatalf("position = (%s, %d contributors), want (active, 1)", status, contributors)
	}

	var owner string
	err = db.QueryRow(`
		SELECT owner FROM projections.contributors
		WHERE pool = $1 AND side = 'sell_token0' AND bottom = 110 AND top = 120 AND nonce = 0
	`, itPool).Scan(&owner)
	if err != nil {
		t.Fatalf("contributor row: %v", err)
	}
	if owner != "alice" {
		t.Fatalf("remaining contributor = %s, want alice", owner)
	}
}

func TestExecutionRowsWritten(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	c, persistCh := newItCore()

	// One band executes when the price crosses 120, the other keeps resting.
	itProcess(t, c,
		itPlace("alice", 120, 50_000, 0),
		itPlace("carol", 140, 50_000, 1),
		itSwap(100, 130, 1),
	)

	itFlush(t, db, persistCh)

	var status string
	err := db.QueryRow(`
		SELECT status FROM projections.positions
		WHERE pool = $1 AND side = 'sell_token0' AND bottom = 110 AND top = 120 AND nonce = 0
	`, itPool).Scan(&status)
	if err != nil {
		t.Fatalf("executed position row: %v", err)
	}
	if status != "executed" {
		t.Fatalf("executed band status = %s, want executed", status)
	}

	var trigger int32
	var byKeeper bool
	err = db.QueryRow(`
		SELECT trigger_boundary, by_keeper FROM projections.executions
		WHERE pool = $1 AND side = 'sell_token0' AND bottom = 110 AND top = 120 AND nonce = 0
	`, itPool).Scan(&trigger, &byKeeper)
	if err != nil {
		t.Fatalf("execution row: %v", err)
	}
	if trigger != 120 || byKeeper {
		t.Fatalf("execution = (trigger %d, keeper %v), want (120, false)", trigger, byKeeper)
	}

	var resting string
	err = db.QueryRow(`
		SELECT status FROM projections.positions
		WHERE pool = $1 AND side = 'sell_token0' AND bottom = 130 AND top = 140 AND nonce = 0
	`, itPool).Scan(&resting)
	if err != nil {
		t.Fatalf("resting position row: %v", err)
	}
	if resting != "active" {
		t.Fatalf("resting band status = %s, want active", resting)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	a, _ := newItCore()
	itProcess(t, a,
		itPlace("alice", 120, 50_000, 0),
		itPlace("carol", 140, 50_000, 1),
		itSwap(100, 130, 1),
	)

	snap := a.CreateSnapshotState()
	sm := persistence.NewSnapshotManager(db)
	ctx := context.Background()

	data := persistence.NewSnapshotData(snap, time.Now().UTC())
	if err := sm.SaveSnapshot(ctx, data); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if err := sm.MarkVerified(ctx, data.Sequence); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("no snapshot loaded")
	}
	if loaded.Sequence != snap.Sequence {
		t.Fatalf("loaded sequence = %d, want %d", loaded.Sequence, snap.Sequence)
	}

	engineSnap, err := loaded.EngineState()
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if engineSnap.StateHash != snap.StateHash {
		t.Fatalf("state hash changed through the round trip")
	}

	b, _ := newItCore()
	b.RestoreFromSnapshot(engineSnap)

	if b.GetStateHash() != a.GetStateHash() {
		t.Fatalf("restored hash %x != live hash %x", b.GetStateHash(), a.GetStateHash())
	}
	if b.GetSequence() != a.GetSequence() {
		t.Fatalf("restored sequence %d != live sequence %d", b.GetSequence(), a.GetSequence())
	}
}

func TestReplayRebuildsStateHash(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	a, persistCh := newItCore()
	itProcess(t, a,
		itPlace("alice", 120, 50_000, 0),
		itPlace("bob", 120, 30_000, 1),
		itPlace("carol", 140, 50_000, 2),
		itSwap(100, 130, 1),
		itCancel("carol", 130, 140, 0, 3),
	)

	itFlush(t, db, persistCh)

	// Replay the stored log into a fresh core with no output channels and
	// no Postgres dedup tier, the way startup recovery runs.
	pool := amm.NewMemoryPool(itHost, 10, 100)
	params := state.NewParamsManager(itParams(), itHost, []string{"keeper-1"}, "treasury")
	b := core.NewDeterministicCore(0, pool, params, nil, nil)

	sm := persistence.NewSnapshotManager(db)
	rows, err := sm.LoadEventsFrom(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("no stored events to replay")
	}

	for _, row := range rows {
		cmd, err := ingestion.ParseStoredCommand(row.CommandType, row.Payload)
		if err != nil {
			t.Fatalf("parse stored command at seq %d: %v", row.Sequence, err)
		}
		if err := b.ProcessCommand(cmd); err != nil {
			t.Fatalf("replay at seq %d: %v", row.Sequence, err)
		}
	}

	if b.GetStateHash() != a.GetStateHash() {
		t.Fatalf("replayed hash %x != live hash %x", b.GetStateHash(), a.GetStateHash())
	}
	if b.GetSequence() != a.GetSequence() {
		t.Fatalf("replayed sequence %d != live sequence %d", b.GetSequence(), a.GetSequence())
	}
}
