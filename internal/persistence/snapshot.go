package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/core"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ledger"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/state"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots hold the full engine state: balances, position aggregates,
// contributors, band nonces, the keeper queue, owner refs, pool tick, engine
// params, sequence cursors and the idempotency LRU contents.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of core.SnapshotState. Token
// quantities travel as decimal strings because they exceed int64.
type SnapshotData struct {
	Sequence         int64             `json:"sequence"`
	StateHash        []byte            `json:"state_hash"`
	Balances         []BalanceSnap     `json:"balances"`
	Positions        []PositionSnap    `json:"positions"`
	Nonces           []NonceSnap       `json:"nonces"`
	Contributors     []ContributorSnap `json:"contributors"`
	Overflow         []BandSnap        `json:"overflow"`
	Owners           []OwnerRefsSnap   `json:"owners"`
	PoolTick         int32             `json:"pool_tick"`
	Params           ParamsSnap        `json:"params"`
	Keepers          []string          `json:"keepers"`
	FallbackTreasury string            `json:"fallback_treasury"`
	SequenceState    map[string]int64  `json:"sequence_state"`
	IdempotencyKeys  []string          `json:"idempotency_keys"`
	CreatedAt        time.Time         `json:"created_at"`
}

// BalanceSnap is one custody account balance.
type BalanceSnap struct {
	Scope   uint8  `json:"scope"`
	Entity  string `json:"entity"` // hex-encoded entity id
	SubType uint8  `json:"sub_type"`
	Asset   uint16 `json:"asset"`
	Amount  string `json:"amount"`
}

// PositionSnap is a serializable position aggregate.
type PositionSnap struct {
	Side              string `json:"side"`
	Bottom            int32  `json:"bottom"`
	Top               int32  `json:"top"`
	Nonce             uint64 `json:"nonce"`
	TotalLiquidity    string `json:"total_liquidity"`
	FeePerLiq0        string `json:"fpl0"`
	FeePerLiq1        string `json:"fpl1"`
	Status            int32  `json:"status"`
	Waiting           bool   `json:"waiting"`
	Contributors      int    `json:"contributors"`
	ExecutedLiquidity string `json:"executed_liquidity"`
	Remaining0        string `json:"remaining0"`
	Remaining1        string `json:"remaining1"`
	Version           int64  `json:"version"`
}

// NonceSnap records the current nonce for one band.
type NonceSnap struct {
	Side   string `json:"side"`
	Bottom int32  `json:"bottom"`
	Top    int32  `json:"top"`
	Nonce  uint64 `json:"nonce"`
}

// ContributorSnap is one depositor's stake within a position.
type ContributorSnap struct {
	Side        string `json:"side"`
	Bottom      int32  `json:"bottom"`
	Top         int32  `json:"top"`
	Nonce       uint64 `json:"nonce"`
	Owner       string `json:"owner"`
	Liquidity   string `json:"liquidity"`
	Checkpoint0 string `json:"checkpoint0"`
	Checkpoint1 string `json:"checkpoint1"`
	Accrued0    string `json:"accrued0"`
	Accrued1    string `json:"accrued1"`
	Version     int64  `json:"version"`
}

// BandSnap identifies one band in the keeper overflow queue.
type BandSnap struct {
	Side   string `json:"side"`
	Bottom int32  `json:"bottom"`
	Top    int32  `json:"top"`
}

// RefSnap is one order reference in an owner's index.
type RefSnap struct {
	Side   string `json:"side"`
	Bottom int32  `json:"bottom"`
	Top    int32  `json:"top"`
	Nonce  uint64 `json:"nonce"`
}

// OwnerRefsSnap preserves an owner's refs in placement order, which batch
// windows depend on.
type OwnerRefsSnap struct {
	Owner string    `json:"owner"`
	Refs  []RefSnap `json:"refs"`
}

// ParamsSnap is the serializable engine parameter set.
type ParamsSnap struct {
	ExecutionBudget   int    `json:"execution_budget"`
	MinOrderAmount0   string `json:"min_order_amount0"`
	MinOrderAmount1   string `json:"min_order_amount1"`
	MaxOrdersPerScale int    `json:"max_orders_per_scale"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

func snapNum(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.Text(10)
}

func parseNum(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bad numeric %q", s)
	}
	return v, nil
}

// NewSnapshotData converts live engine state into its serializable form.
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	sd := &SnapshotData{
		Sequence:         s.Sequence,
		StateHash:        append([]byte(nil), s.StateHash[:]...),
		PoolTick:         s.PoolTick,
		Keepers:          append([]string(nil), s.Keepers...),
		FallbackTreasury: s.FallbackTreasury,
		SequenceState:    make(map[string]int64, len(s.SequenceState)),
		IdempotencyKeys:  append([]string(nil), s.IdempotencyKeys...),
		CreatedAt:        createdAt,
		Params: ParamsSnap{
			ExecutionBudget:   s.Params.ExecutionBudget,
			MinOrderAmount0:   snapNum(s.Params.MinOrderAmount0),
			MinOrderAmount1:   snapNum(s.Params.MinOrderAmount1),
			MaxOrdersPerScale: s.Params.MaxOrdersPerScale,
		},
	}
	for k, v := range s.SequenceState {
		sd.SequenceState[k] = v
	}

	sd.Balances = make([]BalanceSnap, 0, len(s.Balances))
	for key, amount := range s.Balances {
		sd.Balances = append(sd.Balances, BalanceSnap{
			Scope:   uint8(key.Scope),
			Entity:  hex.EncodeToString(key.EntityID[:]),
			SubType: uint8(key.SubType),
			Asset:   uint16(key.AssetID),
			Amount:  snapNum(amount),
		})
	}
	sort.Slice(sd.Balances, func(i, j int) bool {
		a, b := sd.Balances[i], sd.Balances[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.SubType != b.SubType {
			return a.SubType < b.SubType
		}
		return a.Asset < b.Asset
	})

	sd.Positions = make([]PositionSnap, 0, len(s.Positions))
	for _, p := range s.Positions {
		sd.Positions = append(sd.Positions, PositionSnap{
			Side:              p.Key.Band.Side.String(),
			Bottom:            p.Key.Band.Bottom,
			Top:               p.Key.Band.Top,
			Nonce:             p.Key.Nonce,
			TotalLiquidity:    snapNum(p.TotalLiquidity),
			FeePerLiq0:        snapNum(p.FeePerLiq0),
			FeePerLiq1:        snapNum(p.FeePerLiq1),
			Status:            int32(p.Status),
			Waiting:           p.WaitingForKeeper,
			Contributors:      p.Contributors,
			ExecutedLiquidity: snapNum(p.ExecutedLiquidity),
			Remaining0:        snapNum(p.Remaining0),
			Remaining1:        snapNum(p.Remaining1),
			Version:           p.Version,
		})
	}

	sd.Nonces = make([]NonceSnap, 0, len(s.Nonces))
	for band, nonce := range s.Nonces {
		sd.Nonces = append(sd.Nonces, NonceSnap{
			Side:   band.Side.String(),
			Bottom: band.Bottom,
			Top:    band.Top,
			Nonce:  nonce,
		})
	}
	sort.Slice(sd.Nonces, func(i, j int) bool {
		a, b := sd.Nonces[i], sd.Nonces[j]
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		if a.Bottom != b.Bottom {
			return a.Bottom < b.Bottom
		}
		return a.Top < b.Top
	})

	sd.Contributors = make([]ContributorSnap, 0, len(s.Contributors))
	for _, c := range s.Contributors {
		sd.Contributors = append(sd.Contributors, ContributorSnap{
			Side:        c.Key.Position.Band.Side.String(),
			Bottom:      c.Key.Position.Band.Bottom,
			Top:         c.Key.Position.Band.Top,
			Nonce:       c.Key.Position.Nonce,
			Owner:       c.Key.Owner,
			Liquidity:   snapNum(c.Liquidity),
			Checkpoint0: snapNum(c.Checkpoint0),
			Checkpoint1: snapNum(c.Checkpoint1),
			Accrued0:    snapNum(c.Accrued0),
			Accrued1:    snapNum(c.Accrued1),
			Version:     c.Version,
		})
	}

	sd.Overflow = make([]BandSnap, 0, len(s.Overflow))
	for _, band := range s.Overflow {
		sd.Overflow = append(sd.Overflow, BandSnap{
			Side:   band.Side.String(),
			Bottom: band.Bottom,
			Top:    band.Top,
		})
	}

	sd.Owners = make([]OwnerRefsSnap, 0, len(s.Owners))
	for owner, refs := range s.Owners {
		entry := OwnerRefsSnap{Owner: owner, Refs: make([]RefSnap, 0, len(refs))}
		for _, ref := range refs {
			entry.Refs = append(entry.Refs, RefSnap{
				Side:   ref.Position.Band.Side.String(),
				Bottom: ref.Position.Band.Bottom,
				Top:    ref.Position.Band.Top,
				Nonce:  ref.Position.Nonce,
			})
		}
		sd.Owners = append(sd.Owners, entry)
	}
	sort.Slice(sd.Owners, func(i, j int) bool { return sd.Owners[i].Owner < sd.Owners[j].Owner })

	return sd
}

func parseBand(side string, bottom, top int32) (state.BandKey, error) {
	s, err := state.ParseSide(side)
	if err != nil {
		return state.BandKey{}, err
	}
	return state.BandKey{Bottom: bottom, Top: top, Side: s}, nil
}

// EngineState converts a loaded snapshot back into restorable engine state.
func (sd *SnapshotData) EngineState() (*core.SnapshotState, error) {
	if len(sd.StateHash) != 32 {
		return nil, fmt.Errorf("state hash length %d, want 32", len(sd.StateHash))
	}

	s := &core.SnapshotState{
		Sequence:         sd.Sequence,
		Balances:         make(map[ledger.AccountKey]*big.Int, len(sd.Balances)),
		Positions:        make([]*state.Position, 0, len(sd.Positions)),
		Nonces:           make(map[state.BandKey]uint64, len(sd.Nonces)),
		Contributors:     make([]*state.Contributor, 0, len(sd.Contributors)),
		Overflow:         make([]state.BandKey, 0, len(sd.Overflow)),
		Owners:           make(map[string][]state.OrderRef, len(sd.Owners)),
		PoolTick:         sd.PoolTick,
		Keepers:          append([]string(nil), sd.Keepers...),
		FallbackTreasury: sd.FallbackTreasury,
		SequenceState:    make(map[string]int64, len(sd.SequenceState)),
		IdempotencyKeys:  append([]string(nil), sd.IdempotencyKeys...),
	}
	copy(s.StateHash[:], sd.StateHash)

	min0, err := parseNum(sd.Params.MinOrderAmount0)
	if err != nil {
		return nil, fmt.Errorf("params min0: %w", err)
	}
	min1, err := parseNum(sd.Params.MinOrderAmount1)
	if err != nil {
		return nil, fmt.Errorf("params min1: %w", err)
	}
	s.Params = state.EngineParams{
		ExecutionBudget:   sd.Params.ExecutionBudget,
		MinOrderAmount0:   min0,
		MinOrderAmount1:   min1,
		MaxOrdersPerScale: sd.Params.MaxOrdersPerScale,
	}

	for k, v := range sd.SequenceState {
		s.SequenceState[k] = v
	}

	for _, b := range sd.Balances {
		entity, err := hex.DecodeString(b.Entity)
		if err != nil || len(entity) != 16 {
			return nil, fmt.Errorf("balance entity %q: bad id", b.Entity)
		}
		amount, err := parseNum(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("balance amount: %w", err)
		}
		key := ledger.AccountKey{
			Scope:   ledger.AccountScope(b.Scope),
			SubType: ledger.AccountSubType(b.SubType),
			AssetID: ledger.AssetID(b.Asset),
		}
		copy(key.EntityID[:], entity)
		s.Balances[key] = amount
	}

	for _, p := range sd.Positions {
		band, err := parseBand(p.Side, p.Bottom, p.Top)
		if err != nil {
			return nil, fmt.Errorf("position side: %w", err)
		}
		totalLiq, err := parseNum(p.TotalLiquidity)
		if err != nil {
			return nil, fmt.Errorf("position liquidity: %w", err)
		}
		fpl0, err := parseNum(p.FeePerLiq0)
		if err != nil {
			return nil, err
		}
		fpl1, err := parseNum(p.FeePerLiq1)
		if err != nil {
			return nil, err
		}
		execLiq, err := parseNum(p.ExecutedLiquidity)
		if err != nil {
			return nil, err
		}
		rem0, err := parseNum(p.Remaining0)
		if err != nil {
			return nil, err
		}
		rem1, err := parseNum(p.Remaining1)
		if err != nil {
			return nil, err
		}
		s.Positions = append(s.Positions, &state.Position{
			Key:               state.PositionKey{Band: band, Nonce: p.Nonce},
			TotalLiquidity:    totalLiq,
			FeePerLiq0:        fpl0,
			FeePerLiq1:        fpl1,
			Status:            state.PositionStatus(p.Status),
			WaitingForKeeper:  p.Waiting,
			Contributors:      p.Contributors,
			ExecutedLiquidity: execLiq,
			Remaining0:        rem0,
			Remaining1:        rem1,
			Version:           p.Version,
		})
	}

	for _, n := range sd.Nonces {
		band, err := parseBand(n.Side, n.Bottom, n.Top)
		if err != nil {
			return nil, fmt.Errorf("nonce side: %w", err)
		}
		s.Nonces[band] = n.Nonce
	}

	for _, c := range sd.Contributors {
		band, err := parseBand(c.Side, c.Bottom, c.Top)
		if err != nil {
			return nil, fmt.Errorf("contributor side: %w", err)
		}
		liq, err := parseNum(c.Liquidity)
		if err != nil {
			return nil, err
		}
		cp0, err := parseNum(c.Checkpoint0)
		if err != nil {
			return nil, err
		}
		cp1, err := parseNum(c.Checkpoint1)
		if err != nil {
			return nil, err
		}
		ac0, err := parseNum(c.Accrued0)
		if err != nil {
			return nil, err
		}
		ac1, err := parseNum(c.Accrued1)
		if err != nil {
			return nil, err
		}
		s.Contributors = append(s.Contributors, &state.Contributor{
			Key: state.ContributorKey{
				Position: state.PositionKey{Band: band, Nonce: c.Nonce},
				Owner:    c.Owner,
			},
			Liquidity:   liq,
			Checkpoint0: cp0,
			Checkpoint1: cp1,
			Accrued0:    ac0,
			Accrued1:    ac1,
			Version:     c.Version,
		})
	}

	for _, b := range sd.Overflow {
		band, err := parseBand(b.Side, b.Bottom, b.Top)
		if err != nil {
			return nil, fmt.Errorf("overflow side: %w", err)
		}
		s.Overflow = append(s.Overflow, band)
	}

	for _, entry := range sd.Owners {
		refs := make([]state.OrderRef, 0, len(entry.Refs))
		for _, r := range entry.Refs {
			band, err := parseBand(r.Side, r.Bottom, r.Top)
			if err != nil {
				return nil, fmt.Errorf("owner ref side: %w", err)
			}
			refs = append(refs, state.OrderRef{
				Position: state.PositionKey{Band: band, Nonce: r.Nonce},
				Owner:    entry.Owner,
			})
		}
		s.Owners[entry.Owner] = refs
	}

	return s, nil
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots land unverified and
// are marked verified only after a replay check, so recovery never trusts a
// snapshot that was not proven consistent with the event log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, string(data), snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil
// on a cold start with no snapshot.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after the integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads envelopes from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, pool_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.PoolID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
