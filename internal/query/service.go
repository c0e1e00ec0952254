package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ledger"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/state"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// QueryService serves read-only history from the projection tables. Every
// response carries as_of_sequence, the persistence watermark at read time,
// so callers can judge staleness against the live core sequence.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetOrdersByOwner lists an owner's stakes newest-placement-first, resting
// and executed alike. afterSeq pages by placement sequence.
func (qs *QueryService) GetOrdersByOwner(
	ctx context.Context,
	pool string,
	owner string,
	limit int,
	afterSeq *int64,
) ([]OrderResponse, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT c.side, c.bottom, c.top, c.nonce, c.liquidity::TEXT,
		       c.amount0::TEXT, c.amount1::TEXT, c.placed_seq,
		       p.status, p.waiting
		FROM projections.contributors c
		JOIN projections.positions p
		  ON p.pool = c.pool AND p.side = c.side AND p.bottom = c.bottom
		 AND p.top = c.top AND p.nonce = c.nonce
		WHERE c.pool = $1 AND c.owner = $2
	`
	args := []interface{}{pool, owner}
	argIdx := 3

	if afterSeq != nil {
		query += fmt.Sprintf(" AND c.placed_seq < $%d", argIdx)
		args = append(args, *afterSeq)
		argIdx++
	}

	query += " ORDER BY c.placed_seq DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderResponse
	for rows.Next() {
		o := OrderResponse{Pool: pool, Owner: owner, AsOfSequence: asOfSeq}
		var nonce int64
		if err := rows.Scan(
			&o.Side, &o.Bottom, &o.Top, &nonce, &o.Liquidity,
			&o.Amount0, &o.Amount1, &o.PlacedSeq, &o.Status, &o.Waiting,
		); err != nil {
			return nil, err
		}
		o.Nonce = uint64(nonce)
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// GetPositionDetail returns one position version with its contributor
// breakdown, or nil when the projection has no such row.
func (qs *QueryService) GetPositionDetail(
	ctx context.Context,
	pool string,
	side string,
	bottom, top int32,
	nonce uint64,
) (*PositionDetail, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	detail := &PositionDetail{
		Pool: pool, Side: side, Bottom: bottom, Top: top, Nonce: nonce,
		AsOfSequence: asOfSeq,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT status, waiting, total_liquidity::TEXT, executed_liquidity::TEXT,
		       principal0::TEXT, principal1::TEXT, fpl0::TEXT, fpl1::TEXT
		FROM projections.positions
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5
	`, pool, side, bottom, top, int64(nonce)).Scan(
		&detail.Status, &detail.Waiting, &detail.TotalLiquidity,
		&detail.ExecutedLiquidity, &detail.Principal0, &detail.Principal1,
		&detail.FeePerLiq0, &detail.FeePerLiq1,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT owner, liquidity::TEXT, amount0::TEXT, amount1::TEXT, placed_seq
		FROM projections.contributors
		WHERE pool = $1 AND side = $2 AND bottom = $3 AND top = $4 AND nonce = $5
		ORDER BY placed_seq ASC
	`, pool, side, bottom, top, int64(nonce))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c ContributorResponse
		if err := rows.Scan(&c.Owner, &c.Liquidity, &c.Amount0, &c.Amount1, &c.PlacedSeq); err != nil {
			return nil, err
		}
		detail.Contributors = append(detail.Contributors, c)
	}

	return detail, rows.Err()
}

// GetExecutions returns fired bands newest-first. afterSeq pages by
// envelope sequence.
func (qs *QueryService) GetExecutions(
	ctx context.Context,
	pool string,
	limit int,
	afterSeq *int64,
) ([]ExecutionResponse, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT side, bottom, top, nonce, liquidity::TEXT, proceeds0::TEXT,
		       proceeds1::TEXT, fee0::TEXT, fee1::TEXT, trigger_boundary,
		       by_keeper, sequence, executed_at
		FROM projections.executions
		WHERE pool = $1
	`
	args := []interface{}{pool}
	argIdx := 2

	if afterSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSeq)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []ExecutionResponse
	for rows.Next() {
		e := ExecutionResponse{Pool: pool, AsOfSequence: asOfSeq}
		var nonce int64
		if err := rows.Scan(
			&e.Side, &e.Bottom, &e.Top, &nonce, &e.Liquidity, &e.Proceeds0,
			&e.Proceeds1, &e.Fee0, &e.Fee1, &e.TriggerBoundary,
			&e.ByKeeper, &e.Sequence, &e.ExecutedAt,
		); err != nil {
			return nil, err
		}
		e.Nonce = uint64(nonce)
		executions = append(executions, e)
	}

	return executions, rows.Err()
}

// GetClaims returns an owner's settled payouts newest-first, including any
// redirected to the fallback treasury.
func (qs *QueryService) GetClaims(
	ctx context.Context,
	pool string,
	owner string,
	limit int,
	afterSeq *int64,
) ([]ClaimResponse, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT side, bottom, top, nonce, recipient, principal0::TEXT,
		       principal1::TEXT, fee0::TEXT, fee1::TEXT, redirected,
		       sequence, claimed_at
		FROM projections.claims
		WHERE pool = $1 AND owner = $2
	`
	args := []interface{}{pool, owner}
	argIdx := 3

	if afterSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSeq)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []ClaimResponse
	for rows.Next() {
		c := ClaimResponse{Pool: pool, Owner: owner, AsOfSequence: asOfSeq}
		var nonce int64
		if err := rows.Scan(
			&c.Side, &c.Bottom, &c.Top, &nonce, &c.Recipient, &c.Principal0,
			&c.Principal1, &c.Fee0, &c.Fee1, &c.Redirected,
			&c.Sequence, &c.ClaimedAt,
		); err != nil {
			return nil, err
		}
		c.Nonce = uint64(nonce)
		claims = append(claims, c)
	}

	return claims, rows.Err()
}

// GetPositionJournal returns the double-entry trail through one position's
// custody accounts: deposits in, proceeds captured, fees folded, payouts
// out. afterSeq pages backwards.
func (qs *QueryService) GetPositionJournal(
	ctx context.Context,
	side string,
	bottom, top int32,
	nonce uint64,
	limit int,
	afterSeq *int64,
) ([]JournalHistoryEntry, error) {
	stateSide, ok := sideToState(side)
	if !ok {
		return nil, fmt.Errorf("unknown side %q", side)
	}

	key := state.PositionKey{
		Band:  state.BandKey{Bottom: bottom, Top: top, Side: stateSide},
		Nonce: nonce,
	}
	entity := ledger.PositionEntity(key.CanonicalBytes())
	accountPrefix := fmt.Sprintf("position:%s:%%", hex.EncodeToString(entity[:]))

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSeq)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity sweeps the event log and row models for corruption: hash
// chain breaks, contributor rows orphaned from their position, and negative
// aggregates that the engine can never produce.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM projections.contributors c
		LEFT JOIN projections.positions p
		  ON p.pool = c.pool AND p.side = c.side AND p.bottom = c.bottom
		 AND p.top = c.top AND p.nonce = c.nonce
		WHERE p.pool IS NULL
	`).Scan(&report.OrphanedContributors)
	if err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM projections.positions
		WHERE total_liquidity < 0 OR executed_liquidity < 0
		   OR principal0 < 0 OR principal1 < 0
	`).Scan(&report.NegativeAmountRows)
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.OrphanedContributors == 0 &&
		report.NegativeAmountRows == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence FROM projections.watermark WHERE worker_id = 'persist'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func sideToState(side string) (state.Side, bool) {
	switch side {
	case "sell_token0":
		return state.SellToken0, true
	case "sell_token1":
		return state.SellToken1, true
	default:
		return 0, false
	}
}
