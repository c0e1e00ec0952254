package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ledger"
)

// EventLogWriter writes envelopes and journal entries to Postgres using
// multi-row INSERT batches. Switch to pgx CopyFrom if ingest volume ever
// outgrows this.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	PoolID         *string
	Payload        []byte // JSON-encoded command payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal. Amounts are decimal
// strings bound to NUMERIC columns, since token quantities exceed int64.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	Memo          string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB exposes the underlying handle for transaction management.
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// BuildEventRow converts a core envelope into its storage row.
func BuildEventRow(env *event.Envelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// BuildJournalRows converts a ledger batch into storage rows.
func BuildJournalRows(batch *ledger.Batch) []JournalRow {
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}

	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		asset, _ := ledger.GetAssetName(j.AssetID)
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         asset,
			Amount:        j.Amount.Text(10),
			JournalType:   j.JournalType.String(),
			Memo:          j.Memo,
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteEventBatch writes a batch of envelopes to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, pool_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		// JSONB binds as text; []byte would arrive as bytea.
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.PoolID,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, memo, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*11)

	for i, j := range journals {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Memo, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
