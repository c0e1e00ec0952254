package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/core"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// This goroutine runs independently from the deterministic core. The persist
// channel uses BLOCKING sends from the core, so if this worker falls behind,
// the core stalls and no envelope is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run starts the persistence worker loop. It batches incoming outputs and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				// Channel closed: flush and exit
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, output)

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker never
// drops outputs: it retries until the write succeeds or the context is
// cancelled, and on cancellation makes one final attempt with a background
// context so a shutdown cannot strand the batch.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("outputs", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), batch)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush commits one batch atomically: envelopes, journals, row-model effects
// and the watermark all land in a single transaction. Row arithmetic is
// guarded by the watermark so a retried batch never double-applies.
func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	watermark, err := pw.writer.LockWatermark(ctx, tx)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("watermark").Inc()
		}
		return err
	}

	events := make([]EventRow, 0, len(batch))
	journals := make([]JournalRow, 0, len(batch)*4) // ~4 journals per envelope avg
	for _, out := range batch {
		events = append(events, BuildEventRow(out.Envelope))
		journals = append(journals, BuildJournalRows(out.Batch)...)
	}

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_journals").Inc()
		}
		return err
	}

	lastSeq := watermark
	for _, out := range batch {
		env := out.Envelope
		if env.Sequence <= watermark {
			continue
		}
		pool := ""
		if env.PoolID != nil {
			pool = *env.PoolID
		}
		if err := pw.writer.WriteRowUpdates(ctx, tx, env.Sequence, pool, out.Applied, env.Timestamp); err != nil {
			if pw.metrics != nil {
				pw.metrics.PersistErrors.WithLabelValues("write_rows").Inc()
			}
			return err
		}
		lastSeq = env.Sequence
	}

	if lastSeq > watermark {
		if err := pw.writer.AdvanceWatermark(ctx, tx, lastSeq); err != nil {
			if pw.metrics != nil {
				pw.metrics.PersistErrors.WithLabelValues("watermark").Inc()
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer for recovery-time queries.
func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}
