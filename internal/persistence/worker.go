package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"speedmarkets/internal/engine"
	"speedmarkets/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes to Postgres.
// The engine sends with a BLOCKING channel, so if this worker falls behind
// the engine stalls rather than losing an output.
type Worker struct {
	writer       *RowWriter
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewRowWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// pending accumulates rows between flushes.
type pending struct {
	markets     []MarketRow
	resolutions []ResolutionRow
	journals    []JournalRow
}

func (p *pending) add(out engine.Output) {
	if out.Creation != nil {
		p.markets = append(p.markets, MarketRowFromCreation(out.Creation))
	}
	if out.Resolution != nil {
		p.resolutions = append(p.resolutions, ResolutionRowFrom(out.Resolution))
	}
	if out.Batch != nil {
		p.journals = append(p.journals, JournalRowsFromBatch(out.Batch)...)
	}
}

func (p *pending) size() int {
	return len(p.markets) + len(p.resolutions) + len(p.journals)
}

func (p *pending) reset() {
	p.markets = p.markets[:0]
	p.resolutions = p.resolutions[:0]
	p.journals = p.journals[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	var p pending

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if p.size() > 0 {
				if err := w.flush(context.Background(), &p); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if p.size() > 0 {
					if err := w.flush(context.Background(), &p); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			p.add(output)
			if p.size() >= w.batchSize {
				w.flushWithRetry(ctx, &p)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if p.size() > 0 {
				w.flushWithRetry(ctx, &p)
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// The worker never drops rows; on cancellation it makes one final attempt
// with a background context so the batch survives a graceful shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, p *pending) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, rows=%d)",
				attempt, backoff, p.size())
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), p); err != nil {
					log.Printf("ERROR: final flush on shutdown failed: %v", err)
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, p); err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return
		}
	}
}

// flush writes every pending row in one transaction and resets the batch on
// success.
func (w *Worker) flush(ctx context.Context, p *pending) error {
	rows := p.size()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := w.writer.WriteMarkets(ctx, tx, p.markets); err != nil {
		w.countError("write_markets")
		return err
	}
	if err := w.writer.WriteJournals(ctx, tx, p.journals); err != nil {
		w.countError("write_journals")
		return err
	}
	if err := w.writer.WriteResolutions(ctx, tx, p.resolutions); err != nil {
		w.countError("write_resolutions")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return fmt.Errorf("commit tx: %w", err)
	}

	if w.metrics != nil {
		w.metrics.PersistBatchSize.Observe(float64(rows))
		w.metrics.PersistRowsWritten.Add(float64(rows))
	}
	p.reset()
	return nil
}

func (w *Worker) countError(op string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}

// Writer exposes the underlying row writer, used by the query service to
// share the database handle.
func (w *Worker) Writer() *RowWriter {
	return w.writer
}
