package costaccount

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/contentcore/pkg/domain"
)

// AsyncWriter buffers ProviderAttempt telemetry and flushes it to the
// provider_attempts table on a ticker, the same async-buffered shape as
// this codebase's audit log writer: callers never block on a database
// round trip to record an attempt.
type AsyncWriter struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan domain.ProviderAttempt
	wg      sync.WaitGroup
}

const (
	bufferSize    = 512
	flushInterval = 5 * time.Second
	flushBatch    = 64
)

// NewAsyncWriter creates an AsyncWriter. Call Start to begin flushing.
func NewAsyncWriter(pool *pgxpool.Pool, logger *slog.Logger) *AsyncWriter {
	return &AsyncWriter{
		pool:    pool,
		logger:  logger,
		entries: make(chan domain.ProviderAttempt, bufferSize),
	}
}

// Start begins the background flush loop.
func (w *AsyncWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to flush.
func (w *AsyncWriter) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an attempt record. It never blocks; a full buffer drops the
// entry with a warning, since attempt telemetry is best-effort and must
// never slow down the batch pipeline.
func (w *AsyncWriter) Log(a domain.ProviderAttempt) {
	select {
	case w.entries <- a:
	default:
		w.logger.Warn("cost accountant buffer full, dropping attempt record",
			"provider", a.Provider, "batch_id", a.BatchID)
	}
}

func (w *AsyncWriter) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]domain.ProviderAttempt, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) flush(entries []domain.ProviderAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for cost flush", "error", err)
		return
	}
	defer conn.Release()

	for _, e := range entries {
		_, err := conn.Exec(ctx,
			`INSERT INTO provider_attempts
			 (batch_id, piece_index, provider, attempt_no, started_at, duration_ms, outcome, error_code, cost_usd)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.BatchID, e.PieceIndex, e.Provider, e.AttemptNo, e.StartedAt, e.DurationMS, e.Outcome, e.ErrorCode, e.CostUSD,
		)
		if err != nil {
			w.logger.Error("writing provider attempt record", "error", err, "provider", e.Provider)
		}
	}
}
