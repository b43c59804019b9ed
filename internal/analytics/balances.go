package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/pointsminer/internal/dispatch"
)

// ErrWriterStopped is returned for records added after Stop.
var ErrWriterStopped = errors.New("balance writer stopped")

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns default configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{BatchSize: 100, FlushInterval: 5 * time.Second}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

type balanceRow struct {
	Account    string
	ChannelID  string
	Balance    int
	Delta      int
	Reason     string
	RecordedAt time.Time
}

// BalanceWriter batches balance rows into balance_history.
type BalanceWriter struct {
	cfg    WriterConfig
	logger *slog.Logger
	db     DB

	input *dispatch.Queue[balanceRow]

	// Batching
	batch       []balanceRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewBalanceWriter creates a new BalanceWriter.
func NewBalanceWriter(cfg WriterConfig, db DB, logger *slog.Logger) *BalanceWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &BalanceWriter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  dispatch.NewQueue[balanceRow](cfg.BatchSize),
		batch:  make([]balanceRow, 0, cfg.BatchSize),
	}
}

// Add queues a row. Returns false after Stop.
func (w *BalanceWriter) Add(row balanceRow) bool {
	return w.input.Push(row)
}

// Start begins consuming rows and writing to the database.
func (w *BalanceWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("balance writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued rows and writes the final batch with ctx.
func (w *BalanceWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping balance writer")

	w.input.Close()
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("balance writer stopped")
	case <-ctx.Done():
		w.logger.Warn("balance writer stop timed out")
		return ctx.Err()
	}

	w.flush(ctx)
	return nil
}

// Stats returns current metrics.
func (w *BalanceWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves queued rows into the batch until the queue is closed
// and drained.
func (w *BalanceWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		row, ok := w.input.Pop()
		if !ok {
			return
		}

		w.batchMu.Lock()
		w.batch = append(w.batch, row)
		shouldFlush := len(w.batch) >= w.cfg.BatchSize
		w.batchMu.Unlock()

		if shouldFlush && w.ctx.Err() == nil {
			w.flush(w.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *BalanceWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// flush writes the current batch to the database.
func (w *BalanceWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]balanceRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed balances",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *BalanceWriter) batchInsert(ctx context.Context, rows []balanceRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO balance_history (account, channel_id, balance, delta, reason, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account, channel_id, recorded_at) DO NOTHING
		`, r.Account, r.ChannelID, r.Balance, r.Delta, r.Reason, r.RecordedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
