package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/pointsminer/internal/config"
	"github.com/rickgao/pointsminer/internal/handler"
	"github.com/rickgao/pointsminer/internal/prediction"
)

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Connect creates a connection pool and verifies it.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS balance_history (
	account     TEXT        NOT NULL,
	channel_id  TEXT        NOT NULL,
	balance     INTEGER     NOT NULL,
	delta       INTEGER     NOT NULL,
	reason      TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account, channel_id, recorded_at)
);

CREATE TABLE IF NOT EXISTS predictions (
	account        TEXT        NOT NULL,
	prediction_id  TEXT        NOT NULL,
	channel_id     TEXT        NOT NULL,
	title          TEXT        NOT NULL,
	state          TEXT        NOT NULL,
	status         TEXT        NOT NULL,
	reason         TEXT        NOT NULL,
	outcome_id     TEXT,
	amount         INTEGER,
	odds           DOUBLE PRECISION,
	transaction_id TEXT,
	external       BOOLEAN     NOT NULL DEFAULT false,
	result         TEXT,
	points_won     INTEGER,
	lock_at        TIMESTAMPTZ,
	placed_at      TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account, prediction_id)
);
`

const upsertPrediction = `
INSERT INTO predictions (
	account, prediction_id, channel_id, title, state, status, reason,
	outcome_id, amount, odds, transaction_id, external, result, points_won,
	lock_at, placed_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (account, prediction_id) DO UPDATE SET
	title          = CASE WHEN EXCLUDED.title = '' THEN predictions.title ELSE EXCLUDED.title END,
	state          = EXCLUDED.state,
	status         = EXCLUDED.status,
	reason         = EXCLUDED.reason,
	outcome_id     = EXCLUDED.outcome_id,
	amount         = EXCLUDED.amount,
	odds           = EXCLUDED.odds,
	transaction_id = EXCLUDED.transaction_id,
	external       = EXCLUDED.external,
	result         = EXCLUDED.result,
	points_won     = EXCLUDED.points_won,
	lock_at        = COALESCE(EXCLUDED.lock_at, predictions.lock_at),
	placed_at      = EXCLUDED.placed_at,
	updated_at     = EXCLUDED.updated_at
`

// Store writes analytics rows for every account.
type Store struct {
	db       DB
	logger   *slog.Logger
	balances *BalanceWriter
	now      func() time.Time
}

// NewStore creates a Store. Start must be called before balances are written.
func NewStore(db DB, cfg WriterConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:       db,
		logger:   logger,
		balances: NewBalanceWriter(cfg, db, logger),
		now:      time.Now,
	}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Start starts the balance writer.
func (s *Store) Start(ctx context.Context) error {
	return s.balances.Start(ctx)
}

// Stop flushes pending balances.
func (s *Store) Stop(ctx context.Context) error {
	return s.balances.Stop(ctx)
}

// Stats returns balance writer statistics.
func (s *Store) Stats() WriterMetrics {
	return s.balances.Stats()
}

// Account returns the recorder of one account.
func (s *Store) Account(name string) *Recorder {
	return &Recorder{store: s, account: name}
}

// Recorder records for one account. It implements handler.BalanceRecorder
// and prediction.Recorder.
type Recorder struct {
	store   *Store
	account string
}

// RecordBalance queues a balance change for the next batch.
func (r *Recorder) RecordBalance(ctx context.Context, rec handler.BalanceRecord) error {
	if !r.store.balances.Add(balanceRow{
		Account:    r.account,
		ChannelID:  rec.ChannelID,
		Balance:    rec.Balance,
		Delta:      rec.Delta,
		Reason:     rec.Reason,
		RecordedAt: rec.At,
	}) {
		return ErrWriterStopped
	}
	return nil
}

// RecordPrediction upserts the decision of a prediction.
func (r *Recorder) RecordPrediction(ctx context.Context, snap prediction.Snapshot) error {
	return r.upsert(ctx, snap)
}

// RecordBetResult upserts the settlement of a prediction.
func (r *Recorder) RecordBetResult(ctx context.Context, snap prediction.Snapshot) error {
	return r.upsert(ctx, snap)
}

func (r *Recorder) upsert(ctx context.Context, snap prediction.Snapshot) error {
	row := predictionRowFrom(r.account, snap, r.store.now())
	if _, err := r.store.db.Exec(ctx, upsertPrediction, row.args()...); err != nil {
		return fmt.Errorf("upsert prediction %s: %w", snap.ID, err)
	}
	return nil
}

// predictionRow is one row of the predictions table. Bet columns are nil
// when no bet exists.
type predictionRow struct {
	Account       string
	PredictionID  string
	ChannelID     string
	Title         string
	State         string
	Status        string
	Reason        string
	OutcomeID     *string
	Amount        *int
	Odds          *float64
	TransactionID *string
	External      bool
	Result        *string
	PointsWon     *int
	LockAt        *time.Time
	PlacedAt      *time.Time
	UpdatedAt     time.Time
}

func predictionRowFrom(account string, s prediction.Snapshot, now time.Time) predictionRow {
	row := predictionRow{
		Account:      account,
		PredictionID: s.ID,
		ChannelID:    s.ChannelID,
		Title:        s.Title,
		State:        string(s.State),
		Status:       string(s.Status),
		Reason:       s.Reason,
		LockAt:       timePtr(s.LockAt),
		UpdatedAt:    now,
	}
	if b := s.Bet; b != nil {
		result := string(b.Result)
		row.OutcomeID = &b.OutcomeID
		row.Amount = &b.Amount
		row.Odds = &b.Odds
		row.TransactionID = &b.TransactionID
		row.External = b.External
		row.Result = &result
		row.PointsWon = &b.PointsWon
		row.PlacedAt = timePtr(b.PlacedAt)
	}
	return row
}

func (r predictionRow) args() []any {
	return []any{
		r.Account, r.PredictionID, r.ChannelID, r.Title, r.State, r.Status, r.Reason,
		r.OutcomeID, r.Amount, r.Odds, r.TransactionID, r.External, r.Result, r.PointsWon,
		r.LockAt, r.PlacedAt, r.UpdatedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
