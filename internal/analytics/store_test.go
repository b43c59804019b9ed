package analytics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/pointsminer/internal/handler"
	"github.com/rickgao/pointsminer/internal/prediction"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records statements. conflictEvery marks every nth batch row as a
// conflict.
type fakeDB struct {
	mu            sync.Mutex
	execs         []execCall
	batches       [][][]any
	execErr       error
	batchErr      error
	conflictEvery int
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, execCall{sql, args})
	return pgconn.NewCommandTag("INSERT 0 1"), db.execErr
}

func (db *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows := make([][]any, 0, b.Len())
	for _, q := range b.QueuedQueries {
		rows = append(rows, q.Arguments)
	}
	db.batches = append(db.batches, rows)
	return &fakeResults{db: db, n: len(rows)}
}

func (db *fakeDB) batchRows() [][]any {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out [][]any
	for _, b := range db.batches {
		out = append(out, b...)
	}
	return out
}

type fakeResults struct {
	db *fakeDB
	n  int
	i  int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	r.i++
	if r.db.batchErr != nil {
		return pgconn.CommandTag{}, r.db.batchErr
	}
	if r.db.conflictEvery > 0 && r.i%r.db.conflictEvery == 0 {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func balance(channel string, value int, at time.Time) handler.BalanceRecord {
	return handler.BalanceRecord{ChannelID: channel, Balance: value, Delta: 10, Reason: "WATCH", At: at}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	s := NewStore(db, DefaultWriterConfig(), nil)

	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS predictions") {
		t.Errorf("execs = %+v", db.execs)
	}

	db.execErr = errors.New("permission denied")
	if err := s.EnsureSchema(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestBalanceWriter_FlushOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	s := NewStore(db, WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop(context.Background())

	rec := s.Account("viewer")
	at := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rec.RecordBalance(context.Background(), balance("100", 510, at))
	rec.RecordBalance(context.Background(), balance("100", 520, at.Add(time.Second)))

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Flushes == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch was not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rows := db.batchRows()
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0][0] != "viewer" || rows[0][1] != "100" || rows[0][2] != 510 {
		t.Errorf("row = %v", rows[0])
	}
	if got := s.Stats().Inserts; got != 2 {
		t.Errorf("Inserts = %d, want 2", got)
	}
}

func TestBalanceWriter_StopFlushesRemainder(t *testing.T) {
	db := &fakeDB{conflictEvery: 3}
	s := NewStore(db, WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, nil)
	s.Start(context.Background())

	rec := s.Account("viewer")
	at := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := rec.RecordBalance(context.Background(), balance("100", 500+i, at.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("RecordBalance failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if rows := db.batchRows(); len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	stats := s.Stats()
	if stats.Inserts != 2 || stats.Conflicts != 1 {
		t.Errorf("Stats = %+v, want 2 inserts 1 conflict", stats)
	}

	if err := rec.RecordBalance(context.Background(), balance("100", 1, at)); !errors.Is(err, ErrWriterStopped) {
		t.Errorf("RecordBalance after Stop = %v, want ErrWriterStopped", err)
	}
}

func TestBalanceWriter_InsertError(t *testing.T) {
	db := &fakeDB{batchErr: errors.New("connection reset")}
	s := NewStore(db, WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, nil)
	s.Start(context.Background())

	s.Account("viewer").RecordBalance(context.Background(), balance("100", 1, time.Now()))
	s.Stop(context.Background())

	if got := s.Stats().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

func TestRecordPrediction(t *testing.T) {
	db := &fakeDB{}
	s := NewStore(db, DefaultWriterConfig(), nil)
	now := time.Date(2026, 3, 1, 20, 5, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	lockAt := now.Add(time.Minute)
	snap := prediction.Snapshot{
		ID:        "pred-1",
		ChannelID: "100",
		Title:     "Win next round?",
		State:     prediction.StateOpen,
		Status:    prediction.StatusPlaced,
		LockAt:    lockAt,
		Bet: &prediction.Bet{
			OutcomeID:     "b",
			Amount:        250,
			Odds:          1.8,
			TransactionID: "tx-1",
			Result:        prediction.ResultPending,
		},
	}

	if err := s.Account("viewer").RecordPrediction(context.Background(), snap); err != nil {
		t.Fatalf("RecordPrediction failed: %v", err)
	}

	if len(db.execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(db.execs))
	}
	call := db.execs[0]
	if !strings.Contains(call.sql, "ON CONFLICT (account, prediction_id) DO UPDATE") {
		t.Errorf("sql = %q", call.sql)
	}
	if len(call.args) != 17 {
		t.Fatalf("args = %d, want 17", len(call.args))
	}
	if call.args[0] != "viewer" || call.args[1] != "pred-1" || call.args[5] != "placed" {
		t.Errorf("args = %v", call.args)
	}
	if amount := call.args[8].(*int); *amount != 250 {
		t.Errorf("amount = %d, want 250", *amount)
	}
	if placed := call.args[15].(*time.Time); placed != nil {
		t.Errorf("placed_at = %v, want nil", placed)
	}
	if call.args[16] != now {
		t.Errorf("updated_at = %v, want %v", call.args[16], now)
	}
}

func TestPredictionRowWithoutBet(t *testing.T) {
	row := predictionRowFrom("viewer", prediction.Snapshot{
		ID:     "pred-2",
		State:  prediction.StateLocked,
		Status: prediction.StatusMissed,
		Reason: "locked before decision",
	}, time.Now())

	if row.OutcomeID != nil || row.Amount != nil || row.Result != nil {
		t.Errorf("bet columns should be nil: %+v", row)
	}
	if row.LockAt != nil {
		t.Errorf("LockAt = %v, want nil", row.LockAt)
	}
	if row.Status != "missed" || row.State != "locked" {
		t.Errorf("row = %+v", row)
	}
}

func TestRecordBetResultError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("timeout")}
	s := NewStore(db, DefaultWriterConfig(), nil)

	err := s.Account("viewer").RecordBetResult(context.Background(), prediction.Snapshot{ID: "pred-1"})
	if err == nil || !strings.Contains(err.Error(), "pred-1") {
		t.Errorf("err = %v", err)
	}
}
