package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/pointsminer/internal/handler"
	"github.com/rickgao/pointsminer/internal/metrics"
	"github.com/rickgao/pointsminer/internal/pubsub"
)

// tracked is the engine state of one prediction. Guarded by Engine.mu.
// pendingBetTTL bounds how long a bet whose result never arrives is kept.
const pendingBetTTL = 24 * time.Hour

type tracked struct {
	snap      Snapshot
	timer     *time.Timer
	seenAt    time.Time
	doneAt    time.Time // decision finished without a bet, or prediction settled
	confirmed bool      // result came from the user topic
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder persists decisions and results.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithNotifier reports placed bets and results.
func WithNotifier(n handler.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics counts decisions by status.
func WithMetrics(m *metrics.Account) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for deadline arithmetic.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine makes the bet decision of every prediction it tracks.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	placer    BetPlacer
	streamers Streamers
	recorder  Recorder
	notifier  handler.Notifier
	metrics   *metrics.Account
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	preds   map[string]*tracked
	stopped bool
}

// NewEngine creates an Engine. It is ready to handle events immediately.
func NewEngine(cfg Config, placer BetPlacer, streamers Streamers, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("handler", "prediction"),
		placer:    placer,
		streamers: streamers,
		now:       time.Now,
		preds:     make(map[string]*tracked),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = handler.NewLogNotifier(e.logger)
	}
	return e
}

func (e *Engine) Name() string { return "prediction" }

func (e *Engine) Kinds() []pubsub.EventKind {
	return []pubsub.EventKind{
		pubsub.EventPredictionCreated,
		pubsub.EventPredictionUpdated,
		pubsub.EventPredictionMade,
		pubsub.EventPredictionResult,
	}
}

// Handle consumes channel prediction events and user prediction events.
func (e *Engine) Handle(ctx context.Context, ev pubsub.Event) error {
	switch p := ev.Payload.(type) {
	case pubsub.PredictionUpdate:
		e.onEvent(p.Event)
	case pubsub.UserPredictionUpdate:
		if ev.Kind == pubsub.EventPredictionResult {
			e.onResult(p.Prediction)
		} else {
			e.onMade(p.Prediction)
		}
	}
	return nil
}

// Stop cancels pending decisions and in-flight placements and waits for them.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	for _, t := range e.preds {
		e.stopTimerLocked(t)
	}
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the state of one prediction.
func (e *Engine) Get(id string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.preds[id]
	if !ok {
		return Snapshot{}, false
	}
	return copySnapshot(t.snap), true
}

// List returns every tracked prediction, oldest first.
func (e *Engine) List() []Snapshot {
	e.mu.Lock()
	out := make([]Snapshot, 0, len(e.preds))
	for _, t := range e.preds {
		out = append(out, copySnapshot(t.snap))
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// onEvent applies a channel prediction event.
func (e *Engine) onEvent(pe pubsub.PredictionEvent) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.pruneLocked()

	state := stateOf(pe.Status)

	t, known := e.preds[pe.ID]
	if !known {
		t = &tracked{snap: Snapshot{
			ID:        pe.ID,
			ChannelID: pe.ChannelID,
			Title:     pe.Title,
			State:     state,
			CreatedAt: pe.CreatedAt,
			LockAt:    lockTime(pe),
			Outcomes:  copyOutcomes(pe.Outcomes),
		}, seenAt: e.now()}
		e.preds[pe.ID] = t

		if state != StateOpen {
			e.finishLocked(t, StatusMissed, "first seen after lock")
			snap := copySnapshot(t.snap)
			e.mu.Unlock()
			e.afterDecision(snap)
			return
		}

		if reason := e.ineligible(pe.ChannelID); reason != "" {
			e.finishLocked(t, StatusSkipped, reason)
			snap := copySnapshot(t.snap)
			e.mu.Unlock()
			e.afterDecision(snap)
			return
		}

		t.snap.Status = StatusScheduled
		e.scheduleLocked(t)
		e.mu.Unlock()

		e.logger.Info("prediction opened",
			"prediction_id", pe.ID,
			"channel_id", pe.ChannelID,
			"title", pe.Title,
			"lock_at", t.snap.LockAt,
		)
		return
	}

	// Known prediction: replayed or updated. Never reschedules.
	if t.snap.State == StateResolved || t.snap.State == StateCancelled {
		e.mu.Unlock()
		return
	}
	if len(pe.Outcomes) > 0 {
		t.snap.Outcomes = copyOutcomes(pe.Outcomes)
	}
	if pe.LockedAt != nil {
		t.snap.LockAt = *pe.LockedAt
	}
	// Entries first created from the user topic lack channel details.
	if t.snap.LockAt.IsZero() {
		t.snap.LockAt = lockTime(pe)
	}
	if t.snap.CreatedAt.IsZero() {
		t.snap.CreatedAt = pe.CreatedAt
	}
	if t.snap.Title == "" {
		t.snap.Title = pe.Title
	}
	if t.snap.ChannelID == "" {
		t.snap.ChannelID = pe.ChannelID
	}

	var (
		decided  *Snapshot
		resolved *Snapshot
	)

	switch state {
	case StateOpen:
		// duplicate open or odds update

	case StateLocked:
		t.snap.State = StateLocked
		if t.snap.Status == StatusScheduled {
			e.stopTimerLocked(t)
			e.finishLocked(t, StatusMissed, "locked before decision")
			s := copySnapshot(t.snap)
			decided = &s
		}

	case StateResolved:
		t.snap.State = StateResolved
		t.doneAt = e.now()
		if t.snap.Status == StatusScheduled {
			e.stopTimerLocked(t)
			e.finishLocked(t, StatusMissed, "resolved before decision")
		}
		if bet := t.snap.Bet; bet != nil && bet.Result == ResultPending && pe.WinningOutcomeID != "" {
			bet.Result = ResultLost
			if bet.OutcomeID == pe.WinningOutcomeID {
				bet.Result = ResultWon
			}
			s := copySnapshot(t.snap)
			resolved = &s
		}

	case StateCancelled:
		t.snap.State = StateCancelled
		t.doneAt = e.now()
		if t.snap.Status == StatusScheduled {
			// Nothing staked yet: drop the decision.
			e.stopTimerLocked(t)
			t.snap.Status = StatusSkipped
			t.snap.Reason = "cancelled"
		}
		if bet := t.snap.Bet; bet != nil && bet.Result == ResultPending {
			bet.Result = ResultRefunded
			s := copySnapshot(t.snap)
			resolved = &s
		}
	}
	e.mu.Unlock()

	if decided != nil {
		e.afterDecision(*decided)
	}
	if resolved != nil {
		e.afterResult(*resolved)
	}
}

// onMade records a bet reported on the user topic. A bet placed from
// elsewhere still counts as the prediction's one bet.
func (e *Engine) onMade(up pubsub.UserPrediction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.preds[up.EventID]
	if !ok {
		t = &tracked{snap: Snapshot{ID: up.EventID, ChannelID: up.ChannelID, State: StateOpen}, seenAt: e.now()}
		e.preds[up.EventID] = t
	}

	switch t.snap.Status {
	case StatusPlaced, StatusPlacing:
		// Echo of our own bet.
		return
	}

	e.stopTimerLocked(t)
	t.snap.Status = StatusPlaced
	t.snap.Reason = ""
	t.snap.Bet = &Bet{
		OutcomeID: up.OutcomeID,
		Amount:    up.Points,
		PlacedAt:  up.PredictedAt,
		External:  true,
		Result:    ResultPending,
	}

	e.logger.Info("bet reported by platform",
		"prediction_id", up.EventID,
		"outcome_id", up.OutcomeID,
		"points", up.Points,
	)
}

// onResult settles a bet from the user topic.
func (e *Engine) onResult(up pubsub.UserPrediction) {
	if up.Result == nil {
		return
	}

	e.mu.Lock()
	t, ok := e.preds[up.EventID]
	if !ok || t.confirmed {
		e.mu.Unlock()
		return
	}
	if t.snap.Bet == nil {
		t.snap.Status = StatusPlaced
		t.snap.Bet = &Bet{OutcomeID: up.OutcomeID, Amount: up.Points, External: true}
	}

	bet := t.snap.Bet
	switch up.Result.Type {
	case pubsub.ResultWin:
		bet.Result = ResultWon
	case pubsub.ResultLose:
		bet.Result = ResultLost
	case pubsub.ResultRefund:
		bet.Result = ResultRefunded
	}
	bet.PointsWon = up.Result.PointsWon
	t.confirmed = true

	if t.snap.State == StateOpen || t.snap.State == StateLocked {
		t.snap.State = StateResolved
		if bet.Result == ResultRefunded {
			t.snap.State = StateCancelled
		}
		t.doneAt = e.now()
	}
	snap := copySnapshot(t.snap)
	e.mu.Unlock()

	e.afterResult(snap)
}

// scheduleLocked arms the decision timer.
func (e *Engine) scheduleLocked(t *tracked) {
	delay := t.snap.LockAt.Add(-e.cfg.DecisionLead).Sub(e.now())
	id := t.snap.ID

	e.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.decide(id)
	})
}

func (e *Engine) stopTimerLocked(t *tracked) {
	if t.timer != nil && t.timer.Stop() {
		e.wg.Done()
	}
	t.timer = nil
}

// decide computes and places the bet of one prediction.
func (e *Engine) decide(id string) {
	e.mu.Lock()
	t, ok := e.preds[id]
	if !ok || t.snap.Status != StatusScheduled || t.snap.State != StateOpen || e.ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	t.timer = nil

	remaining := t.snap.LockAt.Sub(e.now())
	if remaining < e.cfg.SafetyMargin {
		e.finishLocked(t, StatusMissed, fmt.Sprintf("%s left before lock", remaining))
		snap := copySnapshot(t.snap)
		e.mu.Unlock()
		e.afterDecision(snap)
		return
	}

	bet, reason := e.compute(t.snap)
	if bet == nil {
		e.finishLocked(t, StatusSkipped, reason)
		snap := copySnapshot(t.snap)
		e.mu.Unlock()
		e.afterDecision(snap)
		return
	}

	t.snap.Status = StatusPlacing
	t.snap.Bet = bet
	eventID, lockAt := t.snap.ID, t.snap.LockAt
	placing := *bet
	e.mu.Unlock()

	attempts, err := e.place(eventID, placing, lockAt)

	e.mu.Lock()
	t.snap.Bet.Attempts = attempts
	if err != nil {
		t.snap.Bet = nil
		if t.snap.Status == StatusPlacing {
			e.finishLocked(t, StatusFailed, err.Error())
		}
	} else if t.snap.Status == StatusPlacing {
		t.snap.Status = StatusPlaced
		t.snap.Bet.PlacedAt = e.now()
	}
	snap := copySnapshot(t.snap)
	e.mu.Unlock()

	e.afterDecision(snap)
}

// compute picks outcome and stake from the current snapshot. A nil bet
// carries the skip reason.
func (e *Engine) compute(s Snapshot) (*Bet, string) {
	balance, ok := e.streamers.Balance(s.ChannelID)
	if !ok {
		return nil, "balance unknown"
	}
	if balance < e.cfg.MinBalance {
		return nil, fmt.Sprintf("balance %d below minimum %d", balance, e.cfg.MinBalance)
	}

	chosen, err := Pick(e.cfg.Strategy, e.cfg.SmartGap, s.Outcomes)
	if err != nil {
		return nil, err.Error()
	}

	amount := e.cfg.Stake.Amount(balance, chosen, s.Outcomes)
	if amount == 0 {
		return nil, "no stake for chosen outcome"
	}

	return &Bet{
		OutcomeID:     chosen.ID,
		OutcomeTitle:  chosen.Title,
		Amount:        amount,
		Odds:          Odds(chosen, s.Outcomes),
		TransactionID: uuid.NewString(),
		Result:        ResultPending,
	}, ""
}

// place calls the BetPlacer until it accepts, attempts run out or the
// safety margin is reached. The transaction ID is reused across attempts.
func (e *Engine) place(eventID string, bet Bet, lockAt time.Time) (int, error) {
	budget := lockAt.Add(-e.cfg.SafetyMargin).Sub(e.now())
	ctx, cancel := context.WithTimeout(e.ctx, budget)
	defer cancel()

	var lastErr error
	attempts := 0
	for attempts < e.cfg.MaxAttempts {
		if e.now().Add(e.cfg.SafetyMargin).After(lockAt) {
			break
		}

		attempts++
		err := e.placer.PlaceBet(ctx, eventID, bet.OutcomeID, bet.Amount, bet.TransactionID)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		e.logger.Warn("bet placement failed",
			"prediction_id", eventID,
			"attempt", attempts,
			"error", err,
		)

		if attempts >= e.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return attempts, fmt.Errorf("placement budget exhausted after %d attempts: %w", attempts, errors.Join(lastErr, ctx.Err()))
		case <-time.After(e.cfg.RetryWait):
		}
	}

	if lastErr == nil {
		return attempts, errors.New("no time left to place bet")
	}
	return attempts, fmt.Errorf("bet rejected after %d attempts: %w", attempts, lastErr)
}

// finishLocked sets a terminal decision status.
func (e *Engine) finishLocked(t *tracked, status Status, reason string) {
	t.snap.Status = status
	t.snap.Reason = reason
	if t.doneAt.IsZero() {
		t.doneAt = e.now()
	}
}

// ineligible returns why a channel's predictions are not bet on.
func (e *Engine) ineligible(channelID string) string {
	st, ok := e.streamers.Get(channelID)
	if !ok {
		return "untracked channel"
	}
	if !st.Settings.Predictions {
		return "predictions disabled"
	}
	return ""
}

func (e *Engine) afterDecision(s Snapshot) {
	e.metrics.IncBets(string(s.Status))

	login := s.ChannelID
	if st, ok := e.streamers.Get(s.ChannelID); ok {
		login = st.Login
	}

	switch s.Status {
	case StatusPlaced:
		e.notifier.Notify(e.ctx, handler.Notification{
			Kind:     handler.NotifyBetPlaced,
			Streamer: login,
			Message:  "bet placed",
			Fields: map[string]any{
				"prediction": s.Title,
				"outcome":    s.Bet.OutcomeTitle,
				"amount":     s.Bet.Amount,
				"odds":       s.Bet.Odds,
			},
		})
	default:
		e.logger.Info("prediction not bet",
			"prediction_id", s.ID,
			"streamer", login,
			"status", s.Status,
			"reason", s.Reason,
		)
	}

	e.record(func(ctx context.Context) error { return e.recorder.RecordPrediction(ctx, s) })
}

func (e *Engine) afterResult(s Snapshot) {
	login := s.ChannelID
	if st, ok := e.streamers.Get(s.ChannelID); ok {
		login = st.Login
	}

	e.notifier.Notify(e.ctx, handler.Notification{
		Kind:     handler.NotifyBetResult,
		Streamer: login,
		Message:  "bet settled",
		Fields: map[string]any{
			"prediction": s.Title,
			"result":     string(s.Bet.Result),
			"points_won": s.Bet.PointsWon,
		},
	})

	e.record(func(ctx context.Context) error { return e.recorder.RecordBetResult(ctx, s) })
}

func (e *Engine) record(fn func(ctx context.Context) error) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.logger.Warn("failed to record prediction", "error", err)
	}
}

// pruneLocked drops finished predictions whose retention window has
// passed. A bet still waiting for its result is kept until it settles, or
// for pendingBetTTL after it was placed.
func (e *Engine) pruneLocked() {
	if e.cfg.Retention <= 0 {
		return
	}
	now := e.now()
	for id, t := range e.preds {
		if t.timer != nil || t.snap.Status == StatusPlacing || t.snap.Status == StatusScheduled {
			continue
		}

		if bet := t.snap.Bet; bet != nil && bet.Result == ResultPending {
			ref := bet.PlacedAt
			if ref.IsZero() {
				ref = t.seenAt
			}
			if now.Sub(ref) > pendingBetTTL {
				e.logger.Warn("dropping bet without result",
					"prediction_id", id,
					"placed_at", bet.PlacedAt,
				)
				delete(e.preds, id)
			}
			continue
		}

		ref := t.doneAt
		if ref.IsZero() {
			ref = t.seenAt
		}
		if now.Sub(ref) > e.cfg.Retention {
			delete(e.preds, id)
		}
	}
}

func stateOf(status string) State {
	switch status {
	case pubsub.PredictionLocked, pubsub.PredictionResolvePending:
		return StateLocked
	case pubsub.PredictionResolved:
		return StateResolved
	case pubsub.PredictionCancelPending, pubsub.PredictionCanceled:
		return StateCancelled
	}
	return StateOpen
}

func lockTime(pe pubsub.PredictionEvent) time.Time {
	if pe.LockedAt != nil {
		return *pe.LockedAt
	}
	return pe.LockDeadline()
}

func copyOutcomes(in []pubsub.Outcome) []pubsub.Outcome {
	if in == nil {
		return nil
	}
	out := make([]pubsub.Outcome, len(in))
	copy(out, in)
	return out
}

func copySnapshot(s Snapshot) Snapshot {
	s.Outcomes = copyOutcomes(s.Outcomes)
	if s.Bet != nil {
		b := *s.Bet
		s.Bet = &b
	}
	return s
}
