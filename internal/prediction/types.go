package prediction

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/pointsminer/internal/handler"
	"github.com/rickgao/pointsminer/internal/pubsub"
)

// Errors
var (
	ErrNoOutcomes = errors.New("no outcomes")
)

// State is the lifecycle of a prediction window.
type State string

const (
	StateOpen      State = "open"
	StateLocked    State = "locked"
	StateResolved  State = "resolved"
	StateCancelled State = "cancelled"
)

// Status is the bet decision status of a prediction.
type Status string

const (
	StatusScheduled Status = "scheduled" // decision timer armed
	StatusPlacing   Status = "placing"   // placement in flight
	StatusPlaced    Status = "placed"
	StatusFailed    Status = "bet_failed"
	StatusMissed    Status = "missed" // too close to the lock deadline
	StatusSkipped   Status = "skipped"
)

// Result is the settlement of a placed bet.
type Result string

const (
	ResultPending  Result = "pending"
	ResultWon      Result = "won"
	ResultLost     Result = "lost"
	ResultRefunded Result = "refunded"
)

// Bet is the one stake placed on a prediction.
type Bet struct {
	OutcomeID     string
	OutcomeTitle  string
	Amount        int
	Odds          float64 // odds of the chosen outcome at decision time
	TransactionID string
	PlacedAt      time.Time
	Attempts      int
	External      bool // reported on the user topic, not placed here
	Result        Result
	PointsWon     int
}

// Snapshot is a copy of the tracked state of one prediction.
type Snapshot struct {
	ID        string
	ChannelID string
	Title     string
	State     State
	Status    Status
	Reason    string // why skipped, missed or failed
	Outcomes  []pubsub.Outcome
	CreatedAt time.Time
	LockAt    time.Time
	Bet       *Bet
}

// BetPlacer submits a bet. The transaction ID is stable across retries of
// one decision.
type BetPlacer interface {
	PlaceBet(ctx context.Context, eventID, outcomeID string, amount int, transactionID string) error
}

// Recorder persists decisions and results.
type Recorder interface {
	RecordPrediction(ctx context.Context, s Snapshot) error
	RecordBetResult(ctx context.Context, s Snapshot) error
}

// Streamers gives the engine streamer settings and balances.
type Streamers interface {
	Get(channelID string) (handler.Streamer, bool)
	Balance(channelID string) (int, bool)
}

// Config holds engine settings.
type Config struct {
	Strategy     Strategy
	SmartGap     float64 // user share gap, in points, for Smart to follow users
	Stake        Stake
	MinBalance   int           // no bet below this balance
	DecisionLead time.Duration // decide this long before the lock deadline
	SafetyMargin time.Duration // never bet with less time than this left
	MaxAttempts  int           // placement attempts per decision
	RetryWait    time.Duration // wait between attempts
	Retention    time.Duration // how long finished predictions are kept
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Strategy: Smart,
		SmartGap: 20,
		Stake: Stake{
			Mode:          StakePercentage,
			Percentage:    5,
			KellyFraction: 0.5,
			MaxPoints:     50000,
			MinPoints:     10,
		},
		MinBalance:   0,
		DecisionLead: 6 * time.Second,
		SafetyMargin: 2 * time.Second,
		MaxAttempts:  3,
		RetryWait:    500 * time.Millisecond,
		Retention:    time.Hour,
	}
}
