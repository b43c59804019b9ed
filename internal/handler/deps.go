package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rickgao/pointsminer/internal/metrics"
)

// Actions performs account actions on the platform.
type Actions interface {
	ClaimBonus(ctx context.Context, channelID, claimID string) error
	JoinRaid(ctx context.Context, raidID string) error
}

// BalanceRecord is one observed balance change.
type BalanceRecord struct {
	ChannelID string
	Balance   int
	Delta     int
	Reason    string
	At        time.Time
}

// BalanceRecorder persists balance history.
type BalanceRecorder interface {
	RecordBalance(ctx context.Context, rec BalanceRecord) error
}

// Deps are the collaborators shared by the handlers of one account.
type Deps struct {
	Streamers *Streamers
	Actions   Actions
	Notifier  Notifier
	Recorder  BalanceRecorder // optional
	Metrics   *metrics.Account
	Logger    *slog.Logger
}

func (d Deps) withDefaults(name string) Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("handler", name)
	if d.Notifier == nil {
		d.Notifier = NewLogNotifier(d.Logger)
	}
	if d.Streamers == nil {
		d.Streamers = NewStreamers()
	}
	return d
}
