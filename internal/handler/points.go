package handler

import (
	"context"
	"fmt"

	"github.com/rickgao/pointsminer/internal/pubsub"
)

// PointsHandler keeps the cached balance of each channel current.
type PointsHandler struct {
	deps Deps
}

// NewPointsHandler creates a PointsHandler.
func NewPointsHandler(deps Deps) *PointsHandler {
	return &PointsHandler{deps: deps.withDefaults("points")}
}

func (h *PointsHandler) Name() string { return "points" }

func (h *PointsHandler) Kinds() []pubsub.EventKind {
	return []pubsub.EventKind{pubsub.EventPointsEarned, pubsub.EventPointsSpent}
}

func (h *PointsHandler) Handle(ctx context.Context, ev pubsub.Event) error {
	var (
		bal    pubsub.Balance
		reason string
		gained int
	)
	switch p := ev.Payload.(type) {
	case pubsub.PointsEarned:
		bal = p.Balance
		reason = p.PointGain.ReasonCode
		gained = p.PointGain.TotalPoints
		if bal.ChannelID == "" {
			bal.ChannelID = p.ChannelID
		}
	case pubsub.PointsSpent:
		bal = p.Balance
		reason = "SPENT"
	default:
		return nil
	}

	prev, ok := h.deps.Streamers.SetBalance(bal.ChannelID, bal.Balance)
	if !ok {
		return nil
	}
	login := h.deps.Streamers.Login(bal.ChannelID)
	h.deps.Metrics.SetBalance(login, bal.Balance)

	if gained > 0 {
		h.deps.Logger.Debug("points earned",
			"streamer", login,
			"gained", gained,
			"reason", reason,
			"balance", bal.Balance,
		)
	}

	if h.deps.Recorder == nil {
		return nil
	}
	err := h.deps.Recorder.RecordBalance(ctx, BalanceRecord{
		ChannelID: bal.ChannelID,
		Balance:   bal.Balance,
		Delta:     bal.Balance - prev,
		Reason:    reason,
		At:        ev.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("record balance for %s: %w", login, err)
	}
	return nil
}
