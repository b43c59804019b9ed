package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rickgao/pointsminer/internal/pubsub"
)

// RaidHandler joins outgoing raids of tracked channels.
type RaidHandler struct {
	deps Deps

	mu     sync.Mutex
	joined map[string]string // source channel -> raid ID
}

// NewRaidHandler creates a RaidHandler. deps.Actions is required.
func NewRaidHandler(deps Deps) *RaidHandler {
	return &RaidHandler{
		deps:   deps.withDefaults("raid"),
		joined: make(map[string]string),
	}
}

func (h *RaidHandler) Name() string { return "raid" }

func (h *RaidHandler) Kinds() []pubsub.EventKind {
	return []pubsub.EventKind{pubsub.EventRaidUpdate, pubsub.EventRaidGo, pubsub.EventRaidCancel}
}

func (h *RaidHandler) Handle(ctx context.Context, ev pubsub.Event) error {
	p, ok := ev.Payload.(pubsub.RaidEvent)
	if !ok {
		return nil
	}
	raid := p.Raid
	source := ev.Topic.ChannelID

	if ev.Kind != pubsub.EventRaidUpdate {
		// Raid went out or was cancelled.
		h.mu.Lock()
		delete(h.joined, source)
		h.mu.Unlock()
		return nil
	}

	st, tracked := h.deps.Streamers.Get(source)
	if !tracked || !st.Settings.FollowRaids {
		return nil
	}

	h.mu.Lock()
	if h.joined[source] == raid.ID {
		h.mu.Unlock()
		return nil
	}
	h.joined[source] = raid.ID
	h.mu.Unlock()

	if err := h.deps.Actions.JoinRaid(ctx, raid.ID); err != nil {
		h.mu.Lock()
		delete(h.joined, source)
		h.mu.Unlock()
		return fmt.Errorf("join raid %s from %s: %w", raid.ID, st.Login, err)
	}

	h.deps.Metrics.IncRaids()
	h.deps.Notifier.Notify(ctx, Notification{
		Kind:     NotifyRaidJoined,
		Streamer: st.Login,
		Message:  "joined raid",
		Fields:   map[string]any{"raid_id": raid.ID, "target": raid.TargetLogin},
	})
	return nil
}
