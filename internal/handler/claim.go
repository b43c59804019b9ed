package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rickgao/pointsminer/internal/pubsub"
)

// maxSeenClaims bounds the replay filter.
const maxSeenClaims = 256

// ClaimHandler claims channel point bonuses as soon as they are available.
type ClaimHandler struct {
	deps Deps

	mu   sync.Mutex
	seen map[string]struct{}
	fifo []string
}

// NewClaimHandler creates a ClaimHandler. deps.Actions is required.
func NewClaimHandler(deps Deps) *ClaimHandler {
	return &ClaimHandler{
		deps: deps.withDefaults("claim"),
		seen: make(map[string]struct{}),
	}
}

func (h *ClaimHandler) Name() string { return "claim" }

func (h *ClaimHandler) Kinds() []pubsub.EventKind {
	return []pubsub.EventKind{pubsub.EventClaimAvailable, pubsub.EventClaimClaimed}
}

func (h *ClaimHandler) Handle(ctx context.Context, ev pubsub.Event) error {
	p, ok := ev.Payload.(pubsub.ClaimEvent)
	if !ok {
		return nil
	}
	claim := p.Claim

	st, tracked := h.deps.Streamers.Get(claim.ChannelID)
	if !tracked {
		h.deps.Logger.Debug("claim for untracked channel", "channel_id", claim.ChannelID)
		return nil
	}

	if ev.Kind == pubsub.EventClaimClaimed {
		// Claimed elsewhere or echo of our own claim.
		h.markSeen(claim.ID)
		return nil
	}

	if !st.Settings.ClaimBonus {
		h.deps.Metrics.IncClaims("skipped")
		return nil
	}
	if !h.markSeen(claim.ID) {
		return nil
	}

	if err := h.deps.Actions.ClaimBonus(ctx, claim.ChannelID, claim.ID); err != nil {
		h.forget(claim.ID)
		h.deps.Metrics.IncClaims("failed")
		return fmt.Errorf("claim bonus %s on %s: %w", claim.ID, st.Login, err)
	}

	h.deps.Metrics.IncClaims("claimed")
	h.deps.Notifier.Notify(ctx, Notification{
		Kind:     NotifyBonusClaimed,
		Streamer: st.Login,
		Message:  "bonus claimed",
		Fields:   map[string]any{"claim_id": claim.ID},
	})
	return nil
}

// markSeen records a claim ID and reports whether it was new.
func (h *ClaimHandler) markSeen(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.seen[id]; ok {
		return false
	}
	h.seen[id] = struct{}{}
	h.fifo = append(h.fifo, id)
	if len(h.fifo) > maxSeenClaims {
		delete(h.seen, h.fifo[0])
		h.fifo = h.fifo[1:]
	}
	return true
}

func (h *ClaimHandler) forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seen, id)
}
