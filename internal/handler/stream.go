package handler

import (
	"context"

	"github.com/rickgao/pointsminer/internal/pubsub"
)

// StreamHandler tracks whether each channel is live.
type StreamHandler struct {
	deps Deps
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(deps Deps) *StreamHandler {
	return &StreamHandler{deps: deps.withDefaults("stream")}
}

func (h *StreamHandler) Name() string { return "stream" }

func (h *StreamHandler) Kinds() []pubsub.EventKind {
	return []pubsub.EventKind{pubsub.EventStreamUp, pubsub.EventStreamDown, pubsub.EventViewCount}
}

func (h *StreamHandler) Handle(ctx context.Context, ev pubsub.Event) error {
	channelID := ev.Topic.ChannelID

	// viewcount is only sent while live.
	online := ev.Kind != pubsub.EventStreamDown
	if !h.deps.Streamers.SetOnline(channelID, online, ev.ReceivedAt) {
		return nil
	}

	kind, msg := NotifyStreamUp, "streamer online"
	if !online {
		kind, msg = NotifyStreamDown, "streamer offline"
	}
	h.deps.Notifier.Notify(ctx, Notification{
		Kind:     kind,
		Streamer: h.deps.Streamers.Login(channelID),
		Message:  msg,
	})
	return nil
}
