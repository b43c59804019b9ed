package handler

import (
	"context"
	"log/slog"
)

// NotificationKind classifies a Notification.
type NotificationKind string

const (
	NotifyStreamUp     NotificationKind = "stream_up"
	NotifyStreamDown   NotificationKind = "stream_down"
	NotifyBonusClaimed NotificationKind = "bonus_claimed"
	NotifyRaidJoined   NotificationKind = "raid_joined"
	NotifyBetPlaced    NotificationKind = "bet_placed"
	NotifyBetResult    NotificationKind = "bet_result"
)

// Notification is an account event worth telling the user about.
type Notification struct {
	Kind     NotificationKind
	Streamer string
	Message  string
	Fields   map[string]any
}

// Notifier delivers notifications. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) {
	attrs := make([]any, 0, 4+2*len(note.Fields))
	attrs = append(attrs, "kind", string(note.Kind), "streamer", note.Streamer)
	for k, v := range note.Fields {
		attrs = append(attrs, k, v)
	}
	n.logger.InfoContext(ctx, note.Message, attrs...)
}
