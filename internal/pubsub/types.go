package pubsub

import (
	"encoding/json"
	"time"
)

// FrameType is the top-level "type" of a PubSub frame.
type FrameType string

const (
	FrameListen    FrameType = "LISTEN"
	FrameUnlisten  FrameType = "UNLISTEN"
	FramePing      FrameType = "PING"
	FramePong      FrameType = "PONG"
	FrameResponse  FrameType = "RESPONSE"
	FrameMessage   FrameType = "MESSAGE"
	FrameReconnect FrameType = "RECONNECT"
)

// EventKind is the message type carried inside a MESSAGE frame.
// Handlers register against event kinds.
type EventKind string

const (
	// community-points-user-v1
	EventPointsEarned   EventKind = "points-earned"
	EventPointsSpent    EventKind = "points-spent"
	EventClaimAvailable EventKind = "claim-available"
	EventClaimClaimed   EventKind = "claim-claimed"

	// video-playback-by-id
	EventStreamUp   EventKind = "stream-up"
	EventStreamDown EventKind = "stream-down"
	EventViewCount  EventKind = "viewcount"

	// raid
	EventRaidUpdate EventKind = "raid_update_v2"
	EventRaidGo     EventKind = "raid_go_v2"
	EventRaidCancel EventKind = "raid_cancel_v2"

	// predictions-channel-v1
	EventPredictionCreated EventKind = "event-created"
	EventPredictionUpdated EventKind = "event-updated"

	// predictions-user-v1
	EventPredictionMade   EventKind = "prediction-made"
	EventPredictionResult EventKind = "prediction-result"
)

// Request is an outbound control frame.
type Request struct {
	Type  FrameType    `json:"type"`
	Nonce string       `json:"nonce,omitempty"`
	Data  *RequestData `json:"data,omitempty"`
}

// RequestData carries the topics of a LISTEN/UNLISTEN request.
type RequestData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

// Inbound is a decoded server frame.
type Inbound struct {
	Type FrameType

	// RESPONSE fields
	Nonce string
	Error string

	// MESSAGE fields
	Topic   Topic
	Message Message
}

// Message is the typed content of a MESSAGE frame.
type Message struct {
	Kind    EventKind
	Payload any // one of the payload types below, or Unrecognized
}

// Event is a decoded MESSAGE frame as delivered to handlers.
type Event struct {
	Topic      Topic
	Kind       EventKind
	Payload    any
	ConnID     int
	Seq        uint64    // per-connection arrival sequence
	ReceivedAt time.Time // local receive timestamp
}

// Wire types for JSON parsing

type inboundWire struct {
	Type  FrameType    `json:"type"`
	Nonce string       `json:"nonce"`
	Error string       `json:"error"`
	Data  *messageWire `json:"data"`
}

type messageWire struct {
	Topic   string `json:"topic"`
	Message string `json:"message"` // JSON-encoded string
}

type messageEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Unrecognized is the payload of message types this codec does not know.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

// Balance is a channel points balance snapshot.
type Balance struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Balance   int    `json:"balance"`
}

// PointGain describes points earned by the user.
type PointGain struct {
	UserID         string `json:"user_id"`
	ChannelID      string `json:"channel_id"`
	TotalPoints    int    `json:"total_points"`
	BaselinePoints int    `json:"baseline_points"`
	ReasonCode     string `json:"reason_code"`
}

// PointsEarned is the payload of points-earned.
type PointsEarned struct {
	Timestamp time.Time `json:"timestamp"`
	ChannelID string    `json:"channel_id"`
	PointGain PointGain `json:"point_gain"`
	Balance   Balance   `json:"balance"`
}

// PointsSpent is the payload of points-spent.
type PointsSpent struct {
	Timestamp time.Time `json:"timestamp"`
	Balance   Balance   `json:"balance"`
}

// Claim is a bonus claim.
type Claim struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	ChannelID string     `json:"channel_id"`
	PointGain *PointGain `json:"point_gain"`
	CreatedAt time.Time  `json:"created_at"`
}

// ClaimEvent is the payload of claim-available and claim-claimed.
type ClaimEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Claim     Claim     `json:"claim"`
}

// StreamState is the payload of stream-up, stream-down and viewcount.
type StreamState struct {
	ServerTime float64 `json:"server_time"`
	PlayDelay  int     `json:"play_delay"`
	Viewers    int     `json:"viewers"`
}

// Raid describes an outgoing raid of a channel.
type Raid struct {
	ID                string `json:"id"`
	CreatorID         string `json:"creator_id"`
	SourceID          string `json:"source_id"`
	TargetID          string `json:"target_id"`
	TargetLogin       string `json:"target_login"`
	TargetDisplayName string `json:"target_display_name"`
	ForceRaidNowSecs  int    `json:"force_raid_now_seconds"`
	ViewerCount       int    `json:"viewer_count"`
}

// RaidEvent is the payload of raid messages.
type RaidEvent struct {
	Raid Raid `json:"raid"`
}

// Prediction event statuses as sent by the server.
const (
	PredictionActive         = "ACTIVE"
	PredictionLocked         = "LOCKED"
	PredictionResolvePending = "RESOLVE_PENDING"
	PredictionResolved       = "RESOLVED"
	PredictionCancelPending  = "CANCEL_PENDING"
	PredictionCanceled       = "CANCELED"
)

// Outcome is one outcome of a prediction event.
type Outcome struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Color       string `json:"color"`
	TotalPoints int    `json:"total_points"`
	TotalUsers  int    `json:"total_users"`
}

// PredictionEvent is a channel prediction window.
type PredictionEvent struct {
	ID                      string     `json:"id"`
	ChannelID               string     `json:"channel_id"`
	Title                   string     `json:"title"`
	Status                  string     `json:"status"`
	CreatedAt               time.Time  `json:"created_at"`
	LockedAt                *time.Time `json:"locked_at"`
	EndedAt                 *time.Time `json:"ended_at"`
	PredictionWindowSeconds int        `json:"prediction_window_seconds"`
	Outcomes                []Outcome  `json:"outcomes"`
	WinningOutcomeID        string     `json:"winning_outcome_id"`
}

// LockDeadline returns the time after which no bet is accepted.
func (e PredictionEvent) LockDeadline() time.Time {
	return e.CreatedAt.Add(time.Duration(e.PredictionWindowSeconds) * time.Second)
}

// PredictionUpdate is the payload of event-created and event-updated.
type PredictionUpdate struct {
	Timestamp time.Time       `json:"timestamp"`
	Event     PredictionEvent `json:"event"`
}

// Prediction result types.
const (
	ResultWin    = "WIN"
	ResultLose   = "LOSE"
	ResultRefund = "REFUND"
)

// PredictionResult is the result attached to a user prediction.
type PredictionResult struct {
	Type      string `json:"type"`
	PointsWon int    `json:"points_won"`
}

// UserPrediction is a prediction placed by the user.
type UserPrediction struct {
	ID          string            `json:"id"`
	EventID     string            `json:"event_id"`
	OutcomeID   string            `json:"outcome_id"`
	ChannelID   string            `json:"channel_id"`
	Points      int               `json:"points"`
	PredictedAt time.Time         `json:"predicted_at"`
	Result      *PredictionResult `json:"result"`
}

// UserPredictionUpdate is the payload of prediction-made and prediction-result.
type UserPredictionUpdate struct {
	Timestamp  time.Time      `json:"timestamp"`
	Prediction UserPrediction `json:"prediction"`
}
