package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Errors
var (
	ErrEmptyFrame = errors.New("empty frame")
	ErrNoTopics   = errors.New("no topics")
)

// ListenError is a RESPONSE carrying a non-empty error (ERR_BADAUTH, ERR_BADTOPIC, ...).
type ListenError struct {
	Nonce  string
	Reason string
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("listen rejected: %s (nonce %s)", e.Reason, e.Nonce)
}

// NewNonce returns a fresh correlation token for a control frame.
func NewNonce() string {
	return uuid.NewString()
}

// EncodeListen builds a LISTEN frame for topics. The nonce is returned so the
// caller can match the server RESPONSE.
func EncodeListen(topics []Topic, authToken string) ([]byte, string, error) {
	return encodeTopics(FrameListen, topics, authToken)
}

// EncodeUnlisten builds an UNLISTEN frame for topics.
func EncodeUnlisten(topics []Topic) ([]byte, string, error) {
	return encodeTopics(FrameUnlisten, topics, "")
}

// EncodePing builds a PING frame.
func EncodePing() []byte {
	data, _ := json.Marshal(Request{Type: FramePing})
	return data
}

func encodeTopics(typ FrameType, topics []Topic, authToken string) ([]byte, string, error) {
	if len(topics) == 0 {
		return nil, "", ErrNoTopics
	}
	nonce := NewNonce()
	req := Request{
		Type:  typ,
		Nonce: nonce,
		Data: &RequestData{
			Topics:    TopicStrings(topics),
			AuthToken: authToken,
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal %s: %w", typ, err)
	}
	return data, nonce, nil
}

// Decode parses a raw server frame.
//
// A frame that is not valid JSON is a parse error. Frames of unknown type and
// messages of unknown kind are returned with an Unrecognized payload.
func Decode(data []byte) (Inbound, error) {
	if len(data) == 0 {
		return Inbound{}, ErrEmptyFrame
	}

	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}

	in := Inbound{Type: wire.Type, Nonce: wire.Nonce, Error: wire.Error}

	switch wire.Type {
	case FrameResponse, FramePong, FrameReconnect:
		return in, nil
	case FrameMessage:
		if wire.Data == nil {
			return Inbound{}, errors.New("decode frame: MESSAGE without data")
		}
		topic, err := ParseTopic(wire.Data.Topic)
		if err != nil {
			return Inbound{}, fmt.Errorf("decode frame: %w", err)
		}
		msg, err := DecodeMessage(topic.Kind, []byte(wire.Data.Message))
		if err != nil {
			return Inbound{}, fmt.Errorf("decode %s message: %w", topic, err)
		}
		in.Topic = topic
		in.Message = msg
		return in, nil
	default:
		in.Message = Message{
			Kind:    EventKind(wire.Type),
			Payload: Unrecognized{Type: string(wire.Type), Raw: json.RawMessage(data)},
		}
		return in, nil
	}
}

// DecodeMessage parses the JSON body of a MESSAGE frame for a topic kind.
func DecodeMessage(kind Kind, body []byte) (Message, error) {
	var env messageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Message{}, err
	}

	evKind := EventKind(env.Type)
	payload, known := newPayload(kind, evKind)
	if !known {
		return Message{
			Kind:    evKind,
			Payload: Unrecognized{Type: env.Type, Raw: json.RawMessage(body)},
		}, nil
	}

	// points and predictions nest their payload under "data"; playback and
	// raid messages are flat.
	src := body
	if len(env.Data) > 0 && kind != KindVideoPlayback && kind != KindRaid {
		src = env.Data
	}
	if err := json.Unmarshal(src, payload); err != nil {
		return Message{}, err
	}

	return Message{Kind: evKind, Payload: deref(payload)}, nil
}

// newPayload returns a pointer to the payload type of (kind, event).
func newPayload(kind Kind, ev EventKind) (any, bool) {
	switch kind {
	case KindCommunityPoints:
		switch ev {
		case EventPointsEarned:
			return &PointsEarned{}, true
		case EventPointsSpent:
			return &PointsSpent{}, true
		case EventClaimAvailable, EventClaimClaimed:
			return &ClaimEvent{}, true
		}
	case KindVideoPlayback:
		switch ev {
		case EventStreamUp, EventStreamDown, EventViewCount:
			return &StreamState{}, true
		}
	case KindRaid:
		switch ev {
		case EventRaidUpdate, EventRaidGo, EventRaidCancel:
			return &RaidEvent{}, true
		}
	case KindPredictionsChannel:
		switch ev {
		case EventPredictionCreated, EventPredictionUpdated:
			return &PredictionUpdate{}, true
		}
	case KindPredictionsUser:
		switch ev {
		case EventPredictionMade, EventPredictionResult:
			return &UserPredictionUpdate{}, true
		}
	}
	return nil, false
}

func deref(p any) any {
	switch v := p.(type) {
	case *PointsEarned:
		return *v
	case *PointsSpent:
		return *v
	case *ClaimEvent:
		return *v
	case *StreamState:
		return *v
	case *RaidEvent:
		return *v
	case *PredictionUpdate:
		return *v
	case *UserPredictionUpdate:
		return *v
	}
	return p
}
