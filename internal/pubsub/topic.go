package pubsub

import (
	"fmt"
	"strings"
)

// Kind identifies the family of a PubSub topic.
type Kind string

const (
	KindCommunityPoints    Kind = "community-points-user-v1"
	KindVideoPlayback      Kind = "video-playback-by-id"
	KindRaid               Kind = "raid"
	KindPredictionsChannel Kind = "predictions-channel-v1"
	KindPredictionsUser    Kind = "predictions-user-v1"
)

// RequiresAuth reports whether LISTEN on this kind needs a user token.
func (k Kind) RequiresAuth() bool {
	switch k {
	case KindCommunityPoints, KindPredictionsUser:
		return true
	}
	return false
}

// Topic identifies one subscribable (kind, channel) stream.
// For user-scoped kinds ChannelID holds the user ID.
type Topic struct {
	Kind      Kind
	ChannelID string
}

// NewTopic returns the topic for kind on channelID.
func NewTopic(kind Kind, channelID string) Topic {
	return Topic{Kind: kind, ChannelID: channelID}
}

// String returns the wire form "<kind>.<id>".
func (t Topic) String() string {
	return string(t.Kind) + "." + t.ChannelID
}

// ParseTopic parses the wire form of a topic. Unknown kinds are kept verbatim.
func ParseTopic(s string) (Topic, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Topic{}, fmt.Errorf("invalid topic %q", s)
	}
	return Topic{Kind: Kind(s[:i]), ChannelID: s[i+1:]}, nil
}

// TopicStrings converts topics to their wire form.
func TopicStrings(topics []Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = t.String()
	}
	return out
}
