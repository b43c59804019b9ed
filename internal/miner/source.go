package miner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rickgao/pointsminer/internal/api"
	"github.com/rickgao/pointsminer/internal/handler"
)

// Channel is one watched channel.
type Channel struct {
	Login     string
	ChannelID string
	Settings  handler.Settings
}

// ChannelSource lists the channels an account watches.
type ChannelSource interface {
	// Channels returns the resolvable channels. A non-nil error with a
	// non-empty list reports channels that were left out.
	Channels(ctx context.Context) ([]Channel, error)
}

// Resolver looks up the channel ID of a login. *api.Client implements it.
type Resolver interface {
	ChannelPointsContext(ctx context.Context, login string) (*api.ChannelContext, error)
}

// StaticSource serves a fixed channel list, resolving missing channel IDs
// once.
type StaticSource struct {
	entries  []Channel
	resolver Resolver

	mu    sync.Mutex
	cache map[string]string // login -> channel ID
}

// NewStaticSource creates a StaticSource. resolver may be nil when every
// entry has a channel ID.
func NewStaticSource(channels []Channel, resolver Resolver) *StaticSource {
	return &StaticSource{
		entries:  channels,
		resolver: resolver,
		cache:    make(map[string]string),
	}
}

func (s *StaticSource) Channels(ctx context.Context) ([]Channel, error) {
	out := make([]Channel, 0, len(s.entries))
	var errs []error

	for _, ch := range s.entries {
		if ch.ChannelID == "" {
			id, err := s.resolve(ctx, ch.Login)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			ch.ChannelID = id
		}
		out = append(out, ch)
	}
	return out, errors.Join(errs...)
}

func (s *StaticSource) resolve(ctx context.Context, login string) (string, error) {
	s.mu.Lock()
	id, ok := s.cache[login]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	if s.resolver == nil {
		return "", fmt.Errorf("resolve %s: no channel id and no resolver", login)
	}
	cc, err := s.resolver.ChannelPointsContext(ctx, login)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", login, err)
	}

	s.mu.Lock()
	s.cache[login] = cc.ChannelID
	s.mu.Unlock()
	return cc.ChannelID, nil
}
