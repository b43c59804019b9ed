package handler

import (
	"sort"
	"sync"
	"time"
)

// Settings are per-streamer reaction switches.
type Settings struct {
	ClaimBonus  bool `yaml:"claim_bonus"`
	FollowRaids bool `yaml:"follow_raids"`
	Predictions bool `yaml:"predictions"`
}

// DefaultSettings enables every reaction.
func DefaultSettings() Settings {
	return Settings{ClaimBonus: true, FollowRaids: true, Predictions: true}
}

// Streamer is the tracked state of one channel.
type Streamer struct {
	Login      string
	ChannelID  string
	Settings   Settings
	Online     bool
	OnlineAt   time.Time
	OfflineAt  time.Time
	Balance    int
	BalanceSet bool
}

// Streamers is the per-account registry of tracked channels, keyed by
// channel ID. Getters return copies.
type Streamers struct {
	mu   sync.RWMutex
	byID map[string]*Streamer
}

// NewStreamers creates an empty registry.
func NewStreamers() *Streamers {
	return &Streamers{byID: make(map[string]*Streamer)}
}

// Add tracks a channel, or updates login and settings if already tracked.
func (s *Streamers) Add(login, channelID string, settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.byID[channelID]; ok {
		st.Login = login
		st.Settings = settings
		return
	}
	s.byID[channelID] = &Streamer{Login: login, ChannelID: channelID, Settings: settings}
}

// Remove stops tracking a channel.
func (s *Streamers) Remove(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, channelID)
}

// Get returns a copy of the streamer state.
func (s *Streamers) Get(channelID string) (Streamer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.byID[channelID]
	if !ok {
		return Streamer{}, false
	}
	return *st, true
}

// List returns all streamers sorted by login.
func (s *Streamers) List() []Streamer {
	s.mu.RLock()
	out := make([]Streamer, 0, len(s.byID))
	for _, st := range s.byID {
		out = append(out, *st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

// SetOnline records the stream state and reports whether it changed.
func (s *Streamers) SetOnline(channelID string, online bool, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byID[channelID]
	if !ok || st.Online == online {
		return false
	}
	st.Online = online
	if online {
		st.OnlineAt = at
	} else {
		st.OfflineAt = at
	}
	return true
}

// SetBalance records the balance and returns the previous one.
func (s *Streamers) SetBalance(channelID string, balance int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byID[channelID]
	if !ok {
		return 0, false
	}
	prev := st.Balance
	st.Balance = balance
	st.BalanceSet = true
	return prev, true
}

// Balance returns the cached balance of a channel.
func (s *Streamers) Balance(channelID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.byID[channelID]
	if !ok || !st.BalanceSet {
		return 0, false
	}
	return st.Balance, true
}

// Login returns the login of a channel, or the channel ID if unknown.
func (s *Streamers) Login(channelID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.byID[channelID]; ok && st.Login != "" {
		return st.Login
	}
	return channelID
}
