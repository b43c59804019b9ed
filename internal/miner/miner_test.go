package miner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/pointsminer/internal/api"
	"github.com/rickgao/pointsminer/internal/connection"
	"github.com/rickgao/pointsminer/internal/handler"
	"github.com/rickgao/pointsminer/internal/pubsub"
)

// memConn is an in-memory connection.Conn.
type memConn struct {
	id int

	mu     sync.Mutex
	state  connection.State
	topics map[pubsub.Topic]struct{}

	events    chan pubsub.Event
	lifecycle chan connection.StateChange
	closeOnce sync.Once
}

func (c *memConn) ID() int { return c.id }

func (c *memConn) Start(ctx context.Context) error {
	c.mu.Lock()
	c.state = connection.StateOpen
	c.mu.Unlock()
	return nil
}

func (c *memConn) Listen(ctx context.Context, topics ...pubsub.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	return nil
}

func (c *memConn) Unlisten(ctx context.Context, topics ...pubsub.Topic) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	return nil
}

func (c *memConn) Topics() []pubsub.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pubsub.Topic, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *memConn) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

func (c *memConn) Healthy() bool { return c.State() == connection.StateOpen }

func (c *memConn) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *memConn) Events() <-chan pubsub.Event { return c.events }

func (c *memConn) Lifecycle() <-chan connection.StateChange { return c.lifecycle }

func (c *memConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = connection.StateClosed
		c.mu.Unlock()
		close(c.events)
		close(c.lifecycle)
	})
	return nil
}

type memDialer struct {
	mu    sync.Mutex
	conns []*memConn
}

func (d *memDialer) dial(id int, cfg connection.ConnConfig, logger *slog.Logger) connection.Conn {
	c := &memConn{
		id:        id,
		state:     connection.StateConnecting,
		topics:    make(map[pubsub.Topic]struct{}),
		events:    make(chan pubsub.Event, 16),
		lifecycle: make(chan connection.StateChange, 4),
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

func (d *memDialer) first() *memConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[0]
}

type claimCall struct{ channelID, claimID string }

type fakeActions struct {
	claims chan claimCall
}

func newFakeActions() *fakeActions {
	return &fakeActions{claims: make(chan claimCall, 8)}
}

func (a *fakeActions) ClaimBonus(ctx context.Context, channelID, claimID string) error {
	a.claims <- claimCall{channelID, claimID}
	return nil
}

func (a *fakeActions) JoinRaid(ctx context.Context, raidID string) error { return nil }

type noopPlacer struct{}

func (noopPlacer) PlaceBet(ctx context.Context, eventID, outcomeID string, amount int, txID string) error {
	return nil
}

// listSource is a ChannelSource whose list can be swapped between refreshes.
type listSource struct {
	mu       sync.Mutex
	channels []Channel
	err      error
}

func (s *listSource) set(channels ...Channel) {
	s.mu.Lock()
	s.channels = channels
	s.mu.Unlock()
}

func (s *listSource) Channels(ctx context.Context) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Channel(nil), s.channels...), s.err
}

func channel(login, id string, raids, predictions bool) Channel {
	return Channel{
		Login:     login,
		ChannelID: id,
		Settings:  handler.Settings{ClaimBonus: true, FollowRaids: raids, Predictions: predictions},
	}
}

func newTestAccount(t *testing.T, src ChannelSource, actions handler.Actions) (*Account, *memDialer) {
	t.Helper()
	dialer := &memDialer{}
	cfg := Config{
		Name:            "viewer",
		UserID:          "42",
		Pool:            connection.DefaultPoolConfig(),
		RefreshInterval: time.Hour,
	}
	cfg.Pool.EventBufferSize = 16
	a := NewAccount(cfg, Deps{
		Actions: actions,
		Placer:  noopPlacer{},
		Source:  src,
		Dialer:  dialer.dial,
	}, nil)
	return a, dialer
}

func stopAccount(t *testing.T, a *Account) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

func TestAccount_StartSubscribesTopics(t *testing.T) {
	src := &listSource{}
	src.set(
		channel("alpha", "100", true, true),
		channel("beta", "200", false, false),
	)
	a, _ := newTestAccount(t, src, newFakeActions())

	require.NoError(t, a.Start(context.Background()))
	defer stopAccount(t, a)

	want := []pubsub.Topic{
		pubsub.NewTopic(pubsub.KindCommunityPoints, "42"),
		pubsub.NewTopic(pubsub.KindPredictionsUser, "42"),
		pubsub.NewTopic(pubsub.KindVideoPlayback, "100"),
		pubsub.NewTopic(pubsub.KindRaid, "100"),
		pubsub.NewTopic(pubsub.KindPredictionsChannel, "100"),
		pubsub.NewTopic(pubsub.KindVideoPlayback, "200"),
	}
	for _, topic := range want {
		assert.True(t, a.pool.Subscribed(topic), "topic %s", topic)
	}
	assert.Equal(t, len(want), a.Status().Pool.Topics)
	assert.False(t, a.pool.Subscribed(pubsub.NewTopic(pubsub.KindRaid, "200")))

	streamers := a.Streamers().List()
	require.Len(t, streamers, 2)
	assert.Equal(t, "alpha", streamers[0].Login)
}

func TestAccount_RefreshSyncsTopics(t *testing.T) {
	src := &listSource{}
	src.set(
		channel("alpha", "100", true, false),
		channel("beta", "200", false, false),
	)
	a, _ := newTestAccount(t, src, newFakeActions())
	require.NoError(t, a.Start(context.Background()))
	defer stopAccount(t, a)

	// beta leaves, gamma joins, alpha stops following raids.
	src.set(
		channel("alpha", "100", false, false),
		channel("gamma", "300", false, true),
	)
	require.NoError(t, a.Refresh(context.Background()))

	assert.False(t, a.pool.Subscribed(pubsub.NewTopic(pubsub.KindVideoPlayback, "200")))
	assert.False(t, a.pool.Subscribed(pubsub.NewTopic(pubsub.KindRaid, "100")))
	assert.True(t, a.pool.Subscribed(pubsub.NewTopic(pubsub.KindVideoPlayback, "300")))
	assert.True(t, a.pool.Subscribed(pubsub.NewTopic(pubsub.KindPredictionsChannel, "300")))
	assert.True(t, a.pool.Subscribed(pubsub.NewTopic(pubsub.KindCommunityPoints, "42")))

	_, ok := a.Streamers().Get("200")
	assert.False(t, ok, "beta should be removed")
	st, ok := a.Streamers().Get("100")
	require.True(t, ok)
	assert.False(t, st.Settings.FollowRaids)
}

func TestAccount_RefreshSourceFailure(t *testing.T) {
	src := &listSource{err: errors.New("directory down")}
	a, _ := newTestAccount(t, src, newFakeActions())
	require.NoError(t, a.Start(context.Background()))
	defer stopAccount(t, a)

	err := a.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory down")
	assert.Zero(t, a.Status().Pool.Topics, "nothing subscribed without a channel list")
}

func TestAccount_DispatchesPoolEvents(t *testing.T) {
	src := &listSource{}
	src.set(channel("alpha", "100", false, false))
	actions := newFakeActions()
	a, dialer := newTestAccount(t, src, actions)
	require.NoError(t, a.Start(context.Background()))
	defer stopAccount(t, a)

	dialer.first().events <- pubsub.Event{
		Topic: pubsub.NewTopic(pubsub.KindCommunityPoints, "42"),
		Kind:  pubsub.EventClaimAvailable,
		Payload: pubsub.ClaimEvent{
			Claim: pubsub.Claim{ID: "claim-1", ChannelID: "100"},
		},
		ReceivedAt: time.Now(),
	}

	select {
	case call := <-actions.claims:
		assert.Equal(t, claimCall{"100", "claim-1"}, call)
	case <-time.After(2 * time.Second):
		t.Fatal("claim was not made")
	}
}

func TestAccount_HandleContext(t *testing.T) {
	src := &listSource{}
	src.set(channel("alpha", "100", false, false))
	actions := newFakeActions()
	a, _ := newTestAccount(t, src, actions)
	require.NoError(t, a.Start(context.Background()))
	defer stopAccount(t, a)

	err := a.handleContext(context.Background(), api.ChannelContext{
		Login:     "alpha",
		ChannelID: "100",
		Balance:   1234,
		ClaimID:   "claim-9",
	})
	require.NoError(t, err)

	balance, ok := a.Streamers().Balance("100")
	require.True(t, ok)
	assert.Equal(t, 1234, balance)

	select {
	case call := <-actions.claims:
		assert.Equal(t, "claim-9", call.claimID)
	case <-time.After(2 * time.Second):
		t.Fatal("polled claim was not made")
	}

	// Untracked channels are ignored.
	require.NoError(t, a.handleContext(context.Background(), api.ChannelContext{ChannelID: "999", Balance: 5}))
	_, ok = a.Streamers().Balance("999")
	assert.False(t, ok)
}

type fakeResolver struct {
	mu    sync.Mutex
	calls map[string]int
	ids   map[string]string
}

func (r *fakeResolver) ChannelPointsContext(ctx context.Context, login string) (*api.ChannelContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[login]++
	id, ok := r.ids[login]
	if !ok {
		return nil, api.ErrChannelNotFound
	}
	return &api.ChannelContext{Login: login, ChannelID: id}, nil
}

func TestStaticSource(t *testing.T) {
	res := &fakeResolver{
		calls: make(map[string]int),
		ids:   map[string]string{"alpha": "100"},
	}
	src := NewStaticSource([]Channel{
		{Login: "alpha"},
		{Login: "beta", ChannelID: "200"},
		{Login: "ghost"},
	}, res)

	for i := 0; i < 2; i++ {
		channels, err := src.Channels(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, api.ErrChannelNotFound)
		require.Len(t, channels, 2)
		assert.Equal(t, "100", channels[0].ChannelID)
		assert.Equal(t, "200", channels[1].ChannelID)
	}

	assert.Equal(t, 1, res.calls["alpha"], "resolved IDs are cached")
	assert.Equal(t, 2, res.calls["ghost"], "failures are retried")
	assert.Zero(t, res.calls["beta"])
}

func TestStaticSourceWithoutResolver(t *testing.T) {
	src := NewStaticSource([]Channel{{Login: "alpha"}}, nil)
	channels, err := src.Channels(context.Background())
	assert.Empty(t, channels)
	assert.Error(t, err)
}

func TestMiner_StartStopHealth(t *testing.T) {
	src := &listSource{}
	src.set(channel("alpha", "100", false, false))
	a, _ := newTestAccount(t, src, newFakeActions())
	m := New(nil, a)

	require.NoError(t, m.Start(context.Background()))

	details, err := m.Health(context.Background())
	require.NoError(t, err)
	acct, ok := details["viewer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, acct["topics"])
	assert.Equal(t, 1, acct["healthy"])

	statuses := m.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "viewer", statuses[0].Name)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
}

func TestAccount_StartFailureRollsBack(t *testing.T) {
	src := &listSource{}
	src.set(channel("alpha", "100", false, false))
	a, _ := newTestAccount(t, src, newFakeActions())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.pool.Stop(ctx))

	err := a.Start(context.Background())
	require.ErrorIs(t, err, connection.ErrPoolStopped)
	assert.ErrorIs(t, a.ctx.Err(), context.Canceled)
	assert.Empty(t, a.Streamers().List())
}

func TestMiner_StartFailureStopsAccounts(t *testing.T) {
	src := &listSource{}
	src.set(channel("alpha", "100", false, false))
	good, _ := newTestAccount(t, src, newFakeActions())
	bad, _ := newTestAccount(t, src, newFakeActions())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bad.pool.Stop(ctx))

	m := New(nil, good, bad)
	err := m.Start(context.Background())
	require.ErrorIs(t, err, connection.ErrPoolStopped)

	assert.ErrorIs(t, bad.ctx.Err(), context.Canceled)
	// good may not have started before the group was cancelled.
	if good.ctx != nil {
		assert.ErrorIs(t, good.ctx.Err(), context.Canceled)
		assert.Zero(t, good.Status().Pool.Connections)
	}
	assert.NoError(t, m.Stop(ctx))
}

func TestMiner_NoAccounts(t *testing.T) {
	assert.ErrorIs(t, New(nil).Start(context.Background()), ErrNoAccounts)
}
