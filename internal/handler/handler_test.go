package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/pointsminer/internal/pubsub"
)

type fakeActions struct {
	mu       sync.Mutex
	claims   []string
	raids    []string
	claimErr error
	raidErr  error
}

func (a *fakeActions) ClaimBonus(ctx context.Context, channelID, claimID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.claims = append(a.claims, channelID+"/"+claimID)
	return a.claimErr
}

func (a *fakeActions) JoinRaid(ctx context.Context, raidID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raids = append(a.raids, raidID)
	return a.raidErr
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *fakeNotifier) kinds() []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NotificationKind, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Kind)
	}
	return out
}

type fakeRecorder struct {
	recs []BalanceRecord
	err  error
}

func (r *fakeRecorder) RecordBalance(ctx context.Context, rec BalanceRecord) error {
	r.recs = append(r.recs, rec)
	return r.err
}

func testDeps() (Deps, *fakeActions, *fakeNotifier) {
	streamers := NewStreamers()
	streamers.Add("alpha", "100", DefaultSettings())
	streamers.Add("beta", "200", Settings{})
	actions := &fakeActions{}
	notifier := &fakeNotifier{}
	return Deps{Streamers: streamers, Actions: actions, Notifier: notifier}, actions, notifier
}

func claimEvent(kind pubsub.EventKind, channelID, claimID string) pubsub.Event {
	return pubsub.Event{
		Topic:   pubsub.NewTopic(pubsub.KindCommunityPoints, "999"),
		Kind:    kind,
		Payload: pubsub.ClaimEvent{Claim: pubsub.Claim{ID: claimID, ChannelID: channelID}},
	}
}

func TestClaimHandler_ClaimsOnce(t *testing.T) {
	deps, actions, notifier := testDeps()
	h := NewClaimHandler(deps)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, claimEvent(pubsub.EventClaimAvailable, "100", "c1")))
	require.NoError(t, h.Handle(ctx, claimEvent(pubsub.EventClaimAvailable, "100", "c1")))

	assert.Equal(t, []string{"100/c1"}, actions.claims)
	assert.Equal(t, []NotificationKind{NotifyBonusClaimed}, notifier.kinds())
}

func TestClaimHandler_SkipsDisabledAndUntracked(t *testing.T) {
	deps, actions, _ := testDeps()
	h := NewClaimHandler(deps)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, claimEvent(pubsub.EventClaimAvailable, "200", "c1")))
	require.NoError(t, h.Handle(ctx, claimEvent(pubsub.EventClaimAvailable, "300", "c2")))
	assert.Empty(t, actions.claims)
}

func TestClaimHandler_AlreadyClaimed(t *testing.T) {
	deps, actions, _ := testDeps()
	h := NewClaimHandler(deps)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, claimEvent(pubsub.EventClaimClaimed, "100", "c1")))
	require.NoError(t, h.Handle(ctx, claimEvent(pubsub.EventClaimAvailable, "100", "c1")))
	assert.Empty(t, actions.claims)
}

func TestClaimHandler_FailureAllowsRetry(t *testing.T) {
	deps, actions, _ := testDeps()
	actions.claimErr = errors.New("503")
	h := NewClaimHandler(deps)
	ctx := context.Background()

	err := h.Handle(ctx, claimEvent(pubsub.EventClaimAvailable, "100", "c1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha")

	actions.claimErr = nil
	require.NoError(t, h.Handle(ctx, claimEvent(pubsub.EventClaimAvailable, "100", "c1")))
	assert.Len(t, actions.claims, 2)
}

func TestClaimHandler_SeenIsBounded(t *testing.T) {
	deps, _, _ := testDeps()
	h := NewClaimHandler(deps)
	for i := 0; i < maxSeenClaims+10; i++ {
		h.markSeen(time.Duration(i).String())
	}
	assert.Len(t, h.seen, maxSeenClaims)
	assert.Len(t, h.fifo, maxSeenClaims)
}

func TestPointsHandler_UpdatesBalance(t *testing.T) {
	deps, _, _ := testDeps()
	rec := &fakeRecorder{}
	deps.Recorder = rec
	h := NewPointsHandler(deps)
	ctx := context.Background()

	deps.Streamers.SetBalance("100", 1000)

	err := h.Handle(ctx, pubsub.Event{
		Kind: pubsub.EventPointsEarned,
		Payload: pubsub.PointsEarned{
			ChannelID: "100",
			PointGain: pubsub.PointGain{TotalPoints: 50, ReasonCode: "CLAIM"},
			Balance:   pubsub.Balance{ChannelID: "100", Balance: 1050},
		},
	})
	require.NoError(t, err)

	bal, ok := deps.Streamers.Balance("100")
	require.True(t, ok)
	assert.Equal(t, 1050, bal)
	require.Len(t, rec.recs, 1)
	assert.Equal(t, 50, rec.recs[0].Delta)
	assert.Equal(t, "CLAIM", rec.recs[0].Reason)

	err = h.Handle(ctx, pubsub.Event{
		Kind:    pubsub.EventPointsSpent,
		Payload: pubsub.PointsSpent{Balance: pubsub.Balance{ChannelID: "100", Balance: 950}},
	})
	require.NoError(t, err)
	bal, _ = deps.Streamers.Balance("100")
	assert.Equal(t, 950, bal)
	assert.Equal(t, -100, rec.recs[1].Delta)
}

func TestPointsHandler_RecorderError(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Recorder = &fakeRecorder{err: errors.New("db down")}
	h := NewPointsHandler(deps)

	err := h.Handle(context.Background(), pubsub.Event{
		Kind:    pubsub.EventPointsSpent,
		Payload: pubsub.PointsSpent{Balance: pubsub.Balance{ChannelID: "100", Balance: 10}},
	})
	assert.Error(t, err)

	// Cache is still updated.
	bal, _ := deps.Streamers.Balance("100")
	assert.Equal(t, 10, bal)
}

func TestStreamHandler_NotifiesOnChange(t *testing.T) {
	deps, _, notifier := testDeps()
	h := NewStreamHandler(deps)
	ctx := context.Background()
	topic := pubsub.NewTopic(pubsub.KindVideoPlayback, "100")

	for _, kind := range []pubsub.EventKind{
		pubsub.EventStreamUp, pubsub.EventViewCount, pubsub.EventStreamUp, pubsub.EventStreamDown,
	} {
		require.NoError(t, h.Handle(ctx, pubsub.Event{Topic: topic, Kind: kind, ReceivedAt: time.Now()}))
	}

	assert.Equal(t, []NotificationKind{NotifyStreamUp, NotifyStreamDown}, notifier.kinds())
	st, _ := deps.Streamers.Get("100")
	assert.False(t, st.Online)
	assert.False(t, st.OnlineAt.IsZero())
}

func TestRaidHandler_JoinsOncePerRaid(t *testing.T) {
	deps, actions, notifier := testDeps()
	h := NewRaidHandler(deps)
	ctx := context.Background()

	update := func(channel, id string) pubsub.Event {
		return pubsub.Event{
			Topic:   pubsub.NewTopic(pubsub.KindRaid, channel),
			Kind:    pubsub.EventRaidUpdate,
			Payload: pubsub.RaidEvent{Raid: pubsub.Raid{ID: id, TargetLogin: "target"}},
		}
	}

	require.NoError(t, h.Handle(ctx, update("100", "r1")))
	require.NoError(t, h.Handle(ctx, update("100", "r1")))
	// beta does not follow raids
	require.NoError(t, h.Handle(ctx, update("200", "r2")))

	assert.Equal(t, []string{"r1"}, actions.raids)
	assert.Equal(t, []NotificationKind{NotifyRaidJoined}, notifier.kinds())

	require.NoError(t, h.Handle(ctx, pubsub.Event{
		Topic:   pubsub.NewTopic(pubsub.KindRaid, "100"),
		Kind:    pubsub.EventRaidGo,
		Payload: pubsub.RaidEvent{Raid: pubsub.Raid{ID: "r1"}},
	}))
	require.NoError(t, h.Handle(ctx, update("100", "r3")))
	assert.Equal(t, []string{"r1", "r3"}, actions.raids)
}

func TestRaidHandler_JoinFailure(t *testing.T) {
	deps, actions, _ := testDeps()
	actions.raidErr = errors.New("rejected")
	h := NewRaidHandler(deps)

	err := h.Handle(context.Background(), pubsub.Event{
		Topic:   pubsub.NewTopic(pubsub.KindRaid, "100"),
		Kind:    pubsub.EventRaidUpdate,
		Payload: pubsub.RaidEvent{Raid: pubsub.Raid{ID: "r1"}},
	})
	assert.Error(t, err)
	assert.Empty(t, h.joined)
}

func TestStreamers_Registry(t *testing.T) {
	s := NewStreamers()
	s.Add("b", "2", DefaultSettings())
	s.Add("a", "1", DefaultSettings())

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Login)

	_, ok := s.Balance("1")
	assert.False(t, ok, "balance unknown until set")

	s.Add("a2", "1", Settings{})
	st, _ := s.Get("1")
	assert.Equal(t, "a2", st.Login)
	assert.False(t, st.Settings.ClaimBonus)

	s.Remove("1")
	assert.Equal(t, "1", s.Login("1"))
}
