package miner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/pointsminer/internal/api"
	"github.com/rickgao/pointsminer/internal/connection"
	"github.com/rickgao/pointsminer/internal/dispatch"
	"github.com/rickgao/pointsminer/internal/handler"
	"github.com/rickgao/pointsminer/internal/metrics"
	"github.com/rickgao/pointsminer/internal/poller"
	"github.com/rickgao/pointsminer/internal/prediction"
	"github.com/rickgao/pointsminer/internal/pubsub"
)

// abortTimeout bounds the cleanup after a failed Start.
const abortTimeout = 10 * time.Second

// Config holds the settings of one account.
type Config struct {
	Name            string
	UserID          string
	Pool            connection.PoolConfig
	Dispatch        dispatch.Config
	Prediction      prediction.Config
	Poller          poller.Config
	RefreshInterval time.Duration // channel list refresh
	SyncConcurrency int           // parallel subscribes during a refresh
}

// Deps are the collaborators of an account.
type Deps struct {
	Actions  handler.Actions      // required
	Placer   prediction.BetPlacer // required
	Source   ChannelSource        // required
	Contexts poller.Fetcher       // optional; enables the context poller

	Notifier    handler.Notifier        // optional
	Balances    handler.BalanceRecorder // optional
	Predictions prediction.Recorder     // optional
	Metrics     *metrics.Account        // optional
	Dialer      connection.Dialer       // optional
}

// Status is a snapshot of an account.
type Status struct {
	Name        string                `json:"name"`
	Pool        connection.Status     `json:"pool"`
	Dispatch    dispatch.Stats        `json:"dispatch"`
	Streamers   []handler.Streamer    `json:"streamers"`
	Predictions []prediction.Snapshot `json:"predictions"`
}

type kindsHandler interface {
	dispatch.Handler
	Kinds() []pubsub.EventKind
}

// Account runs the miner for one account.
type Account struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Account

	streamers  *handler.Streamers
	pool       *connection.Pool
	dispatcher *dispatch.Dispatcher
	engine     *prediction.Engine
	poller     *poller.Poller

	refreshMu  sync.Mutex
	subscribed map[pubsub.Topic]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAccount wires an account. Nothing runs until Start.
func NewAccount(cfg Config, deps Deps, logger *slog.Logger) *Account {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("account", cfg.Name)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	if cfg.SyncConcurrency < 1 {
		cfg.SyncConcurrency = 8
	}

	a := &Account{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		metrics:    deps.Metrics,
		streamers:  handler.NewStreamers(),
		subscribed: make(map[pubsub.Topic]struct{}),
	}

	poolOpts := []connection.PoolOption{connection.WithMetrics(deps.Metrics)}
	if deps.Dialer != nil {
		poolOpts = append(poolOpts, connection.WithDialer(deps.Dialer))
	}
	a.pool = connection.NewPool(cfg.Pool, logger, poolOpts...)
	a.dispatcher = dispatch.New(cfg.Dispatch, logger, deps.Metrics)

	hdeps := handler.Deps{
		Streamers: a.streamers,
		Actions:   deps.Actions,
		Notifier:  deps.Notifier,
		Recorder:  deps.Balances,
		Metrics:   deps.Metrics,
		Logger:    logger,
	}

	engineOpts := []prediction.Option{prediction.WithMetrics(deps.Metrics)}
	if deps.Notifier != nil {
		engineOpts = append(engineOpts, prediction.WithNotifier(deps.Notifier))
	}
	if deps.Predictions != nil {
		engineOpts = append(engineOpts, prediction.WithRecorder(deps.Predictions))
	}
	a.engine = prediction.NewEngine(cfg.Prediction, deps.Placer, a.streamers, logger, engineOpts...)

	for _, h := range []kindsHandler{
		handler.NewClaimHandler(hdeps),
		handler.NewPointsHandler(hdeps),
		handler.NewStreamHandler(hdeps),
		handler.NewRaidHandler(hdeps),
		a.engine,
	} {
		a.dispatcher.RegisterKinds(h, h.Kinds()...)
	}

	if deps.Contexts != nil {
		a.poller = poller.New(cfg.Poller, deps.Contexts, a.streamers,
			poller.ContextHandlerFunc(a.handleContext), logger)
	}

	return a
}

// Name returns the account name.
func (a *Account) Name() string { return a.cfg.Name }

// Streamers returns the account's streamer registry.
func (a *Account) Streamers() *handler.Streamers { return a.streamers }

// Start starts the pool and dispatcher, subscribes the user topics and the
// initial channel list, then refreshes the list periodically.
func (a *Account) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.pool.Start(a.ctx); err != nil {
		return a.abortStart(fmt.Errorf("start pool: %w", err))
	}
	if err := a.dispatcher.Start(a.ctx, a.pool.Events()); err != nil {
		return a.abortStart(fmt.Errorf("start dispatcher: %w", err))
	}

	if err := a.Refresh(a.ctx); err != nil {
		// A partial channel list is still worth mining.
		a.logger.Warn("initial channel refresh incomplete", "error", err)
	}

	if a.poller != nil {
		if err := a.poller.Start(a.ctx); err != nil {
			return a.abortStart(fmt.Errorf("start poller: %w", err))
		}
	}

	a.wg.Add(1)
	go a.refreshLoop()

	a.logger.Info("account started",
		"streamers", len(a.streamers.List()),
		"topics", a.pool.Status().Topics,
	)
	return nil
}

// abortStart undoes a partial Start and returns err.
func (a *Account) abortStart(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if stopErr := a.Stop(ctx); stopErr != nil {
		a.logger.Warn("rollback after failed start incomplete", "error", stopErr)
	}
	return err
}

// Stop cancels pending bet decisions, closes every connection and waits
// for all account goroutines.
func (a *Account) Stop(ctx context.Context) error {
	a.logger.Info("stopping account")

	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if a.poller != nil {
		if err := a.poller.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop poller: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stop refresh loop: %w", ctx.Err()))
	}

	if err := a.engine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop prediction engine: %w", err))
	}
	if err := a.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop pool: %w", err))
	}
	if err := a.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("account stopped")
	return nil
}

// Status returns a snapshot of the account.
func (a *Account) Status() Status {
	return Status{
		Name:        a.cfg.Name,
		Pool:        a.pool.Status(),
		Dispatch:    a.dispatcher.Stats(),
		Streamers:   a.streamers.List(),
		Predictions: a.engine.List(),
	}
}

// Refresh reloads the channel list and subscribes or unsubscribes topics
// to match it.
func (a *Account) Refresh(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	channels, srcErr := a.deps.Source.Channels(ctx)
	if srcErr != nil && len(channels) == 0 {
		return fmt.Errorf("list channels: %w", srcErr)
	}

	wanted := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		wanted[ch.ChannelID] = ch
		a.streamers.Add(ch.Login, ch.ChannelID, ch.Settings)
	}
	for _, st := range a.streamers.List() {
		if _, ok := wanted[st.ChannelID]; !ok {
			a.streamers.Remove(st.ChannelID)
			a.logger.Info("streamer removed", "streamer", st.Login)
		}
	}

	desired := a.desiredTopics(channels)

	var remove []pubsub.Topic
	for t := range a.subscribed {
		if _, ok := desired[t]; !ok {
			remove = append(remove, t)
		}
	}
	var add []pubsub.Topic
	for t := range desired {
		if _, ok := a.subscribed[t]; !ok {
			add = append(add, t)
		}
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(a.cfg.SyncConcurrency)

	for _, t := range remove {
		g.Go(func() error {
			if err := a.pool.Unsubscribe(ctx, t); err != nil {
				a.logger.Debug("unsubscribe failed", "topic", t.String(), "error", err)
			}
			mu.Lock()
			delete(a.subscribed, t)
			mu.Unlock()
			return nil
		})
	}
	for _, t := range add {
		g.Go(func() error {
			if err := a.pool.Subscribe(ctx, t); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("subscribe %s: %w", t, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			a.subscribed[t] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(add) > 0 || len(remove) > 0 {
		a.logger.Info("topics synced",
			"added", len(add)-len(errs),
			"removed", len(remove),
			"failed", len(errs),
		)
	}

	if srcErr != nil {
		errs = append(errs, srcErr)
	}
	return errors.Join(errs...)
}

// desiredTopics returns every topic the account should be listening to.
func (a *Account) desiredTopics(channels []Channel) map[pubsub.Topic]struct{} {
	out := map[pubsub.Topic]struct{}{
		pubsub.NewTopic(pubsub.KindCommunityPoints, a.cfg.UserID): {},
		pubsub.NewTopic(pubsub.KindPredictionsUser, a.cfg.UserID):  {},
	}
	for _, ch := range channels {
		out[pubsub.NewTopic(pubsub.KindVideoPlayback, ch.ChannelID)] = struct{}{}
		if ch.Settings.FollowRaids {
			out[pubsub.NewTopic(pubsub.KindRaid, ch.ChannelID)] = struct{}{}
		}
		if ch.Settings.Predictions {
			out[pubsub.NewTopic(pubsub.KindPredictionsChannel, ch.ChannelID)] = struct{}{}
		}
	}
	return out
}

func (a *Account) refreshLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.Refresh(a.ctx); err != nil && a.ctx.Err() == nil {
				a.logger.Warn("channel refresh incomplete", "error", err)
			}
		}
	}
}

// handleContext applies a polled channel points context: the balance is
// cached and an available bonus goes through the claim handler.
func (a *Account) handleContext(ctx context.Context, cc api.ChannelContext) error {
	if _, ok := a.streamers.SetBalance(cc.ChannelID, cc.Balance); !ok {
		return nil
	}
	a.metrics.SetBalance(a.streamers.Login(cc.ChannelID), cc.Balance)

	if cc.ClaimID == "" {
		return nil
	}

	now := time.Now()
	a.dispatcher.Dispatch(pubsub.Event{
		Topic: pubsub.NewTopic(pubsub.KindCommunityPoints, a.cfg.UserID),
		Kind:  pubsub.EventClaimAvailable,
		Payload: pubsub.ClaimEvent{
			Timestamp: now,
			Claim:     pubsub.Claim{ID: cc.ClaimID, ChannelID: cc.ChannelID},
		},
		ReceivedAt: now,
	})
	return nil
}
