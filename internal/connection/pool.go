package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/pointsminer/internal/metrics"
	"github.com/rickgao/pointsminer/internal/pubsub"
)

// Dialer creates a Conn for the pool. NewConn is the default.
type Dialer func(id int, cfg ConnConfig, logger *slog.Logger) Conn

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the Conn constructor.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) { p.dial = d }
}

// WithMetrics reports pool gauges and reconnects.
func WithMetrics(m *metrics.Account) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// poolConn is a pool-owned Conn and the topics assigned to it.
type poolConn struct {
	conn     Conn
	topics   map[pubsub.Topic]struct{}
	reserved int  // placements in flight
	retired  bool // lost or closed, no longer placeable
}

// Pool packs topics onto a bounded set of connections.
//
// Placement decisions for a topic are serialized by a per-topic lock;
// the registry itself is guarded by mu and only held for bookkeeping,
// never across network I/O.
type Pool struct {
	cfg     PoolConfig
	logger  *slog.Logger
	dial    Dialer
	metrics *metrics.Account

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	locks *keyedMutex

	mu       sync.RWMutex
	conns    []*poolConn
	registry map[pubsub.Topic]*poolConn // topic -> owning connection
	desired  map[pubsub.Topic]struct{}  // topics the caller asked for
	pending  map[pubsub.Topic]struct{}  // desired but not yet placed
	nextID   int
	started  bool
	stopped  bool

	retryKick chan struct{}
	events    chan pubsub.Event
}

// NewPool creates a connection pool. Connections are opened on demand.
func NewPool(cfg PoolConfig, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1
	}
	if cfg.TopicsPerConnection < 1 {
		cfg.TopicsPerConnection = 1
	}
	if cfg.EventBufferSize < 1 {
		cfg.EventBufferSize = 1
	}

	p := &Pool{
		cfg:       cfg,
		logger:    logger,
		dial:      NewConn,
		locks:     newKeyedMutex(),
		registry:  make(map[pubsub.Topic]*poolConn),
		desired:   make(map[pubsub.Topic]struct{}),
		pending:   make(map[pubsub.Topic]struct{}),
		nextID:    1,
		retryKick: make(chan struct{}, 1),
		events:    make(chan pubsub.Event, cfg.EventBufferSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the pending-topic retry loop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	if p.stopped {
		return ErrPoolStopped
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	p.wg.Add(1)
	go p.retryLoop()

	p.logger.Info("connection pool started",
		"max_connections", p.cfg.MaxConnections,
		"topics_per_connection", p.cfg.TopicsPerConnection,
	)
	return nil
}

// Stop closes every connection and waits for pool goroutines.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	conns := make([]*poolConn, len(p.conns))
	copy(conns, p.conns)
	p.conns = nil
	p.mu.Unlock()

	p.logger.Info("stopping connection pool", "connections", len(conns))

	var closeWg sync.WaitGroup
	for _, pc := range conns {
		closeWg.Add(1)
		go func() {
			defer closeWg.Done()
			pc.conn.Close()
		}()
	}

	done := make(chan struct{})
	go func() {
		closeWg.Wait()
		p.cancel()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(p.events)
		p.logger.Info("connection pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Events returns events from every connection. Closed after Stop completes.
func (p *Pool) Events() <-chan pubsub.Event {
	return p.events
}

// Subscribe places topic on a connection. Subscribing a topic that is already
// subscribed or pending is a no-op.
//
// ErrPoolExhausted is returned when every connection is full and the ceiling
// is reached. Other placement failures keep the topic pending; it is retried
// with backoff until placed or unsubscribed.
func (p *Pool) Subscribe(ctx context.Context, topic pubsub.Topic) error {
	unlock := p.locks.Lock(topic.String())
	defer unlock()

	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	if _, ok := p.registry[topic]; ok {
		p.mu.Unlock()
		return nil
	}
	_, isPending := p.pending[topic]
	p.desired[topic] = struct{}{}
	p.mu.Unlock()

	if isPending {
		return nil
	}

	err := p.place(ctx, topic)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrPoolStopped), ctx.Err() != nil:
		p.mu.Lock()
		delete(p.desired, topic)
		p.mu.Unlock()
		return err
	default:
		p.logger.Warn("subscribe failed, will retry",
			"topic", topic.String(),
			"error", err,
		)
		p.markPending(topic)
		return nil
	}
}

// Unsubscribe drops topic and sends a best-effort UNLISTEN. A connection
// left without topics is closed. No-op if topic is unknown.
func (p *Pool) Unsubscribe(ctx context.Context, topic pubsub.Topic) error {
	unlock := p.locks.Lock(topic.String())
	defer unlock()

	p.mu.Lock()
	delete(p.desired, topic)
	delete(p.pending, topic)

	pc, ok := p.registry[topic]
	if !ok {
		p.updateGaugesLocked()
		p.mu.Unlock()
		return nil
	}
	delete(p.registry, topic)
	delete(pc.topics, topic)

	idle := len(pc.topics) == 0 && pc.reserved == 0 && !pc.retired
	if idle {
		pc.retired = true
		p.removeConnLocked(pc)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	if idle {
		// Close sends the UNLISTEN for everything the connection still holds.
		p.logger.Debug("closing idle connection", "conn_id", pc.conn.ID())
		return pc.conn.Close()
	}

	if err := pc.conn.Unlisten(ctx, topic); err != nil {
		p.logger.Debug("unlisten failed",
			"topic", topic.String(),
			"conn_id", pc.conn.ID(),
			"error", err,
		)
	}
	return nil
}

// Status returns a snapshot of connections and topic placement.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Status{
		Connections: len(p.conns),
		Topics:      len(p.registry),
		Pending:     len(p.pending),
		Load:        make([]ConnLoad, 0, len(p.conns)),
	}
	for _, pc := range p.conns {
		s.Load = append(s.Load, ConnLoad{
			ID:      pc.conn.ID(),
			State:   pc.conn.State().String(),
			Healthy: pc.conn.Healthy(),
			Topics:  len(pc.topics),
		})
	}
	return s
}

// Subscribed reports whether topic is placed on a connection.
func (p *Pool) Subscribed(topic pubsub.Topic) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.registry[topic]
	return ok
}

// place reserves a slot and issues LISTEN. Caller holds the topic lock.
func (p *Pool) place(ctx context.Context, topic pubsub.Topic) error {
	pc, err := p.reserve()
	if err != nil {
		return err
	}

	err = pc.conn.Listen(ctx, topic)

	p.mu.Lock()
	defer p.mu.Unlock()

	pc.reserved--
	if err != nil {
		return fmt.Errorf("listen %s on conn %d: %w", topic, pc.conn.ID(), err)
	}
	if pc.retired {
		// Connection was lost while the LISTEN was in flight.
		return fmt.Errorf("listen %s on conn %d: %w", topic, pc.conn.ID(), ErrNotConnected)
	}

	pc.topics[topic] = struct{}{}
	p.registry[topic] = pc
	delete(p.pending, topic)
	p.updateGaugesLocked()

	p.logger.Debug("topic placed",
		"topic", topic.String(),
		"conn_id", pc.conn.ID(),
		"load", len(pc.topics),
	)
	return nil
}

// reserve returns a healthy connection with a free slot, opening a new one
// when none exists and the ceiling allows it.
func (p *Pool) reserve() (*poolConn, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}

	unhealthy := false
	for _, pc := range p.conns {
		if pc.retired || len(pc.topics)+pc.reserved >= p.cfg.TopicsPerConnection {
			continue
		}
		if !pc.conn.Healthy() {
			unhealthy = true
			continue
		}
		pc.reserved++
		p.mu.Unlock()
		return pc, nil
	}

	if len(p.conns) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		if unhealthy {
			return nil, ErrNoHealthyConn
		}
		return nil, ErrPoolExhausted
	}

	id := p.nextID
	p.nextID++
	pc := &poolConn{
		conn:     p.dial(id, p.cfg.Conn, p.logger),
		topics:   make(map[pubsub.Topic]struct{}),
		reserved: 1,
	}
	// Counted towards the ceiling while it dials.
	p.conns = append(p.conns, pc)
	p.updateGaugesLocked()
	p.mu.Unlock()

	if err := pc.conn.Start(p.ctx); err != nil {
		p.mu.Lock()
		pc.retired = true
		p.removeConnLocked(pc)
		p.mu.Unlock()
		pc.conn.Close()
		return nil, fmt.Errorf("open connection %d: %w", id, err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		pc.conn.Close()
		return nil, ErrPoolStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.forward(pc)

	p.logger.Info("opened connection", "conn_id", id)
	return pc, nil
}

// forward merges a connection's events into the pool stream and watches
// its lifecycle for loss.
func (p *Pool) forward(pc *poolConn) {
	defer p.wg.Done()

	events := pc.conn.Events()
	lifecycle := pc.conn.Lifecycle()

	for events != nil || lifecycle != nil {
		select {
		case <-p.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			select {
			case p.events <- ev:
			case <-p.ctx.Done():
				return
			}

		case sc, ok := <-lifecycle:
			if !ok {
				lifecycle = nil
				continue
			}
			if sc.To == StateReconnecting && sc.From == StateOpen {
				p.metrics.IncReconnects()
			}
			if sc.Lost {
				p.handleLost(pc, sc.Err)
				return
			}
		}
	}
}

// handleLost moves a lost connection's topics to pending and wakes the
// retry loop to re-place them.
func (p *Pool) handleLost(pc *poolConn, cause error) {
	p.mu.Lock()
	pc.retired = true
	p.removeConnLocked(pc)

	moved := 0
	for t := range pc.topics {
		if p.registry[t] != pc {
			continue
		}
		delete(p.registry, t)
		if _, ok := p.desired[t]; ok {
			p.pending[t] = struct{}{}
			moved++
		}
	}
	pc.topics = make(map[pubsub.Topic]struct{})
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Warn("connection lost, redistributing topics",
		"conn_id", pc.conn.ID(),
		"topics", moved,
		"error", cause,
	)
	p.metrics.IncConnectionsLost()

	pc.conn.Close()
	p.kick()
}

func (p *Pool) markPending(topic pubsub.Topic) {
	p.mu.Lock()
	if _, ok := p.desired[topic]; ok {
		p.pending[topic] = struct{}{}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.kick()
}

func (p *Pool) kick() {
	select {
	case p.retryKick <- struct{}{}:
	default:
	}
}

// retryLoop re-places pending topics with capped exponential backoff. It
// never gives up on a topic that is still desired.
func (p *Pool) retryLoop() {
	defer p.wg.Done()

	bo := newBackoff(p.cfg.RetryBaseWait, p.cfg.RetryMaxWait)
	timer := time.NewTimer(p.cfg.RetryBaseWait)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.retryKick:
		case <-timer.C:
		}

		remaining := p.placePending()
		if remaining == 0 {
			bo.Reset()
			continue
		}

		wait := bo.Next()
		p.logger.Info("topics still pending, retrying",
			"pending", remaining,
			"wait", wait,
		)
		timer.Reset(wait)
	}
}

// placePending tries every pending topic once and returns how many remain.
func (p *Pool) placePending() int {
	p.mu.RLock()
	topics := make([]pubsub.Topic, 0, len(p.pending))
	for t := range p.pending {
		topics = append(topics, t)
	}
	p.mu.RUnlock()

	remaining := 0
	for i, t := range topics {
		if p.ctx.Err() != nil {
			return 0
		}

		err := p.retryTopic(t)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrPoolExhausted) {
			// Nothing else fits either.
			remaining += len(topics) - i
			break
		}
		p.logger.Debug("pending topic not placed",
			"topic", t.String(),
			"error", err,
		)
		remaining++
	}
	return remaining
}

func (p *Pool) retryTopic(topic pubsub.Topic) error {
	unlock := p.locks.Lock(topic.String())
	defer unlock()

	p.mu.RLock()
	_, isPending := p.pending[topic]
	_, isDesired := p.desired[topic]
	p.mu.RUnlock()

	if !isPending || !isDesired {
		return nil
	}
	return p.place(p.ctx, topic)
}

func (p *Pool) removeConnLocked(pc *poolConn) {
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	p.metrics.SetConnections(len(p.conns))
	p.metrics.SetTopics(len(p.registry))
	p.metrics.SetPendingTopics(len(p.pending))
}
