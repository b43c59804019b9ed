package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/pointsminer/internal/pubsub"
)

// Conn is one PubSub connection carrying a set of topics.
type Conn interface {
	// ID returns the pool-assigned connection ID.
	ID() int

	// Start dials the server and begins reading and heartbeating.
	Start(ctx context.Context) error

	// Listen subscribes topics, waiting for the server acknowledgement.
	// A timed out LISTEN is retried once before failing.
	Listen(ctx context.Context, topics ...pubsub.Topic) error

	// Unlisten unsubscribes topics.
	Unlisten(ctx context.Context, topics ...pubsub.Topic) error

	// Topics returns the topics currently held.
	Topics() []pubsub.Topic

	// Load returns the number of topics held.
	Load() int

	// Healthy reports whether the connection is open and heartbeating.
	Healthy() bool

	// State returns the current lifecycle state.
	State() State

	// Events returns decoded MESSAGE frames in arrival order.
	// Closed after Close returns.
	Events() <-chan pubsub.Event

	// Lifecycle returns state transitions. Closed after Close returns.
	Lifecycle() <-chan StateChange

	// Close sends a best-effort UNLISTEN for held topics and shuts down.
	Close() error
}

// ClientFactory creates the transport for a connection attempt.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// session is one transport attempt of a Conn.
type session struct {
	client Client
	done   chan error // transport failure or server RECONNECT
	stop   chan struct{}
	once   sync.Once
}

func (s *session) fail(err error) {
	select {
	case s.done <- err:
	default:
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.stop)
		s.client.Close()
	})
}

// pubsubConn implements Conn.
type pubsubConn struct {
	id        int
	cfg       ConnConfig
	logger    *slog.Logger
	newClient ClientFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	client       Client
	state        State
	topics       map[pubsub.Topic]struct{}
	lastActivity time.Time

	// Nonce -> waiting LISTEN/UNLISTEN
	pendingMu sync.Mutex
	pending   map[string]chan pubsub.Inbound

	seq atomic.Uint64

	events    chan pubsub.Event
	lifecycle chan StateChange
	closeOnce sync.Once
}

// NewConn creates a PubSub connection. It does not dial until Start.
func NewConn(id int, cfg ConnConfig, logger *slog.Logger) Conn {
	return newConn(id, cfg, NewClient, logger)
}

func newConn(id int, cfg ConnConfig, factory ClientFactory, logger *slog.Logger) *pubsubConn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBufferSize < 1 {
		cfg.EventBufferSize = 1
	}

	return &pubsubConn{
		id:        id,
		cfg:       cfg,
		logger:    logger.With("conn_id", id),
		newClient: factory,
		state:     StateConnecting,
		topics:    make(map[pubsub.Topic]struct{}),
		pending:   make(map[string]chan pubsub.Inbound),
		events:    make(chan pubsub.Event, cfg.EventBufferSize),
		lifecycle: make(chan StateChange, 64),
	}
}

func (c *pubsubConn) ID() int { return c.id }

func (c *pubsubConn) Events() <-chan pubsub.Event { return c.events }

func (c *pubsubConn) Lifecycle() <-chan StateChange { return c.lifecycle }

// Start dials the server.
func (c *pubsubConn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx != nil || c.state != StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	s, err := c.dial()
	if err != nil {
		c.setState(StateClosed, err, false)
		return fmt.Errorf("connect: %w", err)
	}

	c.setState(StateOpen, nil, false)

	c.wg.Add(1)
	go c.run(s)

	return nil
}

// Close shuts the connection down and waits for its goroutines.
func (c *pubsubConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.RLock()
		prev := c.state
		started := c.ctx != nil
		cl := c.client
		topics := c.topicsLocked()
		c.mu.RUnlock()

		if prev != StateClosed {
			c.setState(StateClosing, nil, false)
		}

		// Best-effort UNLISTEN, no ack wait
		if cl != nil && prev == StateOpen && len(topics) > 0 {
			if data, _, err := pubsub.EncodeUnlisten(topics); err == nil {
				if err := cl.Send(data); err != nil {
					c.logger.Debug("failed to send unlisten on close", "error", err)
				}
			}
		}

		if started {
			c.cancel()
		}
		if cl != nil {
			cl.Close()
		}

		c.wg.Wait()

		if prev != StateClosed {
			c.setState(StateClosed, nil, false)
		}
		close(c.events)
		close(c.lifecycle)
	})
	return nil
}

// Listen subscribes topics on this connection.
func (c *pubsubConn) Listen(ctx context.Context, topics ...pubsub.Topic) error {
	if len(topics) == 0 {
		return nil
	}
	if c.State() != StateOpen {
		return ErrNotConnected
	}

	// Record before sending so a concurrent reconnect re-listens them too.
	added := make([]pubsub.Topic, 0, len(topics))
	c.mu.Lock()
	for _, t := range topics {
		if _, ok := c.topics[t]; !ok {
			c.topics[t] = struct{}{}
			added = append(added, t)
		}
	}
	c.mu.Unlock()

	if err := c.listen(ctx, topics); err != nil {
		c.mu.Lock()
		for _, t := range added {
			delete(c.topics, t)
		}
		c.mu.Unlock()
		return err
	}

	c.logger.Debug("listening", "topics", pubsub.TopicStrings(topics))
	return nil
}

// Unlisten unsubscribes topics on this connection.
func (c *pubsubConn) Unlisten(ctx context.Context, topics ...pubsub.Topic) error {
	if len(topics) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	c.mu.Unlock()

	if c.State() != StateOpen {
		return nil
	}
	return c.request(ctx, pubsub.FrameUnlisten, topics)
}

// Topics returns the held topics.
func (c *pubsubConn) Topics() []pubsub.Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topicsLocked()
}

func (c *pubsubConn) topicsLocked() []pubsub.Topic {
	out := make([]pubsub.Topic, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Load returns the number of held topics.
func (c *pubsubConn) Load() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.topics)
}

// Healthy reports whether the connection is open and has seen traffic recently.
func (c *pubsubConn) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateOpen && time.Since(c.lastActivity) <= c.cfg.PongTimeout
}

// State returns the lifecycle state.
func (c *pubsubConn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *pubsubConn) setState(to State, err error, lost bool) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	if from == to && err == nil && !lost {
		return
	}

	sc := StateChange{ConnID: c.id, From: from, To: to, Err: err, Lost: lost}

	if lost {
		// The pool must see a loss to redistribute topics.
		select {
		case c.lifecycle <- sc:
		case <-c.ctx.Done():
		}
		return
	}

	select {
	case c.lifecycle <- sc:
	default:
		c.logger.Debug("lifecycle buffer full, dropping transition",
			"from", from,
			"to", to,
		)
	}
}

// dial creates a client, connects it and starts its read loop.
func (c *pubsubConn) dial() (*session, error) {
	cl := c.newClient(c.cfg.Client, c.logger)
	if err := cl.Connect(c.ctx); err != nil {
		cl.Close()
		return nil, err
	}

	s := &session{
		client: cl,
		done:   make(chan error, 1),
		stop:   make(chan struct{}),
	}

	c.mu.Lock()
	c.client = cl
	c.lastActivity = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(s)

	return s, nil
}

// run owns the connection lifecycle: heartbeat and reconnects.
func (c *pubsubConn) run(s *session) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			s.close()
			return

		case err := <-s.done:
			c.logger.Warn("connection error", "error", err)
			next, ok := c.reconnect(s, err)
			if !ok {
				return
			}
			s = next

		case <-ticker.C:
			c.mu.RLock()
			last := c.lastActivity
			c.mu.RUnlock()

			if time.Since(last) > c.cfg.PongTimeout {
				c.logger.Warn("no pong received, connection stale",
					"last_activity", last,
					"timeout", c.cfg.PongTimeout,
				)
				next, ok := c.reconnect(s, ErrStaleConnection)
				if !ok {
					return
				}
				s = next
				continue
			}

			if err := s.client.Send(pubsub.EncodePing()); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// readLoop decodes frames of one session.
func (c *pubsubConn) readLoop(s *session) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-s.stop:
			return
		case err := <-s.client.Errors():
			s.fail(err)
			return
		case msg := <-s.client.Messages():
			c.mu.Lock()
			c.lastActivity = msg.ReceivedAt
			c.mu.Unlock()

			if err := c.handleFrame(s, msg); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// handleFrame routes one frame. A non-nil error asks for a reconnect.
func (c *pubsubConn) handleFrame(s *session, msg TimestampedMessage) error {
	in, err := pubsub.Decode(msg.Data)
	if err != nil {
		c.logger.Warn("failed to decode frame", "error", err)
		return nil
	}

	switch in.Type {
	case pubsub.FramePong:
		return nil

	case pubsub.FrameResponse:
		c.routeResponse(in)
		return nil

	case pubsub.FrameReconnect:
		return ErrServerReconnect

	case pubsub.FrameMessage:
		ev := pubsub.Event{
			Topic:      in.Topic,
			Kind:       in.Message.Kind,
			Payload:    in.Message.Payload,
			ConnID:     c.id,
			Seq:        c.seq.Add(1),
			ReceivedAt: msg.ReceivedAt,
		}
		select {
		case c.events <- ev:
		case <-s.stop:
		case <-c.ctx.Done():
		}
		return nil

	default:
		c.logger.Debug("skipping frame type", "type", in.Type)
		return nil
	}
}

// routeResponse sends a RESPONSE to the waiting request.
func (c *pubsubConn) routeResponse(in pubsub.Inbound) {
	c.pendingMu.Lock()
	ch, ok := c.pending[in.Nonce]
	if ok {
		delete(c.pending, in.Nonce)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown nonce", "nonce", in.Nonce)
		return
	}

	select {
	case ch <- in:
	default:
	}
}

// listen sends LISTEN and retries once on ack timeout.
func (c *pubsubConn) listen(ctx context.Context, topics []pubsub.Topic) error {
	err := c.request(ctx, pubsub.FrameListen, topics)
	if errors.Is(err, ErrListenTimeout) {
		c.logger.Warn("listen ack timed out, retrying",
			"topics", pubsub.TopicStrings(topics),
		)
		err = c.request(ctx, pubsub.FrameListen, topics)
	}
	return err
}

// request sends a LISTEN/UNLISTEN command and waits for its RESPONSE.
func (c *pubsubConn) request(ctx context.Context, typ pubsub.FrameType, topics []pubsub.Topic) error {
	var (
		data  []byte
		nonce string
		err   error
	)
	if typ == pubsub.FrameListen {
		data, nonce, err = pubsub.EncodeListen(topics, c.cfg.AuthToken)
	} else {
		data, nonce, err = pubsub.EncodeUnlisten(topics)
	}
	if err != nil {
		return err
	}

	respCh := make(chan pubsub.Inbound, 1)

	c.pendingMu.Lock()
	c.pending[nonce] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, nonce)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil {
		return ErrNotConnected
	}

	if err := cl.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}

	timer := time.NewTimer(c.cfg.ListenTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrAlreadyClosed
	case <-timer.C:
		return ErrListenTimeout
	case resp := <-respCh:
		if resp.Error != "" {
			return &pubsub.ListenError{Nonce: resp.Nonce, Reason: resp.Error}
		}
		return nil
	}
}

// reconnect replaces a failed session. It returns false when the
// connection is closing or has given up (reported as lost).
func (c *pubsubConn) reconnect(old *session, cause error) (*session, bool) {
	c.setState(StateReconnecting, cause, false)
	old.close()

	bo := newBackoff(c.cfg.ReconnectBaseWait, c.cfg.ReconnectMaxWait)
	maxAttempts := c.cfg.MaxReconnectAttempts

	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, false
		case <-time.After(bo.Next()):
		}

		c.logger.Info("attempting reconnection", "attempt", attempt)
		c.setState(StateConnecting, nil, false)

		s, err := c.dial()
		if err != nil {
			c.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			c.setState(StateReconnecting, err, false)
			continue
		}

		// Responses arrive through the new session's read loop.
		c.setState(StateOpen, nil, false)
		if err := c.relisten(); err != nil {
			c.logger.Warn("re-listen after reconnect failed", "attempt", attempt, "error", err)
			c.setState(StateReconnecting, err, false)
			s.close()
			continue
		}

		c.logger.Info("reconnected", "attempt", attempt, "topics", c.Load())
		return s, true
	}

	c.logger.Error("giving up on connection", "attempts", maxAttempts, "cause", cause)
	c.setState(StateClosed, fmt.Errorf("reconnect failed after %d attempts: %w", maxAttempts, cause), true)
	return nil, false
}

// relisten re-issues LISTEN for every held topic. Topics rejected by the
// server are logged; transport failures fail the reconnect attempt.
func (c *pubsubConn) relisten() error {
	topics := c.Topics()
	if len(topics) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(c.ctx)
	for _, t := range topics {
		g.Go(func() error {
			err := c.listen(ctx, []pubsub.Topic{t})
			var lerr *pubsub.ListenError
			if errors.As(err, &lerr) {
				c.logger.Warn("topic rejected on re-listen", "topic", t.String(), "reason", lerr.Reason)
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
