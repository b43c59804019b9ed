package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rickgao/pointsminer/internal/metrics"
	"github.com/rickgao/pointsminer/internal/pubsub"
)

// Handler reacts to one event. Returned errors are logged and counted;
// they never stop dispatch.
type Handler interface {
	Handle(ctx context.Context, ev pubsub.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev pubsub.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev pubsub.Event) error {
	return f(ctx, ev)
}

// Named is implemented by handlers that want a stable name in logs and metrics.
type Named interface {
	Name() string
}

// Config holds dispatcher settings.
type Config struct {
	QueueSize int // Initial per-handler queue capacity
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{QueueSize: 256}
}

// Stats contains runtime statistics.
type Stats struct {
	Received int64
	Routed   int64 // events with at least one handler
	Unrouted int64
	Handlers []HandlerStats
}

// HandlerStats describes one registration.
type HandlerStats struct {
	Name      string
	Kinds     []pubsub.EventKind
	Delivered int64
	Failed    int64
	Queue     QueueStats
}

// registration is one handler with its own queue and worker.
type registration struct {
	name    string
	kinds   []pubsub.EventKind
	handler Handler
	queue   *Queue[pubsub.Event]

	delivered atomic.Int64
	failed    atomic.Int64
}

// Dispatcher routes events to handlers by event kind.
type Dispatcher struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Account

	mu      sync.RWMutex
	routes  map[pubsub.EventKind][]*registration
	regs    []*registration
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received atomic.Int64
	routed   atomic.Int64
	unrouted atomic.Int64
}

// New creates a Dispatcher. m may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Account) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Dispatcher{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		routes:  make(map[pubsub.EventKind][]*registration),
	}
}

// Register adds h for one event kind. Several handlers may share a kind.
func (d *Dispatcher) Register(kind pubsub.EventKind, h Handler) {
	d.RegisterKinds(h, kind)
}

// RegisterKinds adds h for several kinds behind a single queue, so events
// of different kinds on one topic keep their relative order.
func (d *Dispatcher) RegisterKinds(h Handler, kinds ...pubsub.EventKind) {
	if len(kinds) == 0 {
		return
	}

	reg := &registration{
		name:    handlerName(h),
		kinds:   kinds,
		handler: h,
		queue:   NewQueue[pubsub.Event](d.cfg.QueueSize),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs = append(d.regs, reg)
	for _, k := range kinds {
		d.routes[k] = append(d.routes[k], reg)
	}

	if d.started {
		d.wg.Add(1)
		go d.work(reg)
	}

	d.logger.Debug("handler registered", "handler", reg.name, "kinds", kinds)
}

// Start routes events from input until it is closed or Stop is called.
func (d *Dispatcher) Start(ctx context.Context, input <-chan pubsub.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = true

	for _, reg := range d.regs {
		d.wg.Add(1)
		go d.work(reg)
	}

	d.wg.Add(1)
	go d.routeLoop(input)

	d.logger.Info("event dispatcher started", "handlers", len(d.regs))
	return nil
}

// Stop cancels handler contexts, closes queues and waits for workers.
// Events still queued are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.logger.Info("stopping event dispatcher")

	d.mu.RLock()
	regs := d.regs
	d.mu.RUnlock()

	if d.cancel != nil {
		d.cancel()
	}
	for _, reg := range regs {
		reg.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("event dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("event dispatcher stop timed out")
		return ctx.Err()
	}
}

// Dispatch queues ev for every handler of its kind. The route loop calls
// it for each pool event; it is exported for callers that feed events
// from elsewhere.
func (d *Dispatcher) Dispatch(ev pubsub.Event) {
	d.received.Add(1)
	d.metrics.IncEvents(string(ev.Kind))

	d.mu.RLock()
	regs := d.routes[ev.Kind]
	d.mu.RUnlock()

	if len(regs) == 0 {
		d.unrouted.Add(1)
		d.logger.Debug("no handler for event",
			"kind", ev.Kind,
			"topic", ev.Topic.String(),
		)
		return
	}

	for _, reg := range regs {
		reg.queue.Push(ev)
	}
	d.routed.Add(1)
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Stats{
		Received: d.received.Load(),
		Routed:   d.routed.Load(),
		Unrouted: d.unrouted.Load(),
		Handlers: make([]HandlerStats, 0, len(d.regs)),
	}
	for _, reg := range d.regs {
		s.Handlers = append(s.Handlers, HandlerStats{
			Name:      reg.name,
			Kinds:     reg.kinds,
			Delivered: reg.delivered.Load(),
			Failed:    reg.failed.Load(),
			Queue:     reg.queue.Stats(),
		})
	}
	return s
}

func (d *Dispatcher) routeLoop(input <-chan pubsub.Event) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				d.logger.Info("event source closed")
				return
			}
			d.Dispatch(ev)
		}
	}
}

// work delivers a registration's queue in order.
func (d *Dispatcher) work(reg *registration) {
	defer d.wg.Done()

	for {
		ev, ok := reg.queue.Pop()
		if !ok || d.ctx.Err() != nil {
			return
		}
		d.invoke(reg, ev)
	}
}

// invoke runs one handler call, converting panics to errors.
func (d *Dispatcher) invoke(reg *registration, ev pubsub.Event) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return reg.handler.Handle(d.ctx, ev)
	}()

	if err == nil {
		reg.delivered.Add(1)
		return
	}

	reg.failed.Add(1)
	d.metrics.IncHandlerFailures(reg.name)
	d.logger.Warn("handler failed",
		"handler", reg.name,
		"kind", ev.Kind,
		"topic", ev.Topic.String(),
		"error", err,
	)
}

func handlerName(h Handler) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}
