package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/pointsminer/internal/api"
	"github.com/rickgao/pointsminer/internal/handler"
)

// Fetcher fetches the channel points context of a login. *api.Client
// implements it.
type Fetcher interface {
	ChannelPointsContext(ctx context.Context, login string) (*api.ChannelContext, error)
}

// StreamerSource provides the streamers to poll. *handler.Streamers
// implements it.
type StreamerSource interface {
	List() []handler.Streamer
}

// ContextHandler receives fetched contexts.
type ContextHandler interface {
	HandleContext(ctx context.Context, cc api.ChannelContext) error
}

// ContextHandlerFunc is a function adapter for ContextHandler.
type ContextHandlerFunc func(context.Context, api.ChannelContext) error

func (f ContextHandlerFunc) HandleContext(ctx context.Context, cc api.ChannelContext) error {
	return f(ctx, cc)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 15m)
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Poller periodically fetches channel points contexts.
type Poller struct {
	cfg       Config
	fetcher   Fetcher
	streamers StreamerSource
	handler   ContextHandler
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, fetcher Fetcher, streamers StreamerSource, handler ContextHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:       cfg,
		fetcher:   fetcher,
		streamers: streamers,
		handler:   handler,
		logger:    logger,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("channel poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("channel poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.pollAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll fetches contexts for all streamers concurrently.
func (p *Poller) pollAll() {
	start := time.Now()

	streamers := p.streamers.List()
	if len(streamers) == 0 {
		p.logger.Debug("no streamers to poll")
		return
	}

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var fetched, errors atomic.Int64

	for _, st := range streamers {
		wg.Add(1)
		go func(login string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-p.ctx.Done():
				return
			}

			if err := p.pollStreamer(login); err != nil {
				p.logger.Warn("failed to poll streamer",
					"streamer", login,
					"err", err,
				)
				errors.Add(1)
				return
			}

			fetched.Add(1)
		}(st.Login)
	}

	wg.Wait()

	p.logger.Debug("poll cycle complete",
		"streamers", len(streamers),
		"fetched", fetched.Load(),
		"errors", errors.Load(),
		"duration", time.Since(start),
	)
}

// pollStreamer fetches and handles one streamer's context.
func (p *Poller) pollStreamer(login string) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	cc, err := p.fetcher.ChannelPointsContext(ctx, login)
	if err != nil {
		return err
	}

	if p.handler != nil {
		if err := p.handler.HandleContext(p.ctx, *cc); err != nil {
			return err
		}
	}

	return nil
}
