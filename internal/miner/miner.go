package miner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNoAccounts is returned by Start when no account was added.
var ErrNoAccounts = errors.New("no accounts configured")

// Miner runs several accounts side by side. Accounts share nothing but the
// process.
type Miner struct {
	logger   *slog.Logger
	accounts []*Account

	mu      sync.Mutex
	started []*Account
}

// New creates a Miner for accounts.
func New(logger *slog.Logger, accounts ...*Account) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{logger: logger, accounts: accounts}
}

// Accounts returns the managed accounts.
func (m *Miner) Accounts() []*Account {
	return m.accounts
}

// Start starts every account concurrently. If any account fails to start,
// the ones already running are stopped and the first error is returned.
func (m *Miner) Start(ctx context.Context) error {
	if len(m.accounts) == 0 {
		return ErrNoAccounts
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range m.accounts {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("account %s: %w", a.Name(), err)
			}
			m.mu.Lock()
			m.started = append(m.started, a)
			m.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.logger.Error("miner start failed, stopping started accounts", "error", err)
		_ = m.Stop(context.WithoutCancel(ctx))
		return err
	}

	m.logger.Info("miner started", "accounts", len(m.accounts))
	return nil
}

// Stop stops every started account concurrently.
func (m *Miner) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, a := range started {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("account %s: %w", a.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Status returns a snapshot of every account.
func (m *Miner) Status() []Status {
	out := make([]Status, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a.Status())
	}
	return out
}

// Health reports per-account pool state. An account with subscribed topics
// but no healthy connection makes the miner unhealthy. It matches
// metrics.HealthFunc.
func (m *Miner) Health(ctx context.Context) (map[string]any, error) {
	details := make(map[string]any, len(m.accounts))
	var unhealthy []string

	for _, a := range m.accounts {
		st := a.pool.Status()
		healthy := 0
		for _, l := range st.Load {
			if l.Healthy {
				healthy++
			}
		}
		details[a.Name()] = map[string]any{
			"connections": st.Connections,
			"healthy":     healthy,
			"topics":      st.Topics,
			"pending":     st.Pending,
		}
		if st.Topics+st.Pending > 0 && healthy == 0 {
			unhealthy = append(unhealthy, a.Name())
		}
	}

	if len(unhealthy) > 0 {
		return details, fmt.Errorf("no healthy connection for %v", unhealthy)
	}
	return details, nil
}
