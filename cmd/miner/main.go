package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/pointsminer/internal/analytics"
	"github.com/rickgao/pointsminer/internal/api"
	"github.com/rickgao/pointsminer/internal/config"
	"github.com/rickgao/pointsminer/internal/handler"
	"github.com/rickgao/pointsminer/internal/metrics"
	"github.com/rickgao/pointsminer/internal/miner"
	"github.com/rickgao/pointsminer/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/miner.local.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	logger.Info("starting miner",
		"version", version.String(),
		"config", *configPath,
		"accounts", len(cfg.Accounts),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var (
		dbPool *pgxpool.Pool
		store  *analytics.Store
	)
	if cfg.Analytics.Enabled {
		logger.Info("connecting to analytics database",
			"host", cfg.Analytics.Database.Host,
			"port", cfg.Analytics.Database.Port,
			"database", cfg.Analytics.Database.Name,
		)
		dbPool, err = analytics.Connect(ctx, cfg.Analytics.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		store = analytics.NewStore(dbPool, analytics.WriterConfig{
			BatchSize:     cfg.Analytics.BatchSize,
			FlushInterval: cfg.Analytics.FlushInterval,
		}, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to create analytics schema", "error", err)
			os.Exit(1)
		}
		if err := store.Start(ctx); err != nil {
			logger.Error("failed to start analytics store", "error", err)
			os.Exit(1)
		}
	}

	m := metrics.New(nil)
	accounts := make([]*miner.Account, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		accounts = append(accounts, newAccount(cfg, acct, store, m, logger))
	}
	mn := miner.New(logger, accounts...)

	addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
	server := metrics.NewServer(addr, cfg.Metrics.Path, nil, healthFunc(mn, dbPool))
	server.Handler = withDebug(server.Handler, mn)

	go func() {
		logger.Info("starting metrics server", "addr", addr, "path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	if err := mn.Start(ctx); err != nil {
		logger.Error("failed to start miner", "error", err)
		os.Exit(1)
	}

	logger.Info("miner running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := mn.Stop(shutdownCtx); err != nil {
		logger.Warn("miner stop incomplete", "error", err)
	}
	if store != nil {
		if err := store.Stop(shutdownCtx); err != nil {
			logger.Warn("analytics store stop incomplete", "error", err)
		}
	}
	server.Shutdown(shutdownCtx)

	logger.Info("miner stopped")
}

func newAccount(cfg *config.Config, acct config.AccountConfig, store *analytics.Store, m *metrics.Metrics, logger *slog.Logger) *miner.Account {
	client := api.NewClient(
		cfg.API.URL,
		cfg.API.ClientID,
		acct.AuthToken,
		api.WithLogger(logger.With("account", acct.Username)),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
	)

	channels := make([]miner.Channel, 0, len(acct.Streamers))
	for _, s := range acct.Streamers {
		channels = append(channels, miner.Channel{
			Login:     s.Login,
			ChannelID: s.ChannelID,
			Settings:  acct.Settings(s),
		})
	}

	deps := miner.Deps{
		Actions:  client,
		Placer:   client,
		Source:   miner.NewStaticSource(channels, client),
		Notifier: handler.NewLogNotifier(logger.With("account", acct.Username)),
		Metrics:  m.Account(acct.Username),
	}
	if cfg.Poller.Enabled {
		deps.Contexts = client
	}
	if store != nil {
		rec := store.Account(acct.Username)
		deps.Balances = rec
		deps.Predictions = rec
	}

	return miner.NewAccount(miner.Config{
		Name:            acct.Username,
		UserID:          acct.UserID,
		Pool:            cfg.PoolConfig(acct.AuthToken),
		Dispatch:        cfg.DispatcherConfig(),
		Prediction:      cfg.EngineConfig(),
		Poller:          cfg.PollerSettings(),
		RefreshInterval: acct.RefreshInterval,
	}, deps, logger)
}

func healthFunc(mn *miner.Miner, db *pgxpool.Pool) metrics.HealthFunc {
	return func(ctx context.Context) (map[string]any, error) {
		details, err := mn.Health(ctx)
		if db == nil {
			return details, err
		}
		if pingErr := db.Ping(ctx); pingErr != nil {
			details["analytics"] = map[string]string{"status": "disconnected", "error": pingErr.Error()}
			return details, errors.Join(err, fmt.Errorf("analytics database: %w", pingErr))
		}
		details["analytics"] = "connected"
		return details, err
	}
}

// withDebug adds /debug/accounts on top of the metrics handler.
func withDebug(next http.Handler, mn *miner.Miner) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", next)
	mux.HandleFunc("/debug/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mn.Status())
	})
	return mux
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
