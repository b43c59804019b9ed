// pubsubtest subscribes one account's topics and prints decoded events to
// the console. No claims, raids or bets are made.
// Usage: go run ./cmd/pubsubtest --config configs/miner.local.yaml --account viewer
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/pointsminer/internal/api"
	"github.com/rickgao/pointsminer/internal/config"
	"github.com/rickgao/pointsminer/internal/connection"
	"github.com/rickgao/pointsminer/internal/miner"
	"github.com/rickgao/pointsminer/internal/pubsub"
)

func main() {
	configPath := flag.String("config", "configs/miner.example.yaml", "path to config file")
	accountName := flag.String("account", "", "account to stream (default: first)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	acct := cfg.Accounts[0]
	if *accountName != "" {
		found := false
		for _, a := range cfg.Accounts {
			if a.Username == *accountName {
				acct, found = a, true
				break
			}
		}
		if !found {
			logger.Error("account not in config", "account", *accountName)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client := api.NewClient(cfg.API.URL, cfg.API.ClientID, acct.AuthToken,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
	)

	entries := make([]miner.Channel, 0, len(acct.Streamers))
	for _, s := range acct.Streamers {
		entries = append(entries, miner.Channel{Login: s.Login, ChannelID: s.ChannelID, Settings: acct.Settings(s)})
	}
	channels, err := miner.NewStaticSource(entries, client).Channels(ctx)
	if err != nil {
		logger.Warn("some channels could not be resolved", "error", err)
	}
	logger.Info("channels resolved", "account", acct.Username, "channels", len(channels))

	topics := []pubsub.Topic{
		pubsub.NewTopic(pubsub.KindCommunityPoints, acct.UserID),
		pubsub.NewTopic(pubsub.KindPredictionsUser, acct.UserID),
	}
	for _, ch := range channels {
		topics = append(topics,
			pubsub.NewTopic(pubsub.KindVideoPlayback, ch.ChannelID),
			pubsub.NewTopic(pubsub.KindRaid, ch.ChannelID),
			pubsub.NewTopic(pubsub.KindPredictionsChannel, ch.ChannelID),
		)
	}

	pool := connection.NewPool(cfg.PoolConfig(acct.AuthToken), logger)
	if err := pool.Start(ctx); err != nil {
		logger.Error("failed to start pool", "error", err)
		os.Exit(1)
	}
	for _, t := range topics {
		if err := pool.Subscribe(ctx, t); err != nil {
			logger.Error("subscribe failed", "topic", t.String(), "error", err)
		}
	}

	go printEvents(ctx, pool.Events(), *verbose)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := pool.Status()
				logger.Info("stats",
					"connections", st.Connections,
					"topics", st.Topics,
					"pending", st.Pending,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "topics", len(topics))

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	pool.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func printEvents(ctx context.Context, events <-chan pubsub.Event, verbose bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if verbose {
				data, _ := json.MarshalIndent(ev.Payload, "", "  ")
				fmt.Printf("[%s] topic=%s conn=%d seq=%d\n%s\n", ev.Kind, ev.Topic, ev.ConnID, ev.Seq, data)
				continue
			}
			fmt.Println(summarize(ev))
		}
	}
}

func summarize(ev pubsub.Event) string {
	prefix := fmt.Sprintf("[%s] topic=%s", ev.Kind, ev.Topic)

	switch p := ev.Payload.(type) {
	case pubsub.PointsEarned:
		return fmt.Sprintf("%s gained=%d reason=%s balance=%d",
			prefix, p.PointGain.TotalPoints, p.PointGain.ReasonCode, p.Balance.Balance)
	case pubsub.PointsSpent:
		return fmt.Sprintf("%s balance=%d", prefix, p.Balance.Balance)
	case pubsub.ClaimEvent:
		return fmt.Sprintf("%s claim=%s channel=%s", prefix, p.Claim.ID, p.Claim.ChannelID)
	case pubsub.StreamState:
		return fmt.Sprintf("%s viewers=%d", prefix, p.Viewers)
	case pubsub.RaidEvent:
		return fmt.Sprintf("%s raid=%s target=%s countdown=%ds",
			prefix, p.Raid.ID, p.Raid.TargetLogin, p.Raid.ForceRaidNowSecs)
	case pubsub.PredictionUpdate:
		return fmt.Sprintf("%s prediction=%s status=%s outcomes=%d lock=%s",
			prefix, p.Event.ID, p.Event.Status, len(p.Event.Outcomes), p.Event.LockDeadline().Format(time.TimeOnly))
	case pubsub.UserPredictionUpdate:
		s := fmt.Sprintf("%s prediction=%s outcome=%s points=%d",
			prefix, p.Prediction.EventID, p.Prediction.OutcomeID, p.Prediction.Points)
		if p.Prediction.Result != nil {
			s += fmt.Sprintf(" result=%s won=%d", p.Prediction.Result.Type, p.Prediction.Result.PointsWon)
		}
		return s
	case pubsub.Unrecognized:
		return fmt.Sprintf("%s unrecognized type=%s bytes=%d", prefix, p.Type, len(p.Raw))
	default:
		return fmt.Sprintf("%s payload=%T", prefix, p)
	}
}
