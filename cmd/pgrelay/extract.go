package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pgrelay/pgrelay/internal/aggregate"
	"github.com/pgrelay/pgrelay/internal/alert"
	"github.com/pgrelay/pgrelay/internal/broker"
	"github.com/pgrelay/pgrelay/internal/config"
	"github.com/pgrelay/pgrelay/internal/logging"
	"github.com/pgrelay/pgrelay/internal/storage"
	"github.com/pgrelay/pgrelay/internal/telemetry"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Consume latest-update messages and record update deltas",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.RequireMetrics(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logCloser, err := logging.Setup(cfg.Logging, "extract")
		if err != nil {
			return err
		}
		defer logCloser.Close()

		if server := telemetry.Serve(cfg.Telemetry.ListenAddr); server != nil {
			defer server.Close()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Consumer.StartupDelay > 0 {
			log.Info().Dur("delay", cfg.Consumer.StartupDelay).Msg("Waiting before connecting")
			if !waitFor(ctx, cfg.Consumer.StartupDelay) {
				return nil
			}
		}

		store, err := storage.Open(ctx, cfg.Metrics)
		if err != nil {
			return fmt.Errorf("failed to open metrics store: %w", err)
		}
		defer store.Close()

		if err := storage.RecordStart(ctx, store, time.Now()); err != nil {
			log.Warn().Err(err).Msg("Failed to record start time")
		}

		state, closeState, err := openState(ctx, cfg.Aggregator)
		if err != nil {
			return err
		}
		defer closeState()

		alerter := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		aggregator := aggregate.NewAggregator(store, state, aggregate.Config{
			KeyScheme: cfg.Aggregator.KeyScheme,
			Alerter:   alerter,
		})

		consumer := broker.NewConsumer(broker.ConsumerConfig{
			URL:        cfg.Broker.URL,
			Queue:      cfg.Consumer.Queue,
			Durable:    cfg.Broker.Durable,
			Prefetch:   cfg.Consumer.Prefetch,
			MinBackoff: cfg.Consumer.MinBackoff,
			MaxBackoff: cfg.Consumer.MaxBackoff,
			ResetAfter: cfg.Consumer.ResetAfter,
			Alerter:    alerter,
		}, aggregator)

		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}

		log.Info().
			Str("queue", cfg.Consumer.Queue).
			Str("store", cfg.Metrics.Store).
			Str("key_scheme", cfg.Aggregator.KeyScheme).
			Msg("Extractor is running. Press Ctrl+C to stop.")

		<-ctx.Done()

		return consumer.Stop()
	},
}

// openState returns the previous-timestamp store selected by cfg.State.
func openState(ctx context.Context, cfg config.AggregatorConfig) (aggregate.StateStore, func(), error) {
	if cfg.State != config.StateRedis {
		return aggregate.NewMemoryState(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	log.Info().Str("addr", cfg.Redis.Addr).Str("prefix", cfg.Redis.KeyPrefix).Msg("Aggregator state kept in redis")

	return aggregate.NewRedisState(client, cfg.Redis.KeyPrefix), func() { client.Close() }, nil
}
