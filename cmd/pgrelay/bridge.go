package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pgrelay/pgrelay/internal/alert"
	"github.com/pgrelay/pgrelay/internal/broker"
	"github.com/pgrelay/pgrelay/internal/cdc"
	"github.com/pgrelay/pgrelay/internal/config"
	"github.com/pgrelay/pgrelay/internal/logging"
	"github.com/pgrelay/pgrelay/internal/relay"
	"github.com/pgrelay/pgrelay/internal/telemetry"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Install triggers and relay table changes to the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.RequireSource(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logCloser, err := logging.Setup(cfg.Logging, "bridge")
		if err != nil {
			return err
		}
		defer logCloser.Close()

		if server := telemetry.Serve(cfg.Telemetry.ListenAddr); server != nil {
			defer server.Close()
		}

		alerter := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Bridge.StartupDelay > 0 {
			log.Info().Dur("delay", cfg.Bridge.StartupDelay).Msg("Waiting before connecting")
			if !waitFor(ctx, cfg.Bridge.StartupDelay) {
				return nil
			}
		}

		log.Info().
			Str("host", cfg.Source.Host).
			Int("port", cfg.Source.Port).
			Str("database", cfg.Source.Database).
			Str("channel", cfg.Source.Channel).
			Msg("Connecting to PostgreSQL")

		publisher, err := broker.NewPublisher(broker.PublisherConfig{
			URL:     cfg.Broker.URL,
			Queues:  []string{cfg.Broker.NewEntityQueue, cfg.Broker.LatestUpdateQueue},
			Durable: cfg.Broker.Durable,
		}, broker.Dial)
		if err != nil {
			return err
		}
		defer publisher.Close()

		router := relay.NewRouter(relay.RouterConfig{
			NewEntityTable:    cfg.Routing.NewEntityTable,
			IDField:           cfg.Routing.IDField,
			TimestampField:    cfg.Routing.TimestampField,
			NewEntityQueue:    cfg.Broker.NewEntityQueue,
			LatestUpdateQueue: cfg.Broker.LatestUpdateQueue,
		})

		manager := cdc.NewManager(&cdc.ManagerConfig{
			ConnString:  cfg.Source.ConnectionString(),
			Channel:     cfg.Source.Channel,
			Tables:      cfg.Source.Tables,
			WaitTimeout: cfg.Bridge.WaitTimeout,
			Drain: cdc.DrainConfig{
				Window:   cfg.Bridge.DrainWindow,
				MaxTime:  cfg.Bridge.MaxDrain,
				MaxBatch: cfg.Bridge.MaxBatch,
			},
		})
		manager.AddHandler(relay.NewHandler(router, publisher))

		if err := manager.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize bridge: %w", err)
		}

		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start bridge: %w", err)
		}

		log.Info().Msg("Bridge is running. Press Ctrl+C to stop.")

		select {
		case <-ctx.Done():
		case <-manager.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := manager.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close notification connection")
		}

		if err := manager.Err(); err != nil {
			if alertErr := alerter.SendSystemAlert("Bridge Stopped", err.Error(), "critical"); alertErr != nil {
				log.Warn().Err(alertErr).Msg("Failed to send alert")
			}
			return err
		}

		log.Info().Msg("Bridge stopped")
		return nil
	},
}
