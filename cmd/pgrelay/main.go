package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/pgrelay/pgrelay/internal/cdc"
	"github.com/pgrelay/pgrelay/internal/config"
	"github.com/pgrelay/pgrelay/internal/storage"
)

const version = "v0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pgrelay",
	Short: "pgrelay - PostgreSQL change relay",
	Long: `Relays row changes from PostgreSQL to RabbitMQ through triggers and
LISTEN/NOTIFY, and records the time between consecutive updates.`,
	SilenceUsage: true,
}

var removeTriggers bool

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "pgrelay.yaml", "config file path")
	installCmd.Flags().BoolVar(&removeTriggers, "remove", false, "drop the change triggers instead of installing them")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pgrelay %s\n", version)
		fmt.Println("PostgreSQL change relay")
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the change triggers and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.RequireSource(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		ctx := cmd.Context()
		conn, err := pgx.Connect(ctx, cfg.Source.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to connect to %s:%d/%s: %w",
				cfg.Source.Host, cfg.Source.Port, cfg.Source.Database, err)
		}
		defer conn.Close(context.Background())

		tables, err := cdc.ListTables(ctx, conn, cfg.Source.Tables)
		if err != nil {
			return err
		}

		installer := cdc.NewInstaller(cfg.Source.Channel)
		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if removeTriggers {
				return installer.Uninstall(ctx, tx, tables)
			}
			return installer.Install(ctx, tx, tables)
		})
		if err != nil {
			return err
		}

		action := "Installed"
		if removeTriggers {
			action = "Removed"
		}
		for _, t := range tables {
			fmt.Printf("%s change trigger on %s\n", action, t)
		}
		fmt.Printf("%d tables, channel %s\n", len(tables), cfg.Source.Channel)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the latest recorded delta per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.RequireMetrics(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		store, err := storage.Open(cmd.Context(), cfg.Metrics)
		if err != nil {
			return fmt.Errorf("failed to open metrics store: %w", err)
		}
		defer store.Close()

		latest, err := store.Latest(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Metrics store: %s\n", cfg.Metrics.Store)
		fmt.Printf("Key scheme: %s\n", cfg.Aggregator.KeyScheme)
		if meta, ok := store.(storage.MetadataStore); ok {
			for _, key := range []string{storage.CreatedAtKey, storage.LastStartKey} {
				value, found, err := meta.Metadata(cmd.Context(), key)
				if err != nil {
					return err
				}
				if !found {
					value = "never"
				}
				fmt.Printf("%s: %s\n", key, value)
			}
		}
		fmt.Printf("\nTables:\n")
		if len(latest) == 0 {
			fmt.Println("  No records yet")
		}
		for _, r := range latest {
			fmt.Printf("  - %s\n", r.TableName)
			fmt.Printf("    Last update: %s\n", r.ObservedTime.UTC().Format(time.RFC3339))
			fmt.Printf("    Delta: %ds (record %d)\n", r.DeltaSeconds, r.ID)
		}

		return nil
	},
}

// waitFor sleeps for d and reports false if ctx ended first.
func waitFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
