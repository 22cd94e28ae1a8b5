package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	KeySchemeTable  = "table"
	KeySchemeGlobal = "global"

	StateMemory = "memory"
	StateRedis  = "redis"

	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// SourceConfig describes the store whose tables are tracked.
type SourceConfig struct {
	DatabaseConfig `mapstructure:",squash"`
	Channel        string   `mapstructure:"channel"`
	Tables         []string `mapstructure:"tables"`
}

type BrokerConfig struct {
	URL               string `mapstructure:"url"`
	NewEntityQueue    string `mapstructure:"new_entity_queue"`
	LatestUpdateQueue string `mapstructure:"latest_update_queue"`
	Durable           bool   `mapstructure:"durable"`
}

type RoutingConfig struct {
	NewEntityTable string `mapstructure:"new_entity_table"`
	IDField        string `mapstructure:"id_field"`
	TimestampField string `mapstructure:"timestamp_field"`
}

type BridgeConfig struct {
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	DrainWindow  time.Duration `mapstructure:"drain_window"`
	// MaxDrain and MaxBatch bound one drain, measured from the first
	// notification, so a steady stream still yields batches.
	MaxDrain     time.Duration `mapstructure:"max_drain"`
	MaxBatch     int           `mapstructure:"max_batch"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

type ConsumerConfig struct {
	Queue        string        `mapstructure:"queue"`
	Prefetch     int           `mapstructure:"prefetch"`
	MinBackoff   time.Duration `mapstructure:"min_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	ResetAfter   time.Duration `mapstructure:"reset_after"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

type AggregatorConfig struct {
	KeyScheme string      `mapstructure:"key_scheme"`
	State     string      `mapstructure:"state"`
	Redis     RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MetricsConfig struct {
	Store    string         `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Table    string         `mapstructure:"table"`
	BoltPath string         `mapstructure:"bolt_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type TelemetryConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fills defaults and rejects values no command can run with.
// Connection settings are checked per command by RequireSource and
// RequireMetrics.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if _, err := url.Parse(c.Broker.URL); err != nil {
		return fmt.Errorf("broker.url is invalid: %w", err)
	}

	if c.Source.Channel == "" {
		c.Source.Channel = "table_changed"
	}
	if c.Source.Port == 0 {
		c.Source.Port = 5432
	}
	if c.Broker.NewEntityQueue == "" {
		c.Broker.NewEntityQueue = "newpatient"
	}
	if c.Broker.LatestUpdateQueue == "" {
		c.Broker.LatestUpdateQueue = "latestupdate"
	}
	if c.Broker.NewEntityQueue == c.Broker.LatestUpdateQueue {
		return fmt.Errorf("broker queues must differ, both are %q", c.Broker.NewEntityQueue)
	}

	if c.Routing.NewEntityTable == "" {
		c.Routing.NewEntityTable = "patient"
	}
	if c.Routing.IDField == "" {
		c.Routing.IDField = "_patientid"
	}
	if c.Routing.TimestampField == "" {
		c.Routing.TimestampField = "timestamp"
	}

	if c.Bridge.WaitTimeout == 0 {
		c.Bridge.WaitTimeout = 5 * time.Second
	}
	if c.Bridge.DrainWindow == 0 {
		c.Bridge.DrainWindow = 10 * time.Millisecond
	}
	if c.Bridge.MaxDrain == 0 {
		c.Bridge.MaxDrain = 250 * time.Millisecond
	}
	if c.Bridge.MaxBatch == 0 {
		c.Bridge.MaxBatch = 1000
	}
	if c.Bridge.WaitTimeout < 0 || c.Bridge.DrainWindow < 0 || c.Bridge.MaxDrain < 0 || c.Bridge.StartupDelay < 0 {
		return fmt.Errorf("bridge durations must not be negative")
	}
	if c.Bridge.MaxBatch < 0 {
		return fmt.Errorf("bridge.max_batch must not be negative")
	}

	if c.Consumer.Queue == "" {
		c.Consumer.Queue = c.Broker.LatestUpdateQueue
	}
	if c.Consumer.Prefetch == 0 {
		c.Consumer.Prefetch = 1
	}
	if c.Consumer.MinBackoff == 0 {
		c.Consumer.MinBackoff = time.Second
	}
	if c.Consumer.MaxBackoff == 0 {
		c.Consumer.MaxBackoff = 30 * time.Second
	}
	if c.Consumer.ResetAfter == 0 {
		c.Consumer.ResetAfter = 30 * time.Second
	}
	if c.Consumer.MinBackoff < 0 || c.Consumer.MaxBackoff < c.Consumer.MinBackoff {
		return fmt.Errorf("consumer backoff must satisfy 0 <= min_backoff <= max_backoff")
	}

	if c.Aggregator.KeyScheme == "" {
		c.Aggregator.KeyScheme = KeySchemeTable
	}
	switch c.Aggregator.KeyScheme {
	case KeySchemeTable, KeySchemeGlobal:
	default:
		return fmt.Errorf("invalid aggregator.key_scheme: %s (valid options: table, global)", c.Aggregator.KeyScheme)
	}

	if c.Aggregator.State == "" {
		c.Aggregator.State = StateMemory
	}
	switch c.Aggregator.State {
	case StateMemory:
	case StateRedis:
		if c.Aggregator.Redis.Addr == "" {
			return fmt.Errorf("aggregator.redis.addr is required when aggregator.state is redis")
		}
		if c.Aggregator.Redis.KeyPrefix == "" {
			c.Aggregator.Redis.KeyPrefix = "pgrelay:aggregate:"
		}
	default:
		return fmt.Errorf("invalid aggregator.state: %s (valid options: memory, redis)", c.Aggregator.State)
	}

	if c.Metrics.Store == "" {
		c.Metrics.Store = StorePostgres
	}
	switch c.Metrics.Store {
	case StorePostgres, StoreBolt:
	default:
		return fmt.Errorf("invalid metrics.store: %s (valid options: postgres, bolt)", c.Metrics.Store)
	}
	if c.Metrics.Table == "" {
		c.Metrics.Table = "lastupdated"
	}
	if c.Metrics.Database.Port == 0 {
		c.Metrics.Database.Port = 5432
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	return nil
}

// RequireSource checks the settings the bridge and installer need.
func (c *Config) RequireSource() error {
	if c.Source.Host == "" {
		return fmt.Errorf("source.host is required")
	}
	if c.Source.Database == "" {
		return fmt.Errorf("source.database is required")
	}
	if c.Source.User == "" {
		return fmt.Errorf("source.user is required")
	}
	return nil
}

// RequireMetrics checks the settings the extractor and status commands need.
func (c *Config) RequireMetrics() error {
	switch c.Metrics.Store {
	case StoreBolt:
		if c.Metrics.BoltPath == "" {
			return fmt.Errorf("metrics.bolt_path is required when metrics.store is bolt")
		}
	default:
		if c.Metrics.Database.Host == "" {
			return fmt.Errorf("metrics.database.host is required")
		}
		if c.Metrics.Database.Database == "" {
			return fmt.Errorf("metrics.database.database is required")
		}
		if c.Metrics.Database.User == "" {
			return fmt.Errorf("metrics.database.user is required")
		}
	}
	return nil
}

func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, sslMode)
}
