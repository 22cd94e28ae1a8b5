package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pgrelay/pgrelay/internal/config"
)

// MetricRecord is one observed delta between consecutive updates.
type MetricRecord struct {
	ID           int64     `json:"id"`
	ObservedTime time.Time `json:"observed_time"`
	DeltaSeconds int64     `json:"delta_seconds"`
	TableName    string    `json:"table_name"`
}

// MetricStore persists metric records. Append assigns the record's ID.
type MetricStore interface {
	Append(ctx context.Context, record *MetricRecord) error
	Latest(ctx context.Context) ([]MetricRecord, error)
	Close() error
}

const (
	CreatedAtKey = "created_at"
	LastStartKey = "last_start"
)

// MetadataStore is implemented by stores that keep bookkeeping values next
// to the records. Only the bolt store does.
type MetadataStore interface {
	SetMetadata(ctx context.Context, key, value string) error
	Metadata(ctx context.Context, key string) (string, bool, error)
}

// RecordStart stamps LastStartKey with now on stores that keep metadata.
func RecordStart(ctx context.Context, store MetricStore, now time.Time) error {
	meta, ok := store.(MetadataStore)
	if !ok {
		return nil
	}
	return meta.SetMetadata(ctx, LastStartKey, now.UTC().Format(time.RFC3339))
}

// Open returns the store selected by cfg.Store. The Postgres store creates
// its table if it does not exist.
func Open(ctx context.Context, cfg config.MetricsConfig) (MetricStore, error) {
	switch cfg.Store {
	case config.StoreBolt:
		return NewBoltStore(cfg.BoltPath)
	case config.StorePostgres, "":
		return NewPostgresStore(ctx, cfg.Database.ConnectionString(), cfg.Table)
	default:
		return nil, fmt.Errorf("unknown metrics store: %s", cfg.Store)
	}
}
