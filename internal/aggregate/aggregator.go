// Package aggregate turns the stream of latest-update messages into
// inter-update delta records.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pgrelay/pgrelay/internal/config"
	"github.com/pgrelay/pgrelay/internal/message"
	"github.com/pgrelay/pgrelay/internal/storage"
	"github.com/pgrelay/pgrelay/internal/telemetry"
)

// GlobalKey is the single aggregation key used by the global scheme.
const GlobalKey = "_global"

type Alerter interface {
	SendDeltaAnomalyAlert(tableName string, deltaSeconds int64, observed time.Time) error
}

type Config struct {
	KeyScheme string
	Alerter   Alerter
}

// Aggregator computes, for each message, the whole seconds elapsed since the
// previous message with the same key and appends the result to the metric
// store. The first message for a key yields 0.
type Aggregator struct {
	config Config
	store  storage.MetricStore
	state  StateStore
	mu     sync.Mutex
}

func NewAggregator(store storage.MetricStore, state StateStore, cfg Config) *Aggregator {
	if cfg.KeyScheme == "" {
		cfg.KeyScheme = config.KeySchemeTable
	}
	if state == nil {
		state = NewMemoryState()
	}
	return &Aggregator{config: cfg, store: store, state: state}
}

// ProcessMessage decodes a latest-update body and processes it.
func (a *Aggregator) ProcessMessage(ctx context.Context, body []byte) error {
	var msg message.LatestUpdate
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	_, err := a.Process(ctx, msg)
	return err
}

// Process records one update. The previous timestamp only advances once the
// record has been stored, so a failed append leaves the state untouched.
func (a *Aggregator) Process(ctx context.Context, msg message.LatestUpdate) (*storage.MetricRecord, error) {
	if msg.Table == "" {
		return nil, fmt.Errorf("message has no table")
	}

	ts, err := msg.Time()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.key(msg.Table)

	prev, seen, err := a.state.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var delta int64
	if seen {
		delta = deltaSeconds(prev, ts)
	}

	record := &storage.MetricRecord{
		ObservedTime: ts,
		DeltaSeconds: delta,
		TableName:    msg.Table,
	}
	if err := a.store.Append(ctx, record); err != nil {
		return nil, err
	}

	if err := a.state.Set(ctx, key, ts); err != nil {
		return nil, err
	}

	telemetry.LastDeltaSeconds.WithLabelValues(key).Set(float64(delta))

	if delta < 0 {
		a.reportNegative(key, record)
	}

	log.Debug().
		Str("table", msg.Table).
		Int64("delta_seconds", delta).
		Int64("id", record.ID).
		Msg("Recorded update delta")

	return record, nil
}

func (a *Aggregator) key(table string) string {
	if a.config.KeyScheme == config.KeySchemeGlobal {
		return GlobalKey
	}
	return table
}

func (a *Aggregator) reportNegative(key string, record *storage.MetricRecord) {
	telemetry.NegativeDeltas.WithLabelValues(key).Inc()
	log.Warn().
		Str("table", record.TableName).
		Int64("delta_seconds", record.DeltaSeconds).
		Time("observed_time", record.ObservedTime).
		Msg("Update arrived with an earlier timestamp than its predecessor")

	if a.config.Alerter == nil {
		return
	}
	if err := a.config.Alerter.SendDeltaAnomalyAlert(record.TableName, record.DeltaSeconds, record.ObservedTime); err != nil {
		log.Warn().Err(err).Msg("Failed to send alert")
	}
}

// deltaSeconds rounds to the nearest whole second, halves away from zero.
func deltaSeconds(prev, ts time.Time) int64 {
	return int64(ts.Sub(prev).Round(time.Second) / time.Second)
}
