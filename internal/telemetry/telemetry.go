package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "pgrelay"

// Registry holds every pgrelay collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	NotificationsReceived = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "notifications_received_total",
		Help:      "Notifications drained from the change channel",
	})
	DecodeFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "decode_failures_total",
		Help:      "Notifications dropped because the payload did not decode",
	})
	MessagesPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "messages_published_total",
		Help:      "Derived messages handed to the broker, by queue",
	}, []string{"queue"})

	ConsumerReconnects = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "reconnects_total",
		Help:      "Transport failures that triggered a reconnect",
	})
	ConsumerState = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "state",
		Help:      "Current consumer state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closing)",
	})
	MessagesProcessed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "messages_processed_total",
		Help:      "Messages the processor handled successfully",
	})
	ProcessingFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consumer",
		Name:      "processing_failures_total",
		Help:      "Messages dropped because the processor failed",
	})

	LastDeltaSeconds = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregate",
		Name:      "last_delta_seconds",
		Help:      "Most recent delta between consecutive updates, by key",
	}, []string{"key"})
	NegativeDeltas = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregate",
		Name:      "negative_deltas_total",
		Help:      "Updates observed out of order, by key",
	}, []string{"key"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Serve exposes /metrics on addr in the background. An empty addr disables
// the endpoint and returns nil.
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics endpoint stopped")
		}
	}()

	return server
}
