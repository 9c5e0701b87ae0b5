package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is constructed against an explicit registry so concurrent
// runs (tests included) do not interfere.
type Metrics struct {
	EventsFetched   *prometheus.CounterVec
	EventsPersisted *prometheus.CounterVec
	TopicsSkipped   *prometheus.CounterVec
	SchemaFetches   prometheus.Counter
	CycleDuration   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siphon_events_fetched_total",
			Help: "Envelopes received from the transport, per topic.",
		}, []string{"topic"}),
		EventsPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siphon_events_persisted_total",
			Help: "Decoded events durably flushed, per topic.",
		}, []string{"topic"}),
		TopicsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siphon_topics_skipped_total",
			Help: "Topic cycles abandoned, per reason.",
		}, []string{"reason"}),
		SchemaFetches: f.NewCounter(prometheus.CounterOpts{
			Name: "siphon_schema_fetches_total",
			Help: "Schema cache misses that went to the fetch collaborator.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "siphon_cycle_duration_seconds",
			Help:    "Wall time of one ingestion cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func Expose(port int, g prometheus.Gatherer) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
