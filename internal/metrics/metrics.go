// Package metrics exposes Prometheus instrumentation for the scoring
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors registered by the engine.
type Metrics struct {
	registry *prometheus.Registry

	SignalsIngested  *prometheus.CounterVec
	SignalsInvalid   *prometheus.CounterVec
	TriageDecisions  *prometheus.CounterVec
	RisksMerged      prometheus.Counter
	CascadeCycles    prometheus.Counter
	PolicyChanges    prometheus.Counter
	StaleIndices     *prometheus.CounterVec
	ScoreDuration    prometheus.Histogram
	CascadeDuration  prometheus.Histogram
	OpenRisks        *prometheus.GaugeVec
	NarrativeFailed  prometheus.Counter
	NarrativeLatency prometheus.Histogram
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SignalsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_signals_ingested_total",
			Help: "Signals accepted after normalization, by source.",
		}, []string{"source"}),
		SignalsInvalid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_signals_invalid_total",
			Help: "Signals dropped during normalization, by source.",
		}, []string{"source"}),
		TriageDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_triage_decisions_total",
			Help: "Triage outcomes for scored candidates, by decision.",
		}, []string{"decision"}),
		RisksMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_risks_merged_total",
			Help: "Candidates merged into existing open risks.",
		}),
		CascadeCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_cascade_cycles_detected_total",
			Help: "Cyclic dependency components skipped during cascade.",
		}),
		PolicyChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_policy_changes_total",
			Help: "Policy version activations.",
		}),
		StaleIndices: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_stale_indices_total",
			Help: "Index computations that fell back to the last snapshot, by index.",
		}, []string{"index"}),
		ScoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskengine_score_compute_duration_seconds",
			Help:    "Wall time of one per-service score computation.",
			Buckets: prometheus.DefBuckets,
		}),
		CascadeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskengine_cascade_duration_seconds",
			Help:    "Wall time of one full cascade propagation pass.",
			Buckets: prometheus.DefBuckets,
		}),
		OpenRisks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskengine_open_risks",
			Help: "Open risks by band at the last scoring pass.",
		}, []string{"band"}),
		NarrativeFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_narrative_requests_failed_total",
			Help: "Narrative enrichment requests that timed out or errored.",
		}),
		NarrativeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskengine_narrative_request_duration_seconds",
			Help:    "Latency of narrative enrichment requests.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
