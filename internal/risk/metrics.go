package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	assessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "risk",
		Name:      "assessments_total",
		Help:      "Risk assessments produced, by level.",
	}, []string{"level"})

	degradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "risk",
		Name:      "degraded_total",
		Help:      "Assessments replaced by the degraded safe default.",
	})

	analyzerFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "risk",
		Name:      "analyzer_fallbacks_total",
		Help:      "External analyzer calls that fell back to rules.",
	}, []string{"analyzer"})

	graphLookupFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "risk",
		Name:      "graph_lookup_failures_total",
		Help:      "Relationship graph lookups treated as not detected.",
	}, []string{"check"})

	assessmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "txrisk",
		Subsystem: "risk",
		Name:      "assessment_duration_seconds",
		Help:      "End-to-end scoring latency.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	sinkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "risk",
		Name:      "sink_failures_total",
		Help:      "Risk update events the sink failed to accept.",
	})
)

func init() {
	prometheus.MustRegister(
		assessmentsTotal,
		degradedTotal,
		analyzerFallbacks,
		graphLookupFailures,
		assessmentDuration,
		sinkFailures,
	)
}
