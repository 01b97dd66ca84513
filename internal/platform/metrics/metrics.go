package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the action pipeline.
type Metrics struct {
	ActionsSubmitted *prometheus.CounterVec
	ActionsCompleted *prometheus.CounterVec
	ActionsFailed    *prometheus.CounterVec
	DuplicateHits    prometheus.Counter
	DispatchSeconds  prometheus.Histogram
}

// New creates and registers the pipeline metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in main; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActionsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "curbwise_action_requests_submitted_total",
			Help: "Action requests accepted past validation and authorization",
		}, []string{"kind"}),
		ActionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "curbwise_action_requests_completed_total",
			Help: "Action requests that reached the completed state",
		}, []string{"kind"}),
		ActionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "curbwise_action_requests_failed_total",
			Help: "Action requests that reached the failed state",
		}, []string{"kind"}),
		DuplicateHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "curbwise_action_requests_duplicate_total",
			Help: "Submissions short-circuited by an existing completed-actions record",
		}),
		DispatchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "curbwise_action_dispatch_duration_seconds",
			Help:    "Handler dispatch duration per action request",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
