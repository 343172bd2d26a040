package disbursement

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "disbursement"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Disburse calls by outcome label.
	Disbursements metrics.Counter
	// Seconds from broadcast to an observed receipt.
	ConfirmSeconds metrics.Histogram
	// Settle writes retried after a transient store failure.
	SettleRetries metrics.Counter
	// Confirmed transfers handed to the background settler.
	DeferredSettlements metrics.Counter
	// Reconcile calls by resulting attempt state.
	Reconciliations metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
// The collectors register with the default registry, so call it once.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Disbursements: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_total",
			Help:      "Disburse calls partitioned by outcome.",
		}, []string{"outcome"}),
		ConfirmSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirm_seconds",
			Help:      "Time from broadcast to receipt.",
			Buckets:   stdprometheus.ExponentialBuckets(1, 2, 10),
		}, []string{}),
		SettleRetries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "settle_retries_total",
			Help:      "Settlement writes retried after a store failure.",
		}, []string{}),
		DeferredSettlements: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "deferred_settlements_total",
			Help:      "Confirmed transfers left for the background settler.",
		}, []string{}),
		Reconciliations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reconciliations_total",
			Help:      "Operator reconciliations partitioned by resulting attempt state.",
		}, []string{"state"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Disbursements:       discard.NewCounter(),
		ConfirmSeconds:      discard.NewHistogram(),
		SettleRetries:       discard.NewCounter(),
		DeferredSettlements: discard.NewCounter(),
		Reconciliations:     discard.NewCounter(),
	}
}
