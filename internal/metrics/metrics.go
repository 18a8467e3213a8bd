// Package metrics exposes tracker activity as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hfi/failwatch/pkg/storage"
	"github.com/hfi/failwatch/pkg/tracker"
)

const namespace = "failwatch"

// Metrics holds the tracker collectors. It implements tracker.Observer.
type Metrics struct {
	// FailuresTotal counts recorded failures that left the identifier watched
	FailuresTotal prometheus.Counter

	// PromotionsTotal counts watchlist to blacklist promotions
	PromotionsTotal prometheus.Counter

	// IgnoredFailuresTotal counts failures reported against blocked identifiers
	IgnoredFailuresTotal prometheus.Counter

	// BlockChecksTotal counts IsBlocked calls by result
	BlockChecksTotal *prometheus.CounterVec

	// RehabilitationsTotal counts explicit rehabilitations
	RehabilitationsTotal prometheus.Counter

	// BackendErrorsTotal counts store failures by operation and class
	BackendErrorsTotal *prometheus.CounterVec

	// OperationDuration tracks tracker operation latency
	OperationDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_recorded_total",
			Help:      "Total number of failures recorded on the watchlist",
		}),
		PromotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Total number of identifiers promoted to the blacklist",
		}),
		IgnoredFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_ignored_total",
			Help:      "Total number of failures reported against already blocked identifiers",
		}),
		BlockChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_checks_total",
			Help:      "Total number of blacklist checks",
		}, []string{"result"}), // "blocked" or "allowed"
		RehabilitationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rehabilitations_total",
			Help:      "Total number of rehabilitated identifiers",
		}),
		BackendErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of failed store operations",
		}, []string{"op", "class"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Tracker operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Observe records a tracker event
func (m *Metrics) Observe(_ context.Context, e tracker.Event) {
	switch e.Type {
	case tracker.EventFailureRecorded:
		m.FailuresTotal.Inc()
	case tracker.EventPromoted:
		m.PromotionsTotal.Inc()
	case tracker.EventFailureIgnored:
		m.IgnoredFailuresTotal.Inc()
	case tracker.EventBlockChecked:
		result := "allowed"
		if e.Blocked {
			result = "blocked"
		}
		m.BlockChecksTotal.WithLabelValues(result).Inc()
	case tracker.EventRehabilitated:
		m.RehabilitationsTotal.Inc()
	case tracker.EventBackendError:
		class := storage.Class(e.Err)
		if class == "" {
			class = "other"
		}
		m.BackendErrorsTotal.WithLabelValues(e.Op, class).Inc()
	}

	if e.Op != "" {
		m.OperationDuration.WithLabelValues(e.Op).Observe(e.Duration.Seconds())
	}
}

// RegisterStoreSize exposes the number of live keys of an in-process store
func RegisterStoreSize(reg prometheus.Registerer, size func() int) prometheus.GaugeFunc {
	return promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_store_keys",
		Help:      "Current number of keys held by the in-process store",
	}, func() float64 {
		return float64(size())
	})
}
