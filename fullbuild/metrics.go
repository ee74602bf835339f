package fullbuild

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/kvindex/dispatch"
	"github.com/drpcorg/kvindex/lock"
)

var RecordResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvindex",
	Subsystem: "fullbuild",
	Name:      "record_results",
}, []string{"index", "result", "state"})

var RecordDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "kvindex",
	Subsystem: "fullbuild",
	Name:      "record_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"index"})

var PartitionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvindex",
	Subsystem: "fullbuild",
	Name:      "partition_results",
}, []string{"index", "result"})

var ActiveWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kvindex",
	Subsystem: "fullbuild",
	Name:      "active_workers",
}, []string{"index"})

// RegisterMetrics registers every kvindex vector with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range []prometheus.Collector{
		RecordResults,
		RecordDuration,
		PartitionResults,
		ActiveWorkers,
		lock.AcquireResults,
		lock.AcquireDuration,
		lock.RenewResults,
		lock.ReleaseOutcomes,
		dispatch.Requests,
		dispatch.Entries,
		dispatch.Duration,
	} {
		errs = append(errs, reg.Register(c))
	}
	return errors.Join(errs...)
}
