package replica

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var SnapshotsApplied = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "replica",
	Name:      "snapshots_applied",
})

var DeltasReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "replica",
	Name:      "deltas_received",
}, []string{"outcome"})

var Drains = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "replica",
	Name:      "drains",
}, []string{"result"})

var ResyncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "replica",
	Name:      "resync_requests",
}, []string{"reason"})

var PendingDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "statecast",
	Subsystem: "replica",
	Name:      "pending_depth",
})

var LastAppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "statecast",
	Subsystem: "replica",
	Name:      "last_applied_index",
})

var ApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "statecast",
	Subsystem: "replica",
	Name:      "apply_duration_seconds",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
})

// RegisterMetrics registers the replica collectors with reg. Collectors that
// are already registered are skipped.
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		SnapshotsApplied,
		DeltasReceived,
		Drains,
		ResyncRequests,
		PendingDepth,
		LastAppliedIndex,
		ApplyDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
