package source

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "source",
	Name:      "broadcasts",
}, []string{"kind"})

var Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "statecast",
	Subsystem: "source",
	Name:      "subscribers",
})

var SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "source",
	Name:      "slow_consumers_dropped",
})

var SnapshotRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "source",
	Name:      "snapshot_requests",
}, []string{"reason"})

var CurrentIndex = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "statecast",
	Subsystem: "source",
	Name:      "current_index",
})

func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		Broadcasts,
		Subscribers,
		SlowConsumers,
		SnapshotRequests,
		CurrentIndex,
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
