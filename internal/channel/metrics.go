package channel

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var Connections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "channel",
	Name:      "connections",
}, []string{"result"})

var FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "channel",
	Name:      "frames_received",
}, []string{"type"})

var MalformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "channel",
	Name:      "malformed_frames",
})

var SnapshotRequestsSent = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statecast",
	Subsystem: "channel",
	Name:      "snapshot_requests_sent",
})

func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		Connections,
		FramesReceived,
		MalformedFrames,
		SnapshotRequestsSent,
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
