package tcp

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector is the prometheus instrumentation optionally enabled via
// WithMetrics. It is intentionally narrow: the engine itself carries no
// metrics (a non-goal), this only covers what the concrete transport does
// before the engine ever sees a connection.
type metricsCollector struct {
	dialsOK    prometheus.Counter
	dialErrors prometheus.Counter
	accepts    prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *metricsCollector
)

func defaultMetrics() *metricsCollector {
	metricsOnce.Do(func() {
		sharedMetrics = &metricsCollector{
			dialsOK: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swarmcore",
				Subsystem: "tcp",
				Name:      "dials_ok_total",
				Help:      "Number of successful outbound TCP dials.",
			}),
			dialErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swarmcore",
				Subsystem: "tcp",
				Name:      "dial_errors_total",
				Help:      "Number of failed outbound TCP dials.",
			}),
			accepts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swarmcore",
				Subsystem: "tcp",
				Name:      "accepts_total",
				Help:      "Number of accepted inbound TCP connections.",
			}),
		}
		prometheus.MustRegister(sharedMetrics.dialsOK, sharedMetrics.dialErrors, sharedMetrics.accepts)
	})
	return sharedMetrics
}
