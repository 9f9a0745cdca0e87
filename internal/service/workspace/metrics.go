package workspace

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	provisions *prometheus.CounterVec
	duration   prometheus.Histogram
	repairs    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "workspace",
			Name:      "provision_total",
			Help:      "Workspace provisioning attempts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devspace",
			Subsystem: "workspace",
			Name:      "provision_duration_seconds",
			Help:      "Time from creation request to a terminal provisioning state.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devspace",
			Subsystem: "workspace",
			Name:      "network_repairs_total",
			Help:      "Workspace containers reattached to the shared network.",
		}),
	}
	if reg == nil {
		return m
	}
	m.provisions = register(reg, m.provisions)
	m.duration = register(reg, m.duration)
	m.repairs = register(reg, m.repairs)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
