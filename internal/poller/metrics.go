package poller

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts tick outcomes per loop so a stuck or failing loop is
// visible without log digging.
type Metrics struct {
	Ticks *prometheus.CounterVec
}

// NewMetrics creates and registers the poller metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statemachine",
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Tick outcomes per poller loop.",
		}, []string{"loop", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Ticks)
	}
	return m
}

func (m *Metrics) observe(loop string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Ticks.WithLabelValues(loop, result).Inc()
}
