package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/refdb/pkg/native"
)

// Metrics counts call-ins by slot and result code, and contained faults
// by slot.
type Metrics struct {
	calls  *prometheus.CounterVec
	faults *prometheus.CounterVec
}

// NewMetrics returns unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refdb",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Backend call-ins by slot and boundary result code.",
		}, []string{"slot", "code"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refdb",
			Subsystem: "bridge",
			Name:      "faults_total",
			Help:      "Backend panics contained at the boundary, by slot.",
		}, []string{"slot"}),
	}
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.calls, m.faults} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(slot string, code native.Code) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(slot, code.String()).Inc()
}

func (m *Metrics) fault(slot string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(slot).Inc()
}
