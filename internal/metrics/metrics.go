// Package metrics instruments the engine with Prometheus collectors, the
// way runZeroInc/go-tcpinfo wraps kernel socket counters in
// prometheus.NewCounterVec/GaugeVec. Every collector is optional: a nil
// *Registry is valid and every method on it is a no-op, so packages that
// embed a *Registry never need a nil-check at the call site beyond the one
// already implied by "pass nil to disable metrics".
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the counters and gauges this engine exposes. Construct
// one with New and register it with whatever prometheus.Registerer the
// host process uses.
type Registry struct {
	ControlPointWrites *prometheus.CounterVec
	LockHeld           prometheus.Gauge
	AseState           *prometheus.GaugeVec
}

// New builds a Registry and registers its collectors with reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the global default
// registry.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ControlPointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gattd",
			Name:      "control_point_writes_total",
			Help:      "Control-point writes processed, by service and result.",
		}, []string{"service", "result"}),
		LockHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gattd",
			Name:      "csis_lock_held",
			Help:      "1 while the coordinated-set lock is held, 0 when released.",
		}),
		AseState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gattd",
			Name:      "ascs_ase_state",
			Help:      "Number of ASEs currently in each ASCS state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.ControlPointWrites, m.LockHeld, m.AseState)
	return m
}

// ObserveWrite increments the write counter for service/result. Safe to
// call on a nil *Registry.
func (m *Registry) ObserveWrite(service, result string) {
	if m == nil {
		return
	}
	m.ControlPointWrites.WithLabelValues(service, result).Inc()
}

func (m *Registry) SetLockHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.LockHeld.Set(1)
	} else {
		m.LockHeld.Set(0)
	}
}

func (m *Registry) SetAseCount(state string, n int) {
	if m == nil {
		return
	}
	m.AseState.WithLabelValues(state).Set(float64(n))
}
