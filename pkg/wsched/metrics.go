package wsched

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the blend scheduler's Prometheus instruments, mirroring
// the teacher's convention of giving each long-lived subsystem its own
// small metrics struct registered once at construction rather than
// reaching for global counters from deep inside business logic.
type Metrics struct {
	admitted prometheus.Counter
	finished prometheus.Counter
	inFlight prometheus.Gauge
}

// NewMetrics builds and registers a Metrics set against reg. Passing a
// nil registry is fine for tests that don't care about metrics output.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qserv_worker",
			Subsystem: "scheduler",
			Name:      "tasks_admitted_total",
			Help:      "Total tasks handed out by the blend scheduler.",
		}),
		finished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qserv_worker",
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Total tasks reported finished to the blend scheduler.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qserv_worker",
			Subsystem: "scheduler",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently admitted across every sub-scheduler.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.admitted, m.finished, m.inFlight)
	}
	return m
}

// SetMetrics attaches m to b; subsequent GetCmdOrigin/CommandFinish calls
// update it. A nil m (the zero value BlendScheduler starts with) is a
// no-op, so metrics remain optional for callers that don't wire a
// registry.
func (b *BlendScheduler) SetMetrics(m *Metrics) {
	b.metrics = m
}

func (b *BlendScheduler) recordAdmit() {
	if b.metrics == nil {
		return
	}
	b.metrics.admitted.Inc()
	b.metrics.inFlight.Set(float64(b.total))
}

func (b *BlendScheduler) recordFinish() {
	if b.metrics == nil {
		return
	}
	b.metrics.finished.Inc()
	b.metrics.inFlight.Set(float64(b.total))
}
