package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of an Engine.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tbot",
			Name:      "testcase_runs_total",
			Help:      "Finished testcase executions by testcase and status.",
		}, []string{"testcase", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tbot",
			Name:      "testcase_duration_seconds",
			Help:      "Duration of testcase executions.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"testcase"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tbot",
			Name:      "testcase_running",
			Help:      "Testcase executions currently running.",
		}),
	}
}

func (m *Metrics) started() { m.running.Inc() }

func (m *Metrics) finished(e *Execution) {
	m.running.Dec()
	m.runs.WithLabelValues(e.Testcase, string(e.Status)).Inc()
	if e.EndTime != nil {
		m.duration.WithLabelValues(e.Testcase).Observe(e.EndTime.Sub(e.StartTime).Seconds())
	}
}
