// Package metrics exposes pipeline counters and gauges to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/abelbrown/harvest/internal/model"
)

// Entry outcomes used as the "outcome" label.
const (
	OutcomeAcquired     = "acquired"
	OutcomeRejected     = "rejected"
	OutcomeAgentFailed  = "agent_failed"
	OutcomeExhausted    = "capacity_exhausted"
	OutcomeWriteFailed  = "write_failed"
	outcomeDeniedPrefix = "denied_"
)

// Metrics holds every collector harvest registers.
type Metrics struct {
	entries       *prometheus.CounterVec
	evictions     prometheus.Counter
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	diskUsage     prometheus.Gauge
	diskBudget    prometheus.Gauge
	records       *prometheus.GaugeVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		entries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_entries_total",
			Help: "Feed entries processed, by outcome.",
		}, []string{"outcome"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_evictions_total",
			Help: "Completed records evicted to free space.",
		}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_cycles_total",
			Help: "Pipeline cycles run, by result.",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_cycle_duration_seconds",
			Help:    "Wall time of one pipeline cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		diskUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_disk_usage_bytes",
			Help: "Bytes occupied under the content directory.",
		}),
		diskBudget: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_disk_budget_bytes",
			Help: "Configured disk budget.",
		}),
		records: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_records",
			Help: "Tracked records, by status.",
		}, []string{"status"}),
	}
}

// Entry counts one processed entry.
func (m *Metrics) Entry(outcome string) {
	m.entries.WithLabelValues(outcome).Inc()
}

// Denied counts an entry refused by admission.
func (m *Metrics) Denied(reason string) {
	m.entries.WithLabelValues(outcomeDeniedPrefix + reason).Inc()
}

// Evicted counts n evictions.
func (m *Metrics) Evicted(n int) {
	m.evictions.Add(float64(n))
}

// Cycle records one cycle's result and duration.
func (m *Metrics) Cycle(result string, d time.Duration) {
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// Disk sets the usage and budget gauges.
func (m *Metrics) Disk(used, budget int64) {
	m.diskUsage.Set(float64(used))
	m.diskBudget.Set(float64(budget))
}

// Records sets the per-status record gauge.
func (m *Metrics) Records(counts map[model.Status]int) {
	for _, s := range model.Statuses {
		m.records.WithLabelValues(s.Label()).Set(float64(counts[s]))
	}
}
