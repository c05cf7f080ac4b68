// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"welcomebot/internal/eventbus"
)

type Metrics struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	fetchErrors   prometheus.Counter
	welcomes      *prometheus.CounterVec
	incomplete    prometheus.Counter
	baselineRows  prometheus.Gauge
	lastCycle     prometheus.Gauge
	cycleDuration prometheus.Histogram
}

// New registers the bot's collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "welcomebot_cycles_total",
			Help: "Poll cycles by outcome.",
		}, []string{"outcome"}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "welcomebot_fetch_errors_total",
			Help: "Fetches that failed; the baseline was kept.",
		}),
		welcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "welcomebot_welcomes_total",
			Help: "Welcome attempts by result (sent, failed, skipped).",
		}, []string{"result", "stage"}),
		incomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "welcomebot_incomplete_rows_total",
			Help: "Cycles where the newest row was missing required fields.",
		}),
		baselineRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "welcomebot_baseline_rows",
			Help: "Rows in the current baseline.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "welcomebot_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed cycle.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "welcomebot_cycle_duration_seconds",
			Help:    "Wall time of a poll cycle, including render and send.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	m.reg.MustRegister(
		m.cycles, m.fetchErrors, m.welcomes, m.incomplete,
		m.baselineRows, m.lastCycle, m.cycleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe folds one bus event into the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.CycleCompleted:
		c, _ := e.Data.(eventbus.Cycle)
		m.cycles.WithLabelValues(c.Outcome).Inc()
		m.baselineRows.Set(float64(c.Baseline))
		m.cycleDuration.Observe(c.Took.Seconds())
		m.lastCycle.Set(float64(e.Time.Unix()))
	case eventbus.FetchFailed:
		m.fetchErrors.Inc()
	case eventbus.RecordIncomplete:
		m.incomplete.Inc()
	case eventbus.WelcomeSent:
		m.welcomes.WithLabelValues("sent", "send").Inc()
	case eventbus.WelcomeFailed:
		h, _ := e.Data.(eventbus.Hire)
		m.welcomes.WithLabelValues("failed", h.Stage).Inc()
	case eventbus.RecordSkipped:
		m.welcomes.WithLabelValues("skipped", "ledger").Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
