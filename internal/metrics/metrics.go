// Package metrics exposes sync engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
)

const namespace = "pitchside"

// Sync records push, pull and conflict activity. A nil *Sync is valid and
// records nothing, so components can take one unconditionally.
type Sync struct {
	registry *prometheus.Registry

	push      *prometheus.CounterVec
	pull      *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	outbox    *prometheus.GaugeVec
}

// New creates the collectors on a private registry.
func New() *Sync {
	s := &Sync{
		registry: prometheus.NewRegistry(),
		push: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "Outbox push attempts by result.",
		}, []string{LabelTable, LabelResult}),
		pull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_records_total",
			Help:      "Records received from the remote by action taken.",
		}, []string{LabelTable, LabelAction}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts detected by resolution strategy.",
		}, []string{LabelTable, LabelStrategy}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_duration_seconds",
			Help:      "Latency of a single push request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelTable}),
		outbox: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_entries",
			Help:      "Live outbox entries by state.",
		}, []string{LabelTable, LabelState}),
	}
	s.registry.MustRegister(s.push, s.pull, s.conflicts, s.duration, s.outbox,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Registry returns the private registry.
func (s *Sync) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Handler serves the registry in the Prometheus text format.
func (s *Sync) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordPush counts one push attempt and its latency.
func (s *Sync) RecordPush(table domain.Table, result string, d time.Duration) {
	if s == nil {
		return
	}
	s.push.WithLabelValues(string(table), result).Inc()
	s.duration.WithLabelValues(string(table)).Observe(d.Seconds())
}

// RecordPull counts one pulled record.
func (s *Sync) RecordPull(table domain.Table, action string) {
	if s == nil {
		return
	}
	s.pull.WithLabelValues(string(table), action).Inc()
}

// RecordConflict counts one conflict resolved with strategy.
func (s *Sync) RecordConflict(table domain.Table, strategy outbox.Strategy) {
	if s == nil {
		return
	}
	s.conflicts.WithLabelValues(string(table), string(strategy)).Inc()
}

// SetOutbox replaces the outbox gauges with stats.
func (s *Sync) SetOutbox(stats map[domain.Table]outbox.Stats) {
	if s == nil {
		return
	}
	s.outbox.Reset()
	for table, st := range stats {
		t := string(table)
		s.outbox.WithLabelValues(t, string(outbox.StateUnsynced)).Set(float64(st.Pending))
		s.outbox.WithLabelValues(t, string(outbox.StateFailedRetryable)).Set(float64(st.Retrying))
		s.outbox.WithLabelValues(t, string(outbox.StateFailedTerminal)).Set(float64(st.Failed))
		s.outbox.WithLabelValues(t, string(outbox.StateConflict)).Set(float64(st.Conflicted))
	}
}
