// Package metrics holds the Prometheus collectors shared by the pipeline stages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OK    = "ok"
	Error = "error"
)

// Metrics groups every collector the pipeline exports. A nil *Metrics is
// valid and records nothing, so stages can run without a registry.
type Metrics struct {
	StageRuns     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageItems    *prometheus.CounterVec
	AICalls       *prometheus.CounterVec
	EmailsSent    *prometheus.CounterVec
	TrackEvents   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Name:      "stage_runs_total",
			Help:      "Pipeline stage invocations by outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "digest",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of pipeline stage runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		StageItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Name:      "stage_items_total",
			Help:      "Items handled by pipeline stages by result.",
		}, []string{"stage", "result"}),
		AICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Name:      "ai_calls_total",
			Help:      "Text-completion calls by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		EmailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Name:      "emails_sent_total",
			Help:      "Outbound newsletter emails by outcome.",
		}, []string{"outcome"}),
		TrackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Name:      "track_events_total",
			Help:      "Tracking requests by event type and outcome.",
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(m.StageRuns, m.StageDuration, m.StageItems, m.AICalls, m.EmailsSent, m.TrackEvents)
	return m
}

// ObserveRun records one stage invocation.
func (m *Metrics) ObserveRun(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, outcome(err)).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AddItems adds n items with the given result to a stage.
func (m *Metrics) AddItems(stage, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StageItems.WithLabelValues(stage, result).Add(float64(n))
}

// AICall records one completion call.
func (m *Metrics) AICall(purpose string, err error) {
	if m == nil {
		return
	}
	m.AICalls.WithLabelValues(purpose, outcome(err)).Inc()
}

// EmailSent records one email send attempt.
func (m *Metrics) EmailSent(err error) {
	if m == nil {
		return
	}
	m.EmailsSent.WithLabelValues(outcome(err)).Inc()
}

// TrackEvent records one tracking request.
func (m *Metrics) TrackEvent(kind, result string) {
	if m == nil {
		return
	}
	m.TrackEvents.WithLabelValues(kind, result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return Error
	}
	return OK
}
