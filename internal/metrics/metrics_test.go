package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRun("collect", time.Second, nil)
	m.ObserveRun("collect", time.Second, errors.New("boom"))
	m.AddItems("filter", "accepted", 3)
	m.AddItems("filter", "accepted", 0)
	m.AICall("relevance", nil)
	m.EmailSent(errors.New("bounced"))
	m.TrackEvent("open", OK)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{name: "ok runs", c: m.StageRuns.WithLabelValues("collect", OK), want: 1},
		{name: "failed runs", c: m.StageRuns.WithLabelValues("collect", Error), want: 1},
		{name: "items", c: m.StageItems.WithLabelValues("filter", "accepted"), want: 3},
		{name: "ai calls", c: m.AICalls.WithLabelValues("relevance", OK), want: 1},
		{name: "emails", c: m.EmailsSent.WithLabelValues(Error), want: 1},
		{name: "track", c: m.TrackEvents.WithLabelValues("open", OK), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("collect", time.Second, nil)
	m.AddItems("collect", "new", 1)
	m.AICall("summary", nil)
	m.EmailSent(nil)
	m.TrackEvent("click", OK)
}
