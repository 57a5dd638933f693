package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSent(3)
	m.RecordSent(2)
	m.RecordExhausted(1)
	m.RecordReceived()
	m.RecordReconnect()
	m.RecordRateLimitPause()
	m.SetConnectionState(2)
	m.RecordChunk()
	m.RecordUnitPlayed("event", 200*time.Millisecond)
	m.RecordUnitPlayed("timer", 300*time.Millisecond)
	m.RecordUnitFailure("upload")
	m.RecordFirstAudio(time.Second)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"sent", m.MessagesSent, 2},
		{"queue depth", m.QueueDepth, 1},
		{"exhausted", m.DeliveriesExhausted, 1},
		{"received", m.MessagesReceived, 1},
		{"reconnects", m.Reconnects, 1},
		{"rate limit", m.RateLimitPauses, 1},
		{"state", m.ConnectionState, 2},
		{"chunks", m.ChunksEmitted, 1},
		{"played", m.UnitsPlayed, 2},
		{"event completions", m.UnitCompletions.WithLabelValues("event"), 1},
		{"timer completions", m.UnitCompletions.WithLabelValues("timer"), 1},
		{"upload failures", m.UnitFailures.WithLabelValues("upload"), 1},
		{"play failures", m.UnitFailures.WithLabelValues("play"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(m.UploadLatency); n != 1 {
		t.Errorf("expected 1 upload latency series, got %d", n)
	}
}

func TestMetricsSeparateRegistries(t *testing.T) {
	// Two instances on their own registries must not collide.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
