package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	c := Consumer{Stream: "$ce-order", Group: "ditto"}
	p.Received(c)
	p.Received(c)
	p.Processed(c)
	p.Failed(c)
	p.CurrentEvent(c, 41)

	if got := testutil.ToFloat64(p.received.With(p.labels(c))); got != 2 {
		t.Fatalf("received=%v want 2", got)
	}
	if got := testutil.ToFloat64(p.current.With(p.labels(c))); got != 41 {
		t.Fatalf("current=%v want 41", got)
	}

	want := `
# HELP ditto_events_failed_total Events the sink failed to replicate.
# TYPE ditto_events_failed_total counter
ditto_events_failed_total{app="ditto",group="ditto",stream="$ce-order"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "ditto_events_failed_total"); err != nil {
		t.Fatal(err)
	}
}

func TestPrometheusIO(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	p.IO("sqs", "events", "send_message", 20*time.Millisecond)
	if n := testutil.CollectAndCount(p.io, "ditto_io_duration_seconds"); n != 1 {
		t.Fatalf("io series=%d want 1", n)
	}
}

func TestNewPrometheusRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheus(reg); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := NewPrometheus(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
