package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const App = "ditto"

// Consumer labels every per-subscription series.
type Consumer struct {
	Stream string
	Group  string
}

// Metrics is what coordinators and sinks report into.
type Metrics interface {
	Received(c Consumer)
	Unresolved(c Consumer)
	Skipped(c Consumer)
	Processed(c Consumer)
	Failed(c Consumer)
	CurrentEvent(c Consumer, number int64)
	Latency(c Consumer, d time.Duration)
	IO(kind, name, operation string, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Received(Consumer) {}
func (Nop) Unresolved(Consumer) {}
func (Nop) Skipped(Consumer) {}
func (Nop) Processed(Consumer) {}
func (Nop) Failed(Consumer) {}
func (Nop) CurrentEvent(Consumer, int64) {}
func (Nop) Latency(Consumer, time.Duration) {}
func (Nop) IO(string, string, string, time.Duration) {}

/*──────── prometheus ───────*/

type Prometheus struct {
	received   *prometheus.CounterVec
	unresolved *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	processed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	current    *prometheus.GaugeVec
	latency    *prometheus.HistogramVec
	io         *prometheus.HistogramVec
}

var consumerLabels = []string{"app", "stream", "group"}

// NewPrometheus registers the replication series on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, consumerLabels)
	}
	p := &Prometheus{
		received:   counter("ditto_events_received_total", "Events delivered by a subscription."),
		unresolved: counter("ditto_events_unresolved_total", "Linked events whose target no longer exists."),
		skipped:    counter("ditto_events_skipped_total", "Events the sink does not handle."),
		processed:  counter("ditto_events_processed_total", "Events replicated successfully."),
		failed:     counter("ditto_events_failed_total", "Events the sink failed to replicate."),
		current: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ditto_current_event",
			Help: "Position of the last event delivered on the subscribed stream.",
		}, consumerLabels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ditto_replication_latency_seconds",
			Help:    "Time between an event being written and being received.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 900, 3600},
		}, consumerLabels),
		io: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ditto_io_duration_seconds",
			Help:    "Duration of destination I/O.",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination_kind", "destination_name", "operation"}),
	}
	for _, c := range []prometheus.Collector{p.received, p.unresolved, p.skipped, p.processed, p.failed, p.current, p.latency, p.io} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) labels(c Consumer) prometheus.Labels {
	return prometheus.Labels{"app": App, "stream": c.Stream, "group": c.Group}
}

func (p *Prometheus) Received(c Consumer) { p.received.With(p.labels(c)).Inc() }
func (p *Prometheus) Unresolved(c Consumer) { p.unresolved.With(p.labels(c)).Inc() }
func (p *Prometheus) Skipped(c Consumer) { p.skipped.With(p.labels(c)).Inc() }
func (p *Prometheus) Processed(c Consumer) { p.processed.With(p.labels(c)).Inc() }
func (p *Prometheus) Failed(c Consumer) { p.failed.With(p.labels(c)).Inc() }

func (p *Prometheus) CurrentEvent(c Consumer, number int64) {
	p.current.With(p.labels(c)).Set(float64(number))
}

func (p *Prometheus) Latency(c Consumer, d time.Duration) {
	p.latency.With(p.labels(c)).Observe(d.Seconds())
}

func (p *Prometheus) IO(kind, name, operation string, d time.Duration) {
	p.io.WithLabelValues(kind, name, operation).Observe(d.Seconds())
}
