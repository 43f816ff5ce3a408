package replication

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ditto/internal/event"
	"ditto/internal/telemetry"
)

type State int32

const (
	Idle State = iota
	Starting
	CatchingUp
	Live
	Subscribed
	Dropped
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case CatchingUp:
		return "catching-up"
	case Live:
		return "live"
	case Subscribed:
		return "subscribed"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// DefaultRestartDelay is the pause before resubscribing after a drop.
const DefaultRestartDelay = 3 * time.Second

// coordinator is what the Manager runs.
type coordinator interface {
	ID() string
	Run(ctx context.Context) error
	Ready() <-chan struct{}
	Stop()
	State() State
}

// base carries the lifecycle shared by both coordinators.
type base struct {
	id       string
	sub      Subscription
	labels   telemetry.Consumer
	sink     Sink
	metrics  telemetry.Metrics
	log      *slog.Logger
	stopping *atomic.Bool
	delay    time.Duration

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	current event.Subscription
	halted  bool
}

func (b *base) init(id string, s Subscription, sink Sink, m telemetry.Metrics, log *slog.Logger, stopping *atomic.Bool, delay time.Duration) {
	if m == nil {
		m = telemetry.Nop{}
	}
	if stopping == nil {
		stopping = &atomic.Bool{}
	}
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	b.id = id
	b.sub = s
	b.labels = telemetry.Consumer{Stream: s.Stream, Group: s.Group}
	b.sink = sink
	b.metrics = m
	b.log = log.With("consumer", id, "stream", s.Stream)
	b.stopping = stopping
	b.delay = delay
	b.ready = make(chan struct{})
}

func (b *base) ID() string             { return b.id }
func (b *base) Ready() <-chan struct{} { return b.ready }
func (b *base) State() State           { return State(b.state.Load()) }

func (b *base) setState(s State) {
	if prev := State(b.state.Swap(int32(s))); prev != s {
		b.log.Debug("state change", "from", prev.String(), "to", s.String())
	}
}

func (b *base) markReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}

// attach records the live subscription so Stop can close it. It reports
// false when Stop already ran.
func (b *base) attach(s event.Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halted {
		return false
	}
	b.current = s
	return true
}

func (b *base) detach() {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
}

// Stop closes the live subscription; Run returns once the in-flight event
// is finished.
func (b *base) Stop() {
	b.mu.Lock()
	b.halted = true
	cur := b.current
	b.mu.Unlock()
	if cur != nil {
		_ = cur.Close()
	}
}

func (b *base) finished(ctx context.Context) bool {
	if ctx.Err() != nil || b.stopping.Load() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted
}

func (b *base) observeLatency(e *event.Envelope) {
	if !e.CreatedAt.IsZero() {
		b.metrics.Latency(b.labels, time.Since(e.CreatedAt))
	}
}
