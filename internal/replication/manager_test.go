package replication

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ditto/internal/event"
)

// blockingSink holds every event until its context is cancelled.
type blockingSink struct {
	entered chan struct{}
}

func (blockingSink) CanHandle(string) bool { return true }

func (s blockingSink) Consume(ctx context.Context, _ *event.Envelope) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestNewManagerValidates(t *testing.T) {
	src, sink, cp := newFakeSubscriber(0), newFakeSink(), newMemCheckpoints()
	one := []Subscription{{Stream: "a"}}
	cases := []struct {
		want string
		cfg  Config
	}{
		{"subscriber", Config{Sink: sink, Checkpoints: cp, Subscriptions: one}},
		{"sink", Config{Subscriber: src, Checkpoints: cp, Subscriptions: one}},
		{"checkpoint", Config{Subscriber: src, Sink: sink, Subscriptions: one}},
		{"no subscriptions", Config{Subscriber: src, Sink: sink, Checkpoints: cp}},
		{"without stream", Config{Subscriber: src, Sink: sink, Checkpoints: cp, Subscriptions: []Subscription{{}}}},
		{"needs a group", Config{Mode: Competing, Subscriber: src, Sink: sink, Subscriptions: one}},
	}
	for _, tc := range cases {
		_, err := NewManager(tc.cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v", tc.want, err)
		}
	}

	if _, err := NewManager(Config{Mode: Competing, Subscriber: src, Sink: sink,
		Subscriptions: []Subscription{{Stream: "a", Group: "g"}}}); err != nil {
		t.Fatalf("competing without checkpoints: %v", err)
	}
}

func TestManagerCatchUpStartStop(t *testing.T) {
	src, sink, cp := newFakeSubscriber(2), newFakeSink(), newMemCheckpoints()
	var released atomic.Int32
	m, err := NewManager(Config{
		Subscriber:    src,
		Sink:          sink,
		Checkpoints:   cp,
		Subscriptions: []Subscription{{Stream: "order-1"}, {Stream: "invoice-1"}},
		RestartDelay:  time.Millisecond,
		Release:       func() error { released.Add(1); return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "both live", func() bool {
		for _, s := range m.States() {
			if s != Live {
				return false
			}
		}
		return true
	})
	if pos, ok := cp.get("ReplicatingConsumer_invoice_1"); !ok || pos != 1 {
		t.Fatalf("invoice checkpoint = %d, %v", pos, ok)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	for id, s := range m.States() {
		if s != Stopped {
			t.Errorf("%s state = %s", id, s)
		}
	}
	if !cp.closed.Load() {
		t.Error("checkpoints not flushed on stop")
	}
	if released.Load() != 1 {
		t.Errorf("release called %d times", released.Load())
	}

	// Stop is idempotent.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if released.Load() != 1 {
		t.Errorf("release called %d times", released.Load())
	}
}

func TestManagerCompetingStartWaitsForSubscriptions(t *testing.T) {
	src, sink := newFakeSubscriber(0), newFakeSink()
	m, err := NewManager(Config{
		Mode:             Competing,
		Subscriber:       src,
		Sink:             sink,
		Subscriptions:    []Subscription{{Stream: "order-1", Group: "g"}, {Stream: "invoice-1", Group: "g"}},
		StartParallelism: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	states := m.States()
	if states["ReplicatingConsumer_order_1_g"] != Subscribed || states["ReplicatingConsumer_invoice_1_g"] != Subscribed {
		t.Fatalf("states after Start: %v", states)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestManagerCompetingStartGivesUp(t *testing.T) {
	src, sink := newFakeSubscriber(0), newFakeSink()
	src.subscribeErrs.Store(1 << 20)
	m, err := NewManager(Config{
		Mode:          Competing,
		Subscriber:    src,
		Sink:          sink,
		Subscriptions: []Subscription{{Stream: "order-1", Group: "g"}},
		RestartDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := m.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start err = %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, s := range m.States() {
		if s != Stopped {
			t.Fatalf("state = %s", s)
		}
	}
}

func TestManagerStopCancelsSlowSink(t *testing.T) {
	src, cp := newFakeSubscriber(1), newMemCheckpoints()
	sink := blockingSink{entered: make(chan struct{}, 1)}
	m, err := NewManager(Config{
		Subscriber:    src,
		Sink:          sink,
		Checkpoints:   cp,
		Subscriptions: []Subscription{{Stream: "order-1"}},
		StopTimeout:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never called")
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := m.States()[orderConsumer]; s != Stopped {
		t.Fatalf("state = %s", s)
	}
	if _, ok := cp.get(orderConsumer); ok {
		t.Fatal("an unfinished event must not be checkpointed")
	}
}
