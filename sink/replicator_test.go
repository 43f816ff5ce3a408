package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ditto/internal/event"
	"ditto/internal/telemetry"
)

type recordingDriver struct {
	mu     sync.Mutex
	writes []*event.Envelope
	err    error
	closed bool
}

func (d *recordingDriver) Configure(any) error { return nil }
func (d *recordingDriver) Operation() string   { return "record" }

func (d *recordingDriver) Write(_ context.Context, e *event.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.writes = append(d.writes, e)
	return nil
}

func (d *recordingDriver) Close() error { d.closed = true; return nil }

func (d *recordingDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

type ioRecorder struct {
	telemetry.Nop
	calls []string
}

func (r *ioRecorder) IO(kind, name, op string, _ time.Duration) {
	r.calls = append(r.calls, kind+"/"+name+"/"+op)
}

func ev(n int64) *event.Envelope {
	return &event.Envelope{StreamID: "order-1", EventType: "OrderPlaced", EventNumber: n, OriginalEventNumber: n, Resolved: true}
}

func TestConsumeWritesThroughDriver(t *testing.T) {
	d := &recordingDriver{}
	r := NewReplicator(d, "test", "dest", Policy{StopAt: -1}, nil)
	if err := r.Consume(context.Background(), ev(1)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("writes=%d want 1", d.count())
	}
}

func TestStopAtDropsLaterEvents(t *testing.T) {
	d := &recordingDriver{}
	r := NewReplicator(d, "test", "dest", Policy{StopAt: 100}, nil)
	if err := r.Consume(context.Background(), ev(100)); err != nil {
		t.Fatalf("consume 100: %v", err)
	}
	if err := r.Consume(context.Background(), ev(101)); err != nil {
		t.Fatalf("consume 101 must succeed without writing: %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("writes=%d want 1", d.count())
	}
}

func TestReadOnlyNeverWrites(t *testing.T) {
	d := &recordingDriver{}
	r := NewReplicator(d, "test", "dest", Policy{StopAt: -1, ReadOnly: true}, nil)
	for i := int64(0); i < 3; i++ {
		if err := r.Consume(context.Background(), ev(i)); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	if d.count() != 0 {
		t.Fatalf("writes=%d want 0", d.count())
	}
}

func TestWriteFailureIsReturned(t *testing.T) {
	want := errors.New("destination down")
	d := &recordingDriver{err: want}
	r := NewReplicator(d, "test", "dest", Policy{StopAt: -1}, nil)
	if err := r.Consume(context.Background(), ev(1)); !errors.Is(err, want) {
		t.Fatalf("err=%v want %v", err, want)
	}
}

func TestThrottleSleepsAfterWrite(t *testing.T) {
	d := &recordingDriver{}
	r := NewReplicator(d, "test", "dest", Policy{StopAt: -1, ThrottleInterval: 250 * time.Millisecond}, nil)
	var slept []time.Duration
	r.sleep = func(_ context.Context, dur time.Duration) error {
		if d.count() != 1 {
			t.Errorf("throttle ran before the write")
		}
		slept = append(slept, dur)
		return nil
	}
	_ = r.Consume(context.Background(), ev(1))
	if len(slept) != 1 || slept[0] != 250*time.Millisecond {
		t.Fatalf("slept=%v", slept)
	}

	d.err = errors.New("fail")
	_ = r.Consume(context.Background(), ev(2))
	if len(slept) != 1 {
		t.Fatal("throttle must not run after a failed write")
	}
}

func TestCanHandleFiltersEventTypes(t *testing.T) {
	r := NewReplicator(&recordingDriver{}, "test", "dest", Policy{StopAt: -1}, nil)
	if !r.CanHandle("Anything") {
		t.Fatal("empty filter must accept every type")
	}
	r = NewReplicator(&recordingDriver{}, "test", "dest", Policy{StopAt: -1, EventTypes: []string{"OrderPlaced"}}, nil)
	if !r.CanHandle("OrderPlaced") || r.CanHandle("OrderShipped") {
		t.Fatal("filter not applied")
	}
}

func TestRegistry(t *testing.T) {
	Register("recording", func() Driver { return &recordingDriver{} })
	if _, err := NewDriver("recording"); err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if _, err := NewDriver("nope"); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err=%v", err)
	}
}

func TestCloseClosesDriver(t *testing.T) {
	d := &recordingDriver{}
	r := NewReplicator(d, "test", "dest", Policy{StopAt: -1}, nil)
	_ = r.Close()
	if !d.closed {
		t.Fatal("driver not closed")
	}
}

func TestWriteIsTimed(t *testing.T) {
	m := &ioRecorder{}
	r := NewReplicator(&recordingDriver{}, "sqs", "events", Policy{StopAt: -1}, m)
	_ = r.Consume(context.Background(), ev(1))
	if len(m.calls) != 1 || m.calls[0] != "sqs/events/record" {
		t.Fatalf("io calls=%v", m.calls)
	}
}
