package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ditto/internal/event"
	"ditto/internal/telemetry"
)

/*──────── subscription ───────*/

type nackRecord struct {
	number int64
	action event.NackAction
	reason string
}

type fakeSub struct {
	in     chan event.Message
	out    chan event.Message
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	acked  []int64
	nacked []nackRecord
}

func newFakeSub() *fakeSub {
	s := &fakeSub{
		in:     make(chan event.Message, 64),
		out:    make(chan event.Message),
		closed: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *fakeSub) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.closed:
			return
		case m := <-s.in:
			select {
			case s.out <- m:
			case <-s.closed:
				return
			}
			if m.Dropped != nil {
				return
			}
		}
	}
}

func (s *fakeSub) push(m event.Message)           { s.in <- m }
func (s *fakeSub) Messages() <-chan event.Message { return s.out }

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSub) drop(reason event.DropReason, err error) {
	s.push(event.Message{Dropped: &event.Drop{Reason: reason, Err: err}})
}

func (s *fakeSub) Ack(_ context.Context, e *event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, e.OriginalEventNumber)
	return nil
}

func (s *fakeSub) Nack(_ context.Context, e *event.Envelope, action event.NackAction, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacked = append(s.nacked, nackRecord{e.OriginalEventNumber, action, reason})
	return nil
}

func (s *fakeSub) snapshot() ([]int64, []nackRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.acked...), append([]nackRecord(nil), s.nacked...)
}

/*──────── subscriber ───────*/

// fakeSubscriber serves a fixed in-memory stream. Every catch-up subscription
// replays the events after the requested position and then reports live.
type fakeSubscriber struct {
	stream []*event.Envelope

	subscribeErrs atomic.Int32
	mu            sync.Mutex
	afters        []*int64
	subs          []*fakeSub
	opened        chan *fakeSub
}

func newFakeSubscriber(n int) *fakeSubscriber {
	f := &fakeSubscriber{opened: make(chan *fakeSub, 16)}
	for i := 0; i < n; i++ {
		f.stream = append(f.stream, envelope(int64(i)))
	}
	return f
}

func envelope(n int64) *event.Envelope {
	return &event.Envelope{
		StreamID: "order-1", EventNumber: n, EventType: "OrderPlaced",
		OriginalStreamID: "order-1", OriginalEventNumber: n,
		Resolved: true, CreatedAt: time.Now(),
	}
}

func (f *fakeSubscriber) SubscribeToStream(_ context.Context, _ string, after *int64) (event.Subscription, error) {
	if f.subscribeErrs.Load() > 0 {
		f.subscribeErrs.Add(-1)
		return nil, errors.New("not connected")
	}
	s := newFakeSub()
	f.mu.Lock()
	if after != nil {
		v := *after
		f.afters = append(f.afters, &v)
	} else {
		f.afters = append(f.afters, nil)
	}
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	for _, e := range f.stream {
		if after == nil || e.OriginalEventNumber > *after {
			s.push(event.Message{Event: e})
		}
	}
	s.push(event.Message{LiveStarted: true})
	f.opened <- s
	return s, nil
}

func (f *fakeSubscriber) SubscribeToGroup(_ context.Context, _, _ string, _ int) (event.GroupSubscription, error) {
	if f.subscribeErrs.Load() > 0 {
		f.subscribeErrs.Add(-1)
		return nil, errors.New("not connected")
	}
	s := newFakeSub()
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	f.opened <- s
	return s, nil
}

func (f *fakeSubscriber) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSubscriber) after(i int) *int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afters[i]
}

func (f *fakeSubscriber) next(t *testing.T) *fakeSub {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription opened")
		return nil
	}
}

/*──────── sink ───────*/

type fakeSink struct {
	mu       sync.Mutex
	seen     []int64
	ok       []int64
	failOnce map[int64]error
	failAll  map[int64]error
	panicOn  map[int64]bool
	accept   func(string) bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{failOnce: map[int64]error{}, failAll: map[int64]error{}, panicOn: map[int64]bool{}}
}

func (s *fakeSink) CanHandle(t string) bool {
	if s.accept == nil {
		return true
	}
	return s.accept(t)
}

func (s *fakeSink) Consume(_ context.Context, e *event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := e.OriginalEventNumber
	s.seen = append(s.seen, n)
	if s.panicOn[n] {
		panic("sink exploded")
	}
	if err, ok := s.failOnce[n]; ok {
		delete(s.failOnce, n)
		return err
	}
	if err, ok := s.failAll[n]; ok {
		return err
	}
	s.ok = append(s.ok, n)
	return nil
}

func (s *fakeSink) delivered() ([]int64, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.seen...), append([]int64(nil), s.ok...)
}

/*──────── checkpoints ───────*/

type memCheckpoints struct {
	mu      sync.Mutex
	pos     map[string]int64
	loadErr error
	closed  atomic.Bool
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{pos: map[string]int64{}}
}

func (m *memCheckpoints) Load(_ context.Context, id string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return 0, false, m.loadErr
	}
	p, ok := m.pos[id]
	return p, ok && p >= 0, nil
}

func (m *memCheckpoints) Save(_ context.Context, id string, pos int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos[id] = pos
	return nil
}

func (m *memCheckpoints) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}

func (m *memCheckpoints) get(id string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pos[id]
	return p, ok
}

/*──────── metrics ───────*/

type countingMetrics struct {
	telemetry.Nop
	received, unresolved, skipped, processed, failed atomic.Int32
}

func (m *countingMetrics) Received(telemetry.Consumer)   { m.received.Add(1) }
func (m *countingMetrics) Unresolved(telemetry.Consumer) { m.unresolved.Add(1) }
func (m *countingMetrics) Skipped(telemetry.Consumer)    { m.skipped.Add(1) }
func (m *countingMetrics) Processed(telemetry.Consumer)  { m.processed.Add(1) }
func (m *countingMetrics) Failed(telemetry.Consumer)     { m.failed.Add(1) }

/*──────── helpers ───────*/

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
