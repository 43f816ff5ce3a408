package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	id     int32
	closed atomic.Bool
}

func (c *fakeConn) Close() error { c.closed.Store(true); return nil }

type fakeDialer struct {
	calls   atomic.Int32
	failFor int32
	hold    chan struct{}

	mu      sync.Mutex
	notify  Notify
	lastErr error
}

func (d *fakeDialer) dial(ctx context.Context, endpoint, name string, notify Notify) (*fakeConn, error) {
	n := d.calls.Add(1)
	if d.hold != nil {
		select {
		case <-d.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= d.failFor {
		return nil, errors.New("refused")
	}
	d.mu.Lock()
	d.notify = notify
	d.mu.Unlock()
	notify(Connected, nil)
	return &fakeConn{id: n}, nil
}

func newTestGateway(d *fakeDialer) *Gateway[*fakeConn] {
	return New[*fakeConn](d.dial, Options{ReconnectDelay: time.Millisecond})
}

func TestOpen_ConcurrentCallersShareOneDial(t *testing.T) {
	d := &fakeDialer{hold: make(chan struct{})}
	g := newTestGateway(d)
	defer g.CloseAll()

	const callers = 16
	var wg sync.WaitGroup
	conns := make([]*fakeConn, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := g.Open(context.Background(), "esdb://localhost:2113", "Ditto:Source")
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(d.hold)
	wg.Wait()

	if got := d.calls.Load(); got != 1 {
		t.Fatalf("dial calls=%d want=1", got)
	}
	for i := 1; i < callers; i++ {
		if conns[i] != conns[0] {
			t.Fatalf("caller %d got a different connection", i)
		}
	}
}

func TestOpen_DistinctNamesDialSeparately(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	defer g.CloseAll()

	a, err := g.Open(context.Background(), "esdb://a", "A")
	if err != nil {
		t.Fatalf("open A: %v", err)
	}
	b, err := g.Open(context.Background(), "esdb://b", "B")
	if err != nil {
		t.Fatalf("open B: %v", err)
	}
	if a == b {
		t.Fatal("different names must not share a connection")
	}
}

func TestOpen_RejectsBlankArguments(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	defer g.CloseAll()

	if _, err := g.Open(context.Background(), "", "A"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank endpoint: err=%v", err)
	}
	if _, err := g.Open(context.Background(), "esdb://a", "  "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank name: err=%v", err)
	}
	if d.calls.Load() != 0 {
		t.Fatal("dial must not run for invalid arguments")
	}
}

func TestOpen_CallerCancelDoesNotAbortDial(t *testing.T) {
	d := &fakeDialer{hold: make(chan struct{})}
	g := newTestGateway(d)
	defer g.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Open(ctx, "esdb://a", "A")
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want ErrCanceled wrapping context.Canceled", err)
	}

	close(d.hold)
	c, err := g.Open(context.Background(), "esdb://a", "A")
	if err != nil || c == nil {
		t.Fatalf("second open: conn=%v err=%v", c, err)
	}
	if got := d.calls.Load(); got != 1 {
		t.Fatalf("dial calls=%d want=1", got)
	}
}

func TestOpen_RetriesFailedDial(t *testing.T) {
	d := &fakeDialer{failFor: 2}
	g := newTestGateway(d)
	defer g.CloseAll()

	c, err := g.Open(context.Background(), "esdb://a", "A")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.id != 3 || d.calls.Load() != 3 {
		t.Fatalf("conn id=%d calls=%d want 3/3", c.id, d.calls.Load())
	}
}

func TestClosedEventEvictsEntry(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	defer g.CloseAll()

	first, err := g.Open(context.Background(), "esdb://a", "A")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d.mu.Lock()
	notify := d.notify
	d.mu.Unlock()
	notify(Closed, errors.New("server went away"))

	second, err := g.Open(context.Background(), "esdb://a", "A")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if first == second {
		t.Fatal("closed connection must not be served from cache")
	}
	if d.calls.Load() != 2 {
		t.Fatalf("dial calls=%d want=2", d.calls.Load())
	}
}

func TestCloseReleasesConnection(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)

	c, err := g.Open(context.Background(), "esdb://a", "A")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := g.Close("A"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !c.closed.Load() {
		t.Fatal("connection not closed")
	}
	if err := g.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if _, err := g.Open(context.Background(), "esdb://a", "A"); !errors.Is(err, ErrClosed) {
		t.Fatalf("open after CloseAll: err=%v", err)
	}
}

func TestCloseAllAbortsPendingDial(t *testing.T) {
	d := &fakeDialer{hold: make(chan struct{})}
	g := newTestGateway(d)

	errc := make(chan error, 1)
	go func() {
		_, err := g.Open(context.Background(), "esdb://a", "A")
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := g.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err=%v want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending Open did not return")
	}
}
