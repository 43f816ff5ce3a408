// Package gateway hands out one shared, self-healing connection per name.
//
// Concurrent Open calls for the same name share a single dial. The dial runs
// on the gateway's own context, so a caller that gives up waiting does not
// abort it for everybody else.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ditto/internal/logging"
	"ditto/internal/retry"
)

// Event is a connection lifecycle notification raised by a dialer.
type Event int

const (
	Connected Event = iota
	Disconnected
	Reconnecting
	Closed
	ErrorOccurred
	AuthFailed
)

func (e Event) String() string {
	switch e {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	case ErrorOccurred:
		return "error"
	case AuthFailed:
		return "auth-failed"
	default:
		return "unknown"
	}
}

// Notify receives lifecycle events for one connection.
type Notify func(ev Event, err error)

// DialFunc opens a connection. It may keep notify and call it for the
// lifetime of the connection.
type DialFunc[T any] func(ctx context.Context, endpoint, name string, notify Notify) (T, error)

var (
	ErrInvalidArgument = errors.New("gateway: invalid argument")
	ErrCanceled        = errors.New("gateway: open canceled")
	ErrClosed          = errors.New("gateway: closed")
)

const DefaultReconnectDelay = 3 * time.Second

type Options struct {
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

type Gateway[T any] struct {
	dial  DialFunc[T]
	delay time.Duration
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry[T]
	closed  bool
}

type entry[T any] struct {
	done     chan struct{}
	conn     T
	err      error
	released bool // guarded by Gateway.mu
}

func New[T any](dial DialFunc[T], opts Options) *Gateway[T] {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway[T]{
		dial:    dial,
		delay:   opts.ReconnectDelay,
		log:     opts.Logger.With("component", "gateway"),
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*entry[T]{},
	}
}

// Open returns the connection registered under name, dialing endpoint on
// first use. Cancelling ctx only abandons this caller's wait.
func (g *Gateway[T]) Open(ctx context.Context, endpoint, name string) (T, error) {
	var zero T
	if strings.TrimSpace(endpoint) == "" {
		return zero, fmt.Errorf("%w: endpoint is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(name) == "" {
		return zero, fmt.Errorf("%w: connection name is required", ErrInvalidArgument)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return zero, ErrClosed
	}
	e, ok := g.entries[name]
	if !ok {
		e = &entry[T]{done: make(chan struct{})}
		g.entries[name] = e
		g.wg.Add(1)
		go g.connect(e, endpoint, name)
	}
	g.mu.Unlock()

	select {
	case <-e.done:
		return e.conn, e.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %q: %w", ErrCanceled, name, ctx.Err())
	}
}

func (g *Gateway[T]) connect(e *entry[T], endpoint, name string) {
	defer g.wg.Done()
	log := g.log.With("connection", name)
	notify := func(ev Event, err error) { g.observe(e, name, ev, err) }

	for attempt := 1; ; attempt++ {
		conn, err := g.dial(g.ctx, endpoint, name, notify)
		if err == nil {
			g.mu.Lock()
			released := e.released
			if released {
				e.err = ErrClosed
			} else {
				e.conn = conn
			}
			close(e.done)
			g.mu.Unlock()
			if released {
				_ = closeConn(conn)
			}
			return
		}
		if g.ctx.Err() != nil {
			e.err = fmt.Errorf("%w: dial %q aborted: %w", ErrClosed, name, err)
			g.evict(name, e)
			close(e.done)
			return
		}
		log.Warn("connect failed, retrying", "attempt", attempt, "delay", g.delay, logging.Err(err))
		if retry.Sleep(g.ctx, g.delay) != nil {
			e.err = fmt.Errorf("%w: dial %q aborted", ErrClosed, name)
			g.evict(name, e)
			close(e.done)
			return
		}
	}
}

func (g *Gateway[T]) observe(e *entry[T], name string, ev Event, err error) {
	log := g.log.With("connection", name, "event", ev.String())
	switch ev {
	case Connected:
		log.Info("connection established")
	case Disconnected:
		log.Warn("connection lost", logging.Err(err))
	case Reconnecting:
		log.Info("reconnecting")
	case Closed:
		log.Warn("connection closed, evicting", logging.Err(err))
		g.evict(name, e)
	case AuthFailed:
		log.Error("authentication failed", logging.Err(err))
	default:
		log.Error("connection error", logging.Err(err))
	}
}

func (g *Gateway[T]) evict(name string, e *entry[T]) {
	g.mu.Lock()
	if cur, ok := g.entries[name]; ok && cur == e {
		delete(g.entries, name)
	}
	g.mu.Unlock()
}

// Close releases the connection registered under name.
func (g *Gateway[T]) Close(name string) error {
	g.mu.Lock()
	e, ok := g.entries[name]
	if ok {
		delete(g.entries, name)
		e.released = true
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return release(e)
}

// CloseAll releases every connection and aborts pending dials.
func (g *Gateway[T]) CloseAll() error {
	g.mu.Lock()
	g.closed = true
	entries := g.entries
	g.entries = map[string]*entry[T]{}
	for _, e := range entries {
		e.released = true
	}
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()

	var errs []error
	for _, e := range entries {
		errs = append(errs, release(e))
	}
	return errors.Join(errs...)
}

// release closes a connection that finished dialing. Pending dials see the
// released flag and close their own result.
func release[T any](e *entry[T]) error {
	select {
	case <-e.done:
		if e.err != nil {
			return nil
		}
		return closeConn(e.conn)
	default:
		return nil
	}
}

func closeConn(conn any) error {
	if c, ok := conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
