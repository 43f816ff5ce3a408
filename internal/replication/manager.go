package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ditto/internal/event"
	"ditto/internal/logging"
	"ditto/internal/telemetry"
)

// Manager defaults applied to zero Config fields.
const (
	DefaultStopTimeout      = 10 * time.Second
	DefaultStartParallelism = 4
)

// CheckpointStore is the Checkpoints implementation the manager owns and
// flushes on Stop.
type CheckpointStore interface {
	Checkpoints
	Close(ctx context.Context) error
}

type Config struct {
	Mode          Mode
	Subscriptions []Subscription
	Subscriber    event.Subscriber
	Sink          Sink
	// Checkpoints is required in CatchUp mode.
	Checkpoints CheckpointStore
	Metrics     telemetry.Metrics
	Logger      *slog.Logger

	BufferSize       int
	RestartDelay     time.Duration
	StopTimeout      time.Duration
	StartParallelism int

	// Release frees the shared source connection once everything stopped.
	Release func() error
}

// Manager starts and stops every subscription as one unit.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	stopping atomic.Bool

	runs   []*run
	cancel context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

type run struct {
	c        coordinator
	launched atomic.Bool
	exited   chan struct{}
	err      error
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Subscriber == nil {
		return nil, fmt.Errorf("replication: subscriber is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("replication: sink is required")
	}
	if cfg.Mode == CatchUp && cfg.Checkpoints == nil {
		return nil, fmt.Errorf("replication: checkpoint store is required for catch-up subscriptions")
	}
	if len(cfg.Subscriptions) == 0 {
		return nil, fmt.Errorf("replication: no subscriptions configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.StartParallelism <= 0 {
		cfg.StartParallelism = DefaultStartParallelism
	}

	m := &Manager{cfg: cfg, log: cfg.Logger.With("component", "manager", "mode", cfg.Mode.String())}
	opts := Options{
		Metrics:      cfg.Metrics,
		Logger:       cfg.Logger,
		Stopping:     &m.stopping,
		RestartDelay: cfg.RestartDelay,
		BufferSize:   cfg.BufferSize,
	}
	for _, s := range cfg.Subscriptions {
		if s.Stream == "" {
			return nil, fmt.Errorf("replication: subscription without stream")
		}
		var c coordinator
		if cfg.Mode == Competing {
			if s.Group == "" {
				return nil, fmt.Errorf("replication: competing subscription on %s needs a group", s.Stream)
			}
			c = NewCompeting(s, cfg.Subscriber, cfg.Sink, opts)
		} else {
			c = NewCatchUp(s, cfg.Subscriber, cfg.Checkpoints, cfg.Sink, opts)
		}
		m.runs = append(m.runs, &run{c: c, exited: make(chan struct{})})
	}
	return m, nil
}

// Start launches every coordinator. In competing mode it returns once every
// subscription is established, or with the first failure.
func (m *Manager) Start(ctx context.Context) error {
	m.stopping.Store(false)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	if m.cfg.Mode == CatchUp {
		for _, r := range m.runs {
			m.launch(runCtx, r)
		}
		m.log.Info("catch-up consumers started", "count", len(m.runs))
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.StartParallelism)
	for _, r := range m.runs {
		g.Go(func() error {
			m.launch(runCtx, r)
			select {
			case <-r.c.Ready():
				return nil
			case <-r.exited:
				if r.err != nil {
					return r.err
				}
				return fmt.Errorf("%s stopped before subscribing", r.c.ID())
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start competing consumers: %w", err)
	}
	m.log.Info("competing consumers started", "count", len(m.runs))
	return nil
}

func (m *Manager) launch(ctx context.Context, r *run) {
	r.launched.Store(true)
	go func() {
		defer close(r.exited)
		if err := r.c.Run(ctx); err != nil {
			r.err = err
			m.log.Error("consumer exited", "consumer", r.c.ID(), logging.Err(err))
		}
	}()
}

// Stop halts every coordinator, waits up to StopTimeout for in-flight events,
// flushes checkpoints and releases the source connection.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { m.stopErr = m.stop(ctx) })
	return m.stopErr
}

func (m *Manager) stop(ctx context.Context) error {
	m.stopping.Store(true)
	m.log.Info("stopping consumers", "count", len(m.runs))

	for _, r := range m.runs {
		r.c.Stop()
	}
	if !m.wait(ctx, m.cfg.StopTimeout) {
		m.log.Warn("consumers did not stop in time, cancelling", "timeout", m.cfg.StopTimeout)
		if m.cancel != nil {
			m.cancel()
		}
		m.wait(ctx, m.cfg.StopTimeout)
	}
	if m.cancel != nil {
		m.cancel()
	}

	var errs []error
	if m.cfg.Checkpoints != nil {
		if err := m.cfg.Checkpoints.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoints: %w", err))
		}
	}
	if m.cfg.Release != nil {
		if err := m.cfg.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release connection: %w", err))
		}
	}
	m.log.Info("consumers stopped")
	return errors.Join(errs...)
}

// wait reports whether every launched coordinator exited within d.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for _, r := range m.runs {
		if !r.launched.Load() {
			continue
		}
		select {
		case <-r.exited:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// States reports each consumer's state, keyed by consumer id.
func (m *Manager) States() map[string]State {
	out := make(map[string]State, len(m.runs))
	for _, r := range m.runs {
		out[r.c.ID()] = r.c.State()
	}
	return out
}
