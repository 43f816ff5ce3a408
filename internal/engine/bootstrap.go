package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ditto/internal/checkpoint"
	"ditto/internal/config"
	"ditto/internal/gateway"
	"ditto/internal/logging"
	"ditto/internal/replication"
	"ditto/internal/retry"
	"ditto/internal/telemetry"
	"ditto/internal/transport"
	"ditto/sink/rabbitmq"
	"ditto/source/eventstore"
)

// Bootstrap connects to the source, builds the sink and prepares the
// consumer manager. Nothing is consumed until Run.
func Bootstrap(ctx context.Context, s config.Settings) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	mode, err := replication.ParseMode(s.Mode)
	if err != nil {
		return nil, err
	}
	lg := logging.L().With("component", "engine")

	// 1. metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewPrometheus(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	// 2. connections
	conns := connections{
		esdb: gateway.New(eventstore.Dial, gateway.Options{Logger: lg}),
		amqp: gateway.New(rabbitmq.Dial, gateway.Options{Logger: lg}),
	}
	closeConns := func() error { return errors.Join(conns.esdb.CloseAll(), conns.amqp.CloseAll()) }

	src, err := conns.esdb.Open(ctx, s.Source.ConnectionString, s.Source.ConnectionName)
	if err != nil {
		_ = closeConns()
		return nil, fmt.Errorf("source: %w", err)
	}

	// 3. sink
	out, err := newReplicator(ctx, s, conns, metrics)
	if err != nil {
		_ = closeConns()
		return nil, fmt.Errorf("sink: %w", err)
	}

	// 4. consumers
	mc := replication.Config{
		Mode:             mode,
		Subscriptions:    subscriptions(s),
		Subscriber:       src,
		Sink:             out,
		Metrics:          metrics,
		Logger:           logging.L(),
		BufferSize:       s.PersistentSubscription.BufferSize,
		RestartDelay:     s.Replication.RestartDelay,
		StopTimeout:      s.Replication.StopTimeout,
		StartParallelism: s.Replication.StartParallelism,
		Release:          func() error { return errors.Join(out.Close(), closeConns()) },
	}
	if mode == replication.CatchUp {
		mc.Checkpoints = newCheckpoints(src, s)
	}
	manager, err := replication.NewManager(mc)
	if err != nil {
		if mc.Checkpoints != nil {
			_ = mc.Checkpoints.Close(ctx)
		}
		_ = mc.Release()
		return nil, err
	}

	// 5. transport server
	srv, err := transport.StartServer(s.GRPC.Port)
	if err != nil {
		_ = manager.Stop(ctx)
		return nil, fmt.Errorf("transport: %w", err)
	}

	e := &Engine{
		settings:  s,
		transport: srv,
		manager:   manager,
		log:       lg,
	}
	if s.Metrics.Enabled {
		e.metrics = telemetry.Expose(s.Metrics.Port, reg)
	}
	lg.Info("bootstrapped",
		slog.String("mode", mode.String()),
		slog.String("sink", s.Sink.Kind),
		slog.Int("subscriptions", len(mc.Subscriptions)))
	return e, nil
}

func newCheckpoints(log checkpoint.Log, s config.Settings) *checkpoint.Store {
	return checkpoint.New(log, checkpoint.Options{
		FlushInterval: s.Checkpoint.FlushInterval,
		LoadRetry:     retry.New(s.Checkpoint.LoadRetryCount, s.Checkpoint.LoadRetryInterval),
		MaxCount:      s.Checkpoint.MaxCount,
	})
}

func subscriptions(s config.Settings) []replication.Subscription {
	out := make([]replication.Subscription, 0, len(s.Subscriptions))
	for _, sub := range s.Subscriptions {
		out = append(out, replication.Subscription{Stream: sub.Stream, Group: sub.Group})
	}
	return out
}
