// Package engine wires settings into a running replicator.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ditto/internal/config"
	"ditto/internal/logging"
	"ditto/internal/replication"
	"ditto/internal/telemetry"
	"ditto/internal/transport"
)

type Engine struct {
	settings  config.Settings
	transport *transport.Server
	metrics   *telemetry.Server
	manager   *replication.Manager
	log       *slog.Logger
}

// Run starts the consumers and blocks until ctx is cancelled, then stops
// everything gracefully.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		if err := e.transport.Serve(); err != nil {
			e.log.Error("transport stopped", logging.Err(err))
		}
	}()

	if err := e.manager.Start(ctx); err != nil {
		return errors.Join(err, e.shutdown(ctx))
	}
	e.transport.SetServing(true)
	e.log.Info("replicating")

	<-ctx.Done()
	e.log.Info("shutting down")
	return e.shutdown(ctx)
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.transport.SetServing(false)
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*e.settings.Replication.StopTimeout+5*time.Second)
	defer cancel()

	err := e.manager.Stop(stopCtx)
	e.transport.Stop()
	if e.metrics != nil {
		err = errors.Join(err, e.metrics.Shutdown(stopCtx))
	}
	return err
}

// States reports consumer states by consumer id.
func (e *Engine) States() map[string]replication.State {
	return e.manager.States()
}
