// Package eventstore mirrors events into another EventStoreDB, keeping each
// event at the same stream position it had in the source.
package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ditto/internal/event"
	"ditto/internal/logging"
	"ditto/sink"
)

const Kind = "eventstore"

// Log is the destination store.
type Log interface {
	// AppendEvent writes e to stream with an optimistic concurrency check and
	// returns the stream's next expected version.
	AppendEvent(ctx context.Context, stream string, expected int64, e *event.Envelope) (next int64, err error)
	SetMaxAge(ctx context.Context, stream string, ttl time.Duration) error
}

type Config struct {
	Log Log
	// SkipVersionCheck appends at any version instead of the source position.
	SkipVersionCheck bool
	// TTL is applied as $maxAge to streams this driver creates.
	TTL time.Duration
}

type driver struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (sink.Driver, error) {
	d := &driver{}
	if err := d.Configure(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("eventstore-sink: expected Config, got %T", raw)
	}
	if c.Log == nil {
		return fmt.Errorf("eventstore-sink: destination log is required")
	}
	d.cfg = c
	d.log = logging.L().With("component", "sink", "destination_kind", Kind)
	return nil
}

func (d *driver) Operation() string { return "append_to_stream" }

func (d *driver) Write(ctx context.Context, e *event.Envelope) error {
	expected := event.ExpectedAny
	if !d.cfg.SkipVersionCheck {
		expected = event.ExpectedVersionFor(e)
	}
	next, err := d.cfg.Log.AppendEvent(ctx, e.StreamID, expected, e)
	if err != nil {
		return fmt.Errorf("append %s expecting %d: %w", e.StreamID, expected, err)
	}
	if d.cfg.TTL > 0 && next == 0 {
		if err := d.cfg.Log.SetMaxAge(ctx, e.StreamID, d.cfg.TTL); err != nil {
			d.log.Warn("stream ttl not applied", "stream", e.StreamID, "ttl", d.cfg.TTL, logging.Err(err))
		}
	}
	return nil
}

func (d *driver) Close() error { return nil }

/*──────── auto-register ───────*/
func init() {
	sink.Register(Kind, func() sink.Driver { return &driver{} })
}
