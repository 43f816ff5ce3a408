package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ditto/internal/event"
	"ditto/internal/logging"
	"ditto/internal/retry"
	"ditto/internal/telemetry"
)

// Policy holds the guards applied in front of every driver.
type Policy struct {
	// StopAt drops events positioned after it. Negative disables the guard.
	StopAt           int64
	ReadOnly         bool
	ThrottleInterval time.Duration
	// EventTypes restricts replication to the listed types. Empty means all.
	EventTypes []string
}

// Replicator is the sink a subscription coordinator consumes into.
type Replicator struct {
	driver Driver
	kind   string
	name   string
	op     string
	policy Policy
	allow  map[string]struct{}

	metrics telemetry.Metrics
	log     *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewReplicator wraps d. kind and name label destination I/O metrics.
func NewReplicator(d Driver, kind, name string, p Policy, m telemetry.Metrics) *Replicator {
	if m == nil {
		m = telemetry.Nop{}
	}
	op := "write"
	if o, ok := d.(Operation); ok {
		op = o.Operation()
	}
	var allow map[string]struct{}
	if len(p.EventTypes) > 0 {
		allow = make(map[string]struct{}, len(p.EventTypes))
		for _, t := range p.EventTypes {
			allow[t] = struct{}{}
		}
	}
	return &Replicator{
		driver:  d,
		kind:    kind,
		name:    name,
		op:      op,
		policy:  p,
		allow:   allow,
		metrics: m,
		log:     logging.L().With("component", "sink", "destination_kind", kind, "destination", name),
		sleep:   retry.Sleep,
	}
}

func (r *Replicator) CanHandle(eventType string) bool {
	if r.allow == nil {
		return true
	}
	_, ok := r.allow[eventType]
	return ok
}

// Consume replicates e. Events past the stop position and everything in
// read-only mode succeed without touching the destination.
func (r *Replicator) Consume(ctx context.Context, e *event.Envelope) error {
	if e == nil {
		return errors.New("sink: nil event")
	}
	if r.policy.StopAt >= 0 && e.OriginalEventNumber > r.policy.StopAt {
		r.log.Info("past stop position, dropping",
			"event_type", e.EventType,
			"event_number", e.EventNumber,
			"stream", e.StreamID,
			"original_event_number", e.OriginalEventNumber,
			"stop_at", r.policy.StopAt)
		return nil
	}
	if r.policy.ReadOnly {
		r.log.Debug("received (read-only)",
			"event_type", e.EventType,
			"event_number", e.EventNumber,
			"stream", e.StreamID,
			"original_event_number", e.OriginalEventNumber)
		return nil
	}

	start := time.Now()
	err := r.driver.Write(ctx, e)
	r.metrics.IO(r.kind, r.name, r.op, time.Since(start))
	if err != nil {
		return fmt.Errorf("replicate %s #%d from %s: %w", e.EventType, e.EventNumber, e.StreamID, err)
	}
	r.log.Debug("replicated",
		"event_type", e.EventType,
		"event_number", e.EventNumber,
		"stream", e.StreamID,
		"original_event_number", e.OriginalEventNumber,
		"elapsed", time.Since(start))

	if r.policy.ThrottleInterval > 0 {
		_ = r.sleep(ctx, r.policy.ThrottleInterval)
	}
	return nil
}

func (r *Replicator) Close() error {
	return r.driver.Close()
}
