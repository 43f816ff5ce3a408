package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"ditto/internal/event"
	"ditto/internal/logging"
	"ditto/internal/retry"
	"ditto/internal/telemetry"
)

// Options are shared by both coordinators.
type Options struct {
	Metrics  telemetry.Metrics
	Logger   *slog.Logger
	Stopping *atomic.Bool
	// RestartDelay spaces out subscribe attempts that fail.
	RestartDelay time.Duration
	// BufferSize is the competing-consumer prefetch.
	BufferSize int
}

// CatchUpCoordinator replays a stream in order from its checkpoint and stays
// subscribed live. A sink failure drops the subscription, which resumes from
// the last saved checkpoint so the failed event is delivered again.
type CatchUpCoordinator struct {
	base
	subscriber  event.Subscriber
	checkpoints Checkpoints
}

func NewCatchUp(s Subscription, sub event.Subscriber, cp Checkpoints, sink Sink, opts Options) *CatchUpCoordinator {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	c := &CatchUpCoordinator{subscriber: sub, checkpoints: cp}
	c.base.init(ConsumerID(s, CatchUp), s, sink, opts.Metrics, opts.Logger.With("mode", "catchup"), opts.Stopping, opts.RestartDelay)
	return c
}

// Run blocks until the coordinator is stopped or its checkpoint cannot be
// loaded.
func (c *CatchUpCoordinator) Run(ctx context.Context) error {
	for {
		if c.finished(ctx) {
			c.setState(Stopped)
			return nil
		}
		c.setState(Starting)

		after, err := c.resumePoint(ctx)
		if err != nil {
			if c.finished(ctx) {
				c.setState(Stopped)
				return nil
			}
			c.setState(Failed)
			c.log.Error("cannot load checkpoint, consumer not started", logging.Err(err))
			return fmt.Errorf("%s: %w", c.id, err)
		}

		sub, err := c.subscriber.SubscribeToStream(ctx, c.sub.Stream, after)
		if err != nil {
			c.log.Warn("subscribe failed, retrying", "delay", c.delay, logging.Err(err))
			if retry.Sleep(ctx, c.delay) != nil {
				c.setState(Stopped)
				return nil
			}
			continue
		}
		if !c.attach(sub) {
			_ = sub.Close()
			c.setState(Stopped)
			return nil
		}
		c.setState(CatchingUp)
		c.markReady()
		if after == nil {
			c.log.Info("subscribed from the beginning")
		} else {
			c.log.Info("subscribed from checkpoint", "checkpoint", *after)
		}

		drop := c.consume(ctx, sub)
		c.detach()
		_ = sub.Close()

		if c.finished(ctx) {
			c.setState(Stopped)
			return nil
		}
		c.setState(Dropped)
		c.log.Error("subscription dropped, resubscribing from checkpoint",
			"reason", drop.Reason.String(), logging.Err(drop.Err))
	}
}

func (c *CatchUpCoordinator) resumePoint(ctx context.Context) (*int64, error) {
	pos, ok, err := c.checkpoints.Load(ctx, c.id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (c *CatchUpCoordinator) consume(ctx context.Context, sub event.Subscription) event.Drop {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return event.Drop{Reason: event.DropUserInitiated, Err: ctx.Err()}
		case msg, ok := <-msgs:
			if !ok {
				return event.Drop{Reason: event.DropUserInitiated}
			}
			switch {
			case msg.Dropped != nil:
				return *msg.Dropped
			case msg.LiveStarted:
				c.setState(Live)
				c.log.Info("caught up, now live")
			case msg.Event != nil:
				if err := c.handle(ctx, msg.Event); err != nil {
					return event.Drop{Reason: event.DropHandlerError, Err: err}
				}
			}
		}
	}
}

func (c *CatchUpCoordinator) handle(ctx context.Context, e *event.Envelope) error {
	c.metrics.Received(c.labels)
	c.metrics.CurrentEvent(c.labels, e.OriginalEventNumber)

	if !e.Resolved {
		c.metrics.Unresolved(c.labels)
		c.log.Debug("skipping unresolved event", "original_event_number", e.OriginalEventNumber)
		return c.checkpoints.Save(ctx, c.id, e.OriginalEventNumber)
	}
	c.observeLatency(e)

	if !c.sink.CanHandle(e.EventType) {
		c.metrics.Skipped(c.labels)
		return c.checkpoints.Save(ctx, c.id, e.OriginalEventNumber)
	}

	if err := deliver(ctx, c.sink, e); err != nil {
		c.metrics.Failed(c.labels)
		c.log.Error("error replicating event",
			"event_type", e.EventType,
			"event_number", e.EventNumber,
			"event_stream", e.StreamID,
			"original_event_number", e.OriginalEventNumber,
			logging.Err(err))
		return err
	}
	c.metrics.Processed(c.labels)
	return c.checkpoints.Save(ctx, c.id, e.OriginalEventNumber)
}
