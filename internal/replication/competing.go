package replication

import (
	"context"
	"errors"
	"fmt"

	"ditto/internal/event"
	"ditto/internal/logging"
	"ditto/internal/retry"
)

// DefaultBufferSize is the persistent subscription buffer used when none is set.
const DefaultBufferSize = 10

// CompetingCoordinator consumes a persistent subscription group. The server
// tracks ack state, so a failed event is nacked for retry and delivery goes
// on with the next one.
type CompetingCoordinator struct {
	base
	subscriber event.Subscriber
	bufferSize int
}

func NewCompeting(s Subscription, sub event.Subscriber, sink Sink, opts Options) *CompetingCoordinator {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	c := &CompetingCoordinator{subscriber: sub, bufferSize: opts.BufferSize}
	c.base.init(ConsumerID(s, Competing), s, sink, opts.Metrics,
		opts.Logger.With("mode", "competing", "group", s.Group), opts.Stopping, opts.RestartDelay)
	return c
}

// Run blocks until the coordinator is stopped. It returns ErrHandlerFatal
// when a sink panic ended the subscription.
func (c *CompetingCoordinator) Run(ctx context.Context) error {
	for {
		if c.finished(ctx) {
			c.setState(Stopped)
			return nil
		}
		c.setState(Starting)

		sub, err := c.subscriber.SubscribeToGroup(ctx, c.sub.Stream, c.sub.Group, c.bufferSize)
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
		c.setState(Subscribed)
		c.markReady()
		c.log.Info("subscribed to persistent subscription")

		drop := c.consume(ctx, sub)
		c.detach()
		_ = sub.Close()

		if c.finished(ctx) {
			c.setState(Stopped)
			return nil
		}
		c.setState(Dropped)
		if drop.Reason == event.DropHandlerError {
			logging.Fatal(c.log, "subscription dropped by a handler failure, restart ditto to resume",
				"reason", drop.Reason.String(), logging.Err(drop.Err))
			c.setState(Failed)
			return fmt.Errorf("%w: %s: %v", ErrHandlerFatal, c.id, drop.Err)
		}
		c.log.Error("subscription dropped, resubscribing",
			"reason", drop.Reason.String(), logging.Err(drop.Err))
	}
}

func (c *CompetingCoordinator) consume(ctx context.Context, sub event.GroupSubscription) event.Drop {
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
			case msg.Event != nil:
				if drop := c.handle(ctx, sub, msg.Event); drop != nil {
					return *drop
				}
			}
		}
	}
}

func (c *CompetingCoordinator) handle(ctx context.Context, sub event.GroupSubscription, e *event.Envelope) *event.Drop {
	c.metrics.Received(c.labels)
	c.metrics.CurrentEvent(c.labels, e.OriginalEventNumber)

	if !e.Resolved {
		c.metrics.Unresolved(c.labels)
		c.nack(ctx, sub, e, event.NackSkip, "Unresolved Event")
		return nil
	}
	c.observeLatency(e)

	if !c.sink.CanHandle(e.EventType) {
		c.metrics.Skipped(c.labels)
		c.nack(ctx, sub, e, event.NackSkip, "Cannot consume")
		return nil
	}

	err := deliver(ctx, c.sink, e)
	var panicked *HandlerPanic
	switch {
	case errors.As(err, &panicked):
		c.metrics.Failed(c.labels)
		return &event.Drop{Reason: event.DropHandlerError, Err: err}
	case err != nil:
		c.metrics.Failed(c.labels)
		c.log.Error("error replicating event",
			"event_type", e.EventType,
			"event_number", e.EventNumber,
			"event_stream", e.StreamID,
			"original_event_number", e.OriginalEventNumber,
			logging.Err(err))
		c.nack(ctx, sub, e, event.NackRetry, err.Error())
		return nil
	}

	c.metrics.Processed(c.labels)
	if err := sub.Ack(ctx, e); err != nil {
		c.log.Warn("ack failed", "original_event_number", e.OriginalEventNumber, logging.Err(err))
	}
	return nil
}

func (c *CompetingCoordinator) nack(ctx context.Context, sub event.GroupSubscription, e *event.Envelope, action event.NackAction, reason string) {
	if err := sub.Nack(ctx, e, action, reason); err != nil {
		c.log.Warn("nack failed", "action", action.String(), "original_event_number", e.OriginalEventNumber, logging.Err(err))
	}
}
