// Package replay writes events that were replicated to an SQS queue back
// into EventStoreDB at their original positions.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ditto/internal/event"
	"ditto/internal/logging"
	sqssrc "ditto/source/sqs"
)

const (
	DefaultRetryDelay    = 15 * time.Second
	DefaultRetryAttempts = 5
)

// Queue is the message source.
type Queue interface {
	Receive(ctx context.Context) (*sqssrc.Message, error)
	Delete(ctx context.Context, m *sqssrc.Message) error
	Delay(ctx context.Context, m *sqssrc.Message, d time.Duration) error
}

// Writer stores one decoded event.
type Writer interface {
	Consume(ctx context.Context, e *event.Envelope) error
}

type Options struct {
	RetryDelay    time.Duration
	RetryAttempts int
	Workers       int
	Logger        *slog.Logger
}

type Worker struct {
	queue Queue
	out   Writer
	opts  Options
	log   *slog.Logger
}

func New(q Queue, w Writer, opts Options) *Worker {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Worker{queue: q, out: w, opts: opts, log: opts.Logger.With("component", "replay")}
}

// Run handles messages until ctx is done or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Workers; i++ {
		g.Go(func() error {
			for {
				m, err := w.queue.Receive(gctx)
				switch {
				case errors.Is(err, sqssrc.ErrClosed), gctx.Err() != nil:
					return nil
				case err != nil:
					return fmt.Errorf("receive: %w", err)
				}
				w.handle(gctx, m)
			}
		})
	}
	return g.Wait()
}

func (w *Worker) handle(ctx context.Context, m *sqssrc.Message) {
	lg := w.log.With("message_id", m.ID, "receive_count", m.ReceiveCount)

	e, err := event.Unmarshal([]byte(m.Body))
	if err != nil {
		lg.Error("undecodable message", logging.Err(err))
		w.retryLater(ctx, lg, m)
		return
	}
	lg = lg.With("event_stream", e.StreamID, "event_number", e.EventNumber, "event_type", e.EventType)

	if err := w.out.Consume(ctx, e); err != nil {
		lg.Error("replay failed", logging.Err(err))
		w.retryLater(ctx, lg, m)
		return
	}
	if err := w.queue.Delete(ctx, m); err != nil {
		lg.Warn("delete failed, message will be redelivered", logging.Err(err))
		return
	}
	lg.Debug("event replayed")
}

// retryLater hides m for RetryDelay. Once RetryAttempts receives are used up
// the message is left to the queue's redrive policy.
func (w *Worker) retryLater(ctx context.Context, lg *slog.Logger, m *sqssrc.Message) {
	if m.ReceiveCount >= w.opts.RetryAttempts {
		lg.Error("retry attempts exhausted, leaving message to the redrive policy", "attempts", w.opts.RetryAttempts)
		return
	}
	if err := w.queue.Delay(ctx, m, w.opts.RetryDelay); err != nil {
		lg.Warn("visibility change failed", logging.Err(err))
	}
}
