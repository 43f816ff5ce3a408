// Package replication drives source subscriptions into a sink: catch-up
// subscriptions resumed from a checkpoint, or competing consumers on a
// server-side persistent subscription.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ditto/internal/event"
)

// Mode selects how a stream is subscribed.
type Mode int

const (
	CatchUp Mode = iota
	Competing
)

func (m Mode) String() string {
	if m == Competing {
		return "competing"
	}
	return "catchup"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "catchup", "catch-up", "catch_up":
		return CatchUp, nil
	case "competing", "persistent":
		return Competing, nil
	default:
		return CatchUp, fmt.Errorf("unknown subscription mode %q", s)
	}
}

// Subscription binds one source stream (and group, for competing consumers).
type Subscription struct {
	Stream string
	Group  string
}

// Sink is where coordinators deliver events.
type Sink interface {
	CanHandle(eventType string) bool
	Consume(ctx context.Context, e *event.Envelope) error
}

// Checkpoints persists catch-up positions.
type Checkpoints interface {
	Load(ctx context.Context, consumerID string) (pos int64, ok bool, err error)
	Save(ctx context.Context, consumerID string, pos int64) error
}

// ErrHandlerFatal ends a competing consumer without restart.
var ErrHandlerFatal = errors.New("replication: fatal handler failure")

// ConsumerID names the consumer of stream. '$' and '-' are normalised so the
// derived checkpoint stream never lands in a system or category projection.
func ConsumerID(s Subscription, mode Mode) string {
	id := "ReplicatingConsumer_" + normalise(s.Stream)
	if mode == Competing && s.Group != "" {
		id += "_" + normalise(s.Group)
	}
	return id
}

func normalise(s string) string {
	s = strings.ReplaceAll(s, "$", "")
	return strings.ReplaceAll(s, "-", "_")
}

// HandlerPanic is a panic recovered from a sink.
type HandlerPanic struct {
	Value any
}

func (p *HandlerPanic) Error() string {
	return fmt.Sprintf("sink panicked: %v", p.Value)
}

func deliver(ctx context.Context, s Sink, e *event.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanic{Value: r}
		}
	}()
	return s.Consume(ctx, e)
}
