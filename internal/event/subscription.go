package event

import "context"

// DropReason tells a coordinator why a transport subscription ended.
type DropReason int

const (
	DropUnknown DropReason = iota
	DropUserInitiated
	DropConnectionClosed
	DropServerError
	DropHandlerError
	DropNotFound
	DropAccessDenied
)

func (r DropReason) String() string {
	switch r {
	case DropUserInitiated:
		return "user-initiated"
	case DropConnectionClosed:
		return "connection-closed"
	case DropServerError:
		return "server-error"
	case DropHandlerError:
		return "handler-error"
	case DropNotFound:
		return "not-found"
	case DropAccessDenied:
		return "access-denied"
	default:
		return "unknown"
	}
}

// Drop describes the end of a subscription.
type Drop struct {
	Reason DropReason
	Err    error
}

// Message is what a transport subscription emits. Exactly one field is set.
type Message struct {
	Event       *Envelope
	LiveStarted bool
	Dropped     *Drop
}

// Subscription is a live transport subscription. Messages is closed after a
// Dropped message or after Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// NackAction tells the server what to do with a negatively acknowledged event.
type NackAction int

const (
	NackSkip NackAction = iota
	NackRetry
	NackPark
)

func (a NackAction) String() string {
	switch a {
	case NackRetry:
		return "retry"
	case NackPark:
		return "park"
	default:
		return "skip"
	}
}

// GroupSubscription is a competing-consumer subscription whose ack state is
// tracked by the server.
type GroupSubscription interface {
	Subscription
	Ack(ctx context.Context, e *Envelope) error
	Nack(ctx context.Context, e *Envelope, action NackAction, reason string) error
}

// Subscriber opens transport subscriptions on a source log.
type Subscriber interface {
	// SubscribeToStream delivers events after position after, or from the
	// beginning when after is nil.
	SubscribeToStream(ctx context.Context, stream string, after *int64) (Subscription, error)
	SubscribeToGroup(ctx context.Context, stream, group string, bufferSize int) (GroupSubscription, error)
}
