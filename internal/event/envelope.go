// Package event holds the event model shared by subscriptions, sinks and the
// EventStoreDB transport.
package event

import (
	"errors"
	"time"
)

// Expected versions understood by log writers.
const (
	ExpectedAny      int64 = -2
	ExpectedNoStream int64 = -1
)

// ErrWrongExpectedVersion is returned by log writers when an optimistic
// concurrency check fails.
var ErrWrongExpectedVersion = errors.New("wrong expected version")

// Envelope is one event as delivered by a subscription.
type Envelope struct {
	StreamID    string
	EventID     string
	EventNumber int64
	EventType   string
	ContentType string
	CreatedAt   time.Time
	Data        []byte
	Metadata    []byte

	// OriginalStreamID / OriginalEventNumber locate the event in the
	// subscribed stream. They differ from StreamID / EventNumber for
	// resolved links (category and event-type projections).
	OriginalStreamID    string
	OriginalEventNumber int64

	// Resolved is false for a link whose target event no longer exists.
	Resolved bool

	// Source is the transport record, used to ack/nack and to preserve ids.
	Source any
}

// IsJSON reports whether the payload was written as JSON.
func (e *Envelope) IsJSON() bool {
	return e.ContentType == ContentTypeJSON
}

// ExpectedVersionFor returns the optimistic concurrency token that places e
// at its source position in a mirrored stream.
func ExpectedVersionFor(e *Envelope) int64 {
	if e.EventNumber <= 0 {
		return ExpectedNoStream
	}
	return e.EventNumber - 1
}
