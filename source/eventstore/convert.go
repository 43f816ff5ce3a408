package eventstore

import (
	"github.com/EventStore/EventStore-Client-Go/v4/esdb"

	"ditto/internal/event"
)

// toEnvelope maps a delivered event. For a link, the original position is
// the link's and the payload is the target's; a link whose target is gone
// is returned unresolved.
func toEnvelope(re *esdb.ResolvedEvent) *event.Envelope {
	e := &event.Envelope{Source: re, Resolved: re.Event != nil}

	orig := re.OriginalEvent()
	if orig != nil {
		e.OriginalStreamID = orig.StreamID
		e.OriginalEventNumber = int64(orig.EventNumber)
	}
	rec := re.Event
	if rec == nil {
		rec = orig
	}
	if rec == nil {
		return e
	}
	e.StreamID = rec.StreamID
	e.EventID = rec.EventID.String()
	e.EventNumber = int64(rec.EventNumber)
	e.EventType = rec.EventType
	e.ContentType = contentType(rec.ContentType)
	e.CreatedAt = rec.CreatedDate
	e.Data = rec.Data
	e.Metadata = rec.UserMetadata
	return e
}

func contentType(ct string) string {
	if ct == ContentTypeJSON {
		return ContentTypeJSON
	}
	return ContentTypeBinary
}
