package event

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Payload encodings recorded in the wire document.
const (
	EncodingJSON   = "json"
	EncodingBase64 = "base64"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

// Wrapper is the JSON document written to queues, streams and archives.
// Compact JSON payloads of JSON events are embedded as-is; any other
// payload is base64 so it round-trips byte for byte.
type Wrapper struct {
	StreamID         string          `json:"stream_id"`
	EventID          string          `json:"event_id"`
	EventNumber      int64           `json:"event_number"`
	EventType        string          `json:"event_type"`
	ContentType      string          `json:"content_type,omitempty"`
	EventTimestamp   time.Time       `json:"event_timestamp"`
	ReplicatedOn     time.Time       `json:"replicated_on"`
	Data             json.RawMessage `json:"data,omitempty"`
	DataEncoding     string          `json:"data_encoding,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	MetadataEncoding string          `json:"metadata_encoding,omitempty"`
}

// Wrap builds the wire document for e, stamped with replicatedOn.
func Wrap(e *Envelope, replicatedOn time.Time) (Wrapper, error) {
	ct := e.ContentType
	if ct == "" {
		ct = ContentTypeBinary
	}
	data, dataEnc, err := embed(e.Data, e.IsJSON())
	if err != nil {
		return Wrapper{}, fmt.Errorf("wrap data: %w", err)
	}
	// esdb metadata carries no content type of its own
	meta, metaEnc, err := embed(e.Metadata, true)
	if err != nil {
		return Wrapper{}, fmt.Errorf("wrap metadata: %w", err)
	}
	return Wrapper{
		StreamID:         e.StreamID,
		EventID:          e.EventID,
		EventNumber:      e.EventNumber,
		EventType:        e.EventType,
		ContentType:      ct,
		EventTimestamp:   e.CreatedAt.UTC(),
		ReplicatedOn:     replicatedOn.UTC(),
		Data:             data,
		DataEncoding:     dataEnc,
		Metadata:         meta,
		MetadataEncoding: metaEnc,
	}, nil
}

// Marshal renders the wire document for e.
func Marshal(e *Envelope, replicatedOn time.Time) ([]byte, error) {
	w, err := Wrap(e, replicatedOn)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Unmarshal parses a wire document back into an envelope positioned at its
// source stream.
func Unmarshal(raw []byte) (*Envelope, error) {
	var w Wrapper
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode wrapper: %w", err)
	}
	if w.StreamID == "" {
		return nil, fmt.Errorf("decode wrapper: missing stream_id")
	}
	if w.EventType == "" {
		return nil, fmt.Errorf("decode wrapper: missing event_type")
	}
	data, err := extract(w.Data, w.DataEncoding)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	meta, err := extract(w.Metadata, w.MetadataEncoding)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	ct := w.ContentType
	if ct == "" {
		ct = ContentTypeBinary
		if w.DataEncoding == EncodingJSON {
			ct = ContentTypeJSON
		}
	}
	return &Envelope{
		StreamID:            w.StreamID,
		EventID:             w.EventID,
		EventNumber:         w.EventNumber,
		EventType:           w.EventType,
		ContentType:         ct,
		CreatedAt:           w.EventTimestamp,
		Data:                data,
		Metadata:            meta,
		OriginalStreamID:    w.StreamID,
		OriginalEventNumber: w.EventNumber,
		Resolved:            true,
	}, nil
}

// embed returns b as raw JSON when allowed and already compact, otherwise as
// a base64 string.
func embed(b []byte, asJSON bool) (json.RawMessage, string, error) {
	if len(b) == 0 {
		return nil, "", nil
	}
	if asJSON && compact(b) {
		return json.RawMessage(b), EncodingJSON, nil
	}
	s, err := json.Marshal(base64.StdEncoding.EncodeToString(b))
	if err != nil {
		return nil, "", err
	}
	return json.RawMessage(s), EncodingBase64, nil
}

// compact reports whether b is valid JSON that encoding/json will emit
// unchanged.
func compact(b []byte) bool {
	if !json.Valid(b) {
		return false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), b)
}

func extract(raw json.RawMessage, encoding string) ([]byte, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch encoding {
	case EncodingJSON:
		return []byte(raw), nil
	case EncodingBase64:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	}
	return nil, fmt.Errorf("unknown encoding %q", encoding)
}
