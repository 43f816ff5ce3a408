// Package eventstore is the EventStoreDB transport. One Conn serves the
// source subscriptions, the checkpoint log and the mirror sink.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"ditto/internal/event"
	"ditto/internal/gateway"
	"ditto/internal/logging"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"

	probeStream = "ditto-connection-probe"
)

// Connection string defaults applied when the endpoint does not set them.
var connDefaults = map[string]string{
	"nodePreference":    "random",
	"discoveryInterval": "3000",
}

type Conn struct {
	client *esdb.Client
	name   string
	notify gateway.Notify
	log    *slog.Logger
	// lost is set while a subscription drop reported the connection closed.
	lost atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Dial is a gateway.DialFunc. It returns once the cluster answered a read.
func Dial(ctx context.Context, endpoint, name string, notify gateway.Notify) (*Conn, error) {
	cs, err := connectionString(endpoint)
	if err != nil {
		return nil, err
	}
	cfg, err := esdb.ParseConnectionString(cs)
	if err != nil {
		return nil, fmt.Errorf("eventstore: parse connection string: %w", err)
	}
	client, err := esdb.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("eventstore: new client: %w", err)
	}
	if notify == nil {
		notify = func(gateway.Event, error) {}
	}
	c := &Conn{
		client: client,
		name:   name,
		notify: notify,
		log:    logging.L().With("component", "eventstore", "connection", name),
	}

	// the client connects lazily; force discovery with a read
	if _, _, err := c.head(ctx, probeStream); err != nil {
		_ = client.Close()
		if code(err) == esdb.ErrorCodeUnauthenticated || code(err) == esdb.ErrorCodeAccessDenied {
			notify(gateway.AuthFailed, err)
		}
		return nil, fmt.Errorf("eventstore: connect %s: %w", name, err)
	}
	notify(gateway.Connected, nil)
	return c, nil
}

func connectionString(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("eventstore: invalid endpoint: %w", err)
	}
	if !strings.HasPrefix(u.Scheme, "esdb") {
		return "", fmt.Errorf("eventstore: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	present := make(map[string]bool, len(q))
	for k := range q {
		present[strings.ToLower(k)] = true
	}
	for k, v := range connDefaults {
		if !present[strings.ToLower(k)] {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
		c.notify(gateway.Closed, c.closeErr)
	})
	return c.closeErr
}

/*──────── lifecycle ───────*/

// observeDrop turns a subscription drop into a connection lifecycle event.
func (c *Conn) observeDrop(reason event.DropReason, err error) {
	switch reason {
	case event.DropConnectionClosed:
		c.lost.Store(true)
		c.notify(gateway.Disconnected, err)
	case event.DropAccessDenied:
		c.notify(gateway.AuthFailed, err)
	case event.DropServerError, event.DropUnknown:
		c.notify(gateway.ErrorOccurred, err)
	}
}

// resubscribing reports a reconnect attempt after a lost connection.
func (c *Conn) resubscribing() {
	if c.lost.Load() {
		c.notify(gateway.Reconnecting, nil)
	}
}

// subscribed reports the connection usable again after a loss.
func (c *Conn) subscribed() {
	if c.lost.CompareAndSwap(true, false) {
		c.notify(gateway.Connected, nil)
	}
}

/*──────── reads ───────*/

// head returns the last event of stream without resolving links.
func (c *Conn) head(ctx context.Context, stream string) (*esdb.ResolvedEvent, bool, error) {
	rs, err := c.client.ReadStream(ctx, stream, esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, 1)
	if err != nil {
		if code(err) == esdb.ErrorCodeResourceNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer rs.Close()

	ev, err := rs.Recv()
	switch {
	case errors.Is(err, io.EOF):
		return nil, false, nil
	case code(err) == esdb.ErrorCodeResourceNotFound:
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return ev, true, nil
}

// ReadLast returns the payload of the last event in stream.
func (c *Conn) ReadLast(ctx context.Context, stream string) ([]byte, bool, error) {
	ev, ok, err := c.head(ctx, stream)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec := ev.OriginalEvent()
	if rec == nil {
		return nil, false, nil
	}
	return rec.Data, true, nil
}

/*──────── writes ───────*/

// Append writes one JSON event at any version.
func (c *Conn) Append(ctx context.Context, stream, eventType string, data []byte) error {
	_, err := c.client.AppendToStream(ctx, stream, esdb.AppendToStreamOptions{ExpectedRevision: esdb.Any{}}, esdb.EventData{
		EventType:   eventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
	})
	return err
}

// AppendEvent copies e to stream. The event id is kept when it is a UUID so
// a retried append is deduplicated by the server.
func (c *Conn) AppendEvent(ctx context.Context, stream string, expected int64, e *event.Envelope) (int64, error) {
	ed := esdb.EventData{
		EventType:   e.EventType,
		ContentType: esdb.ContentTypeBinary,
		Data:        e.Data,
		Metadata:    e.Metadata,
	}
	if e.IsJSON() {
		ed.ContentType = esdb.ContentTypeJson
	}
	if id, err := uuid.Parse(e.EventID); err == nil {
		ed.EventID = id
	}

	res, err := c.client.AppendToStream(ctx, stream, esdb.AppendToStreamOptions{ExpectedRevision: expectedRevision(expected)}, ed)
	if err != nil {
		if code(err) == esdb.ErrorCodeWrongExpectedVersion {
			return 0, fmt.Errorf("%w: %w", event.ErrWrongExpectedVersion, err)
		}
		return 0, err
	}
	return int64(res.NextExpectedVersion), nil
}

func expectedRevision(v int64) esdb.ExpectedRevision {
	switch {
	case v == event.ExpectedNoStream:
		return esdb.NoStream{}
	case v < 0:
		return esdb.Any{}
	default:
		return esdb.Revision(uint64(v))
	}
}

func (c *Conn) SetMaxCount(ctx context.Context, stream string, n int) error {
	var meta esdb.StreamMetadata
	meta.SetMaxCount(uint64(n))
	return c.setMetadata(ctx, stream, meta)
}

func (c *Conn) SetMaxAge(ctx context.Context, stream string, ttl time.Duration) error {
	var meta esdb.StreamMetadata
	meta.SetMaxAge(ttl)
	return c.setMetadata(ctx, stream, meta)
}

func (c *Conn) setMetadata(ctx context.Context, stream string, meta esdb.StreamMetadata) error {
	_, err := c.client.SetStreamMetadata(ctx, stream, esdb.AppendToStreamOptions{ExpectedRevision: esdb.Any{}}, meta)
	return err
}

/*──────── errors ───────*/

func code(err error) esdb.ErrorCode {
	var e *esdb.Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return esdb.ErrorCodeUnknown
}

func dropReason(err error) event.DropReason {
	if errors.Is(err, context.Canceled) {
		return event.DropUserInitiated
	}
	switch code(err) {
	case esdb.ErrorCodeResourceNotFound, esdb.ErrorCodeStreamDeleted:
		return event.DropNotFound
	case esdb.ErrorCodeAccessDenied, esdb.ErrorCodeUnauthenticated:
		return event.DropAccessDenied
	case esdb.ErrorCodeConnectionClosed:
		return event.DropConnectionClosed
	default:
		return event.DropServerError
	}
}
