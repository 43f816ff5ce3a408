// Package rabbitmq publishes replicated events to a RabbitMQ exchange with
// publisher confirms, routed by source stream.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"ditto/internal/event"
	"ditto/sink"
)

const Kind = "rabbitmq"

var ErrNacked = errors.New("rabbitmq: publish not confirmed")

// Publisher sends one message and waits for the broker to take ownership.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) error
	Close() error
}

type Config struct {
	Exchange     string
	ExchangeType string // default topic
	// Connect returns the shared broker connection.
	Connect func(ctx context.Context) (*amqp091.Connection, error)
	// Publisher overrides the channel opened from Connect.
	Publisher Publisher
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Exchange) == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Connect == nil && c.Publisher == nil {
		return fmt.Errorf("rabbitmq connection is required")
	}
	return nil
}

type driver struct {
	cfg Config
	now func() time.Time

	mu  sync.Mutex
	pub Publisher
}

func New(cfg Config) (sink.Driver, error) {
	d := &driver{}
	if err := d.Configure(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("rabbitmq-sink: expected Config, got %T", raw)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ExchangeType == "" {
		c.ExchangeType = "topic"
	}
	d.cfg = c
	d.pub = c.Publisher
	d.now = time.Now
	return nil
}

func (d *driver) Operation() string { return "publish" }

func (d *driver) Write(ctx context.Context, e *event.Envelope) error {
	pub, err := d.publisher(ctx)
	if err != nil {
		return err
	}
	now := d.now()
	body, err := event.Marshal(e, now)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    e.EventID,
		Type:         e.EventType,
		Timestamp:    now.UTC(),
		Body:         body,
	}
	if err := pub.Publish(ctx, d.cfg.Exchange, e.StreamID, msg); err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			d.reset(pub)
		}
		return fmt.Errorf("rabbitmq publish to %s: %w", d.cfg.Exchange, err)
	}
	return nil
}

func (d *driver) publisher(ctx context.Context) (Publisher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pub != nil {
		return d.pub, nil
	}
	conn, err := d.cfg.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(d.cfg.Exchange, d.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	d.pub = &confirmPublisher{ch: ch}
	return d.pub, nil
}

func (d *driver) reset(failed Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pub == failed && d.cfg.Connect != nil {
		_ = failed.Close()
		d.pub = nil
	}
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pub == nil {
		return nil
	}
	err := d.pub.Close()
	d.pub = nil
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}

/*──────── channel publisher ───────*/

type confirmPublisher struct {
	ch *amqp091.Channel
}

func (p *confirmPublisher) Publish(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

func (p *confirmPublisher) Close() error { return p.ch.Close() }

/*──────── auto-register ───────*/
func init() {
	sink.Register(Kind, func() sink.Driver { return &driver{} })
}
