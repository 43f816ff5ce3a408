// Package sqs publishes one SQS message per replicated event.
package sqs

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"ditto/internal/event"
	"ditto/sink"
)

const Kind = "sqs"

// API is the subset of the SQS client the driver uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type Config struct {
	Client   API
	QueueURL string
}

// QueueName is the last segment of a queue URL.
func QueueName(url string) string {
	return path.Base(strings.TrimRight(url, "/"))
}

type driver struct {
	cfg  Config
	fifo bool
	now  func() time.Time
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
		return fmt.Errorf("sqs-sink: expected Config, got %T", raw)
	}
	if c.Client == nil {
		return fmt.Errorf("sqs-sink: client is required")
	}
	if strings.TrimSpace(c.QueueURL) == "" {
		return fmt.Errorf("sqs-sink: queue_url is required")
	}
	d.cfg = c
	d.fifo = strings.HasSuffix(c.QueueURL, ".fifo")
	d.now = time.Now
	return nil
}

func (d *driver) Operation() string { return "send_message" }

func (d *driver) Write(ctx context.Context, e *event.Envelope) error {
	body, err := event.Marshal(e, d.now())
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(e.EventType)},
			"stream_id":  {DataType: aws.String("String"), StringValue: aws.String(e.StreamID)},
		},
	}
	if d.fifo {
		in.MessageGroupId = aws.String(e.StreamID)
		in.MessageDeduplicationId = aws.String(dedupID(e))
	}
	if _, err := d.cfg.Client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs send to %s: %w", QueueName(d.cfg.QueueURL), err)
	}
	return nil
}

func (d *driver) Close() error { return nil }

// dedupID is stable across redeliveries of the same event.
func dedupID(e *event.Envelope) string {
	if e.EventID != "" {
		return e.EventID
	}
	id := e.StreamID + "-" + strconv.FormatInt(e.EventNumber, 10)
	if len(id) > 128 {
		id = id[len(id)-128:]
	}
	return id
}

/*──────── auto-register ───────*/
func init() {
	sink.Register(Kind, func() sink.Driver { return &driver{} })
}
