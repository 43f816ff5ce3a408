// Package kinesis puts one record per replicated event into a Kinesis data
// stream, partitioned by source stream so per-stream order holds within a
// shard.
package kinesis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"

	"ditto/internal/event"
	"ditto/sink"
)

const Kind = "kinesis"

// Kinesis rejects partition keys longer than this many characters.
const maxPartitionKey = 256

// API is the subset of the Kinesis client the driver uses.
type API interface {
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

type Config struct {
	Client     API
	StreamName string
}

type driver struct {
	cfg Config
	now func() time.Time
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
		return fmt.Errorf("kinesis-sink: expected Config, got %T", raw)
	}
	if c.Client == nil {
		return fmt.Errorf("kinesis-sink: client is required")
	}
	if strings.TrimSpace(c.StreamName) == "" {
		return fmt.Errorf("kinesis-sink: stream_name is required")
	}
	d.cfg = c
	d.now = time.Now
	return nil
}

func (d *driver) Operation() string { return "put_record" }

func (d *driver) Write(ctx context.Context, e *event.Envelope) error {
	body, err := event.Marshal(e, d.now())
	if err != nil {
		return err
	}
	_, err = d.cfg.Client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(d.cfg.StreamName),
		PartitionKey: aws.String(partitionKey(e.StreamID)),
		Data:         body,
	})
	if err != nil {
		return fmt.Errorf("kinesis put to %s: %w", d.cfg.StreamName, err)
	}
	return nil
}

func (d *driver) Close() error { return nil }

func partitionKey(stream string) string {
	if r := []rune(stream); len(r) > maxPartitionKey {
		return string(r[len(r)-maxPartitionKey:])
	}
	return stream
}

/*──────── auto-register ───────*/
func init() {
	sink.Register(Kind, func() sink.Driver { return &driver{} })
}
