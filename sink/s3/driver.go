// Package s3 archives each replicated event as one S3 object. The key is
// derived from the event's position, so redelivery overwrites rather than
// duplicates.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ditto/internal/event"
	"ditto/sink"
)

const Kind = "s3"

type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Client API
	Bucket string
	Prefix string
}

type driver struct {
	client API
	bucket string
	prefix string
	now    func() time.Time
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
		return fmt.Errorf("s3-sink: expected Config, got %T", raw)
	}
	if c.Client == nil {
		return fmt.Errorf("s3-sink: client is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("s3-sink: bucket is required")
	}
	d.client = c.Client
	d.bucket = c.Bucket
	d.prefix = strings.Trim(c.Prefix, "/")
	d.now = time.Now
	return nil
}

func (d *driver) Operation() string { return "put_object" }

// Key returns the object key for e.
func (d *driver) Key(e *event.Envelope) string {
	key := path.Join(escape(e.StreamID), fmt.Sprintf("%020d.json", e.EventNumber))
	if d.prefix != "" {
		key = path.Join(d.prefix, key)
	}
	return key
}

func (d *driver) Write(ctx context.Context, e *event.Envelope) error {
	body, err := event.Marshal(e, d.now())
	if err != nil {
		return err
	}
	key := d.Key(e)
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-type": e.EventType,
			"event-id":   e.EventID,
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", d.bucket, key, err)
	}
	return nil
}

func (d *driver) Close() error { return nil }

// stream ids may contain '/', which would create extra key levels.
func escape(stream string) string {
	return strings.ReplaceAll(stream, "/", "_")
}

/*──────── auto-register ───────*/
func init() {
	sink.Register(Kind, func() sink.Driver { return &driver{} })
}
