package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"ditto/internal/event"
	"ditto/sink"
)

const Kind = "kafka"

type Config struct {
	Brokers  []string
	Topic    string
	Acks     int16 // 0,1,-1
	Version  string
	ClientID string

	// Producer overrides the producer built from Brokers.
	Producer sarama.SyncProducer
}

type driver struct {
	cfg Config
	p   sarama.SyncProducer
	now func() time.Time
}

func New(cfg Config) (sink.Driver, error) {
	d := &driver{}
	if err := d.Configure(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: expected Config, got %T", c)
	}
	if cfg.Topic == "" {
		return fmt.Errorf("kafka-sink: topic is required")
	}
	d.cfg = cfg
	d.now = time.Now

	if cfg.Producer != nil {
		d.p = cfg.Producer
		return nil
	}
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka-sink: brokers are required")
	}
	sc, err := saramaConfig(cfg)
	if err != nil {
		return err
	}
	d.p, err = sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("kafka-sink: producer: %w", err)
	}
	return nil
}

func saramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.Acks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka-sink: version: %w", err)
		}
		sc.Version = v
	}
	return sc, nil
}

func (d *driver) Operation() string { return "produce" }

// Write keys every record by its source stream so one stream always lands on
// one partition.
func (d *driver) Write(ctx context.Context, e *event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := event.Marshal(e, d.now())
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.cfg.Topic,
		Key:   sarama.StringEncoder(e.StreamID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.EventType)},
			{Key: []byte("event_id"), Value: []byte(e.EventID)},
		},
	}
	if _, _, err := d.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka produce to %s: %w", d.cfg.Topic, err)
	}
	return nil
}

func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	return d.p.Close()
}

func init() { sink.Register(Kind, func() sink.Driver { return &driver{} }) }
