package config

import (
	"errors"
	"fmt"
	"strings"
)

// SinkKinds lists the destinations a settings file may select.
var SinkKinds = []string{"eventstore", "sqs", "rabbitmq", "kafka", "kinesis", "s3", "stdout"}

// Validate reports every problem found, joined.
func (s Settings) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	mode := strings.ToLower(s.Mode)
	if mode != "catchup" && mode != "competing" {
		add("mode %q is not catchup or competing", s.Mode)
	}
	if s.Source.ConnectionString == "" {
		add("source.connection_string is required")
	}
	if len(s.Subscriptions) == 0 {
		add("no subscriptions configured")
	}
	for i, sub := range s.Subscriptions {
		if strings.TrimSpace(sub.Stream) == "" {
			add("subscriptions[%d]: stream is blank", i)
		}
	}
	if s.Checkpoint.FlushInterval <= 0 {
		add("checkpoint.flush_interval must be positive")
	}
	if s.Checkpoint.LoadRetryCount < 0 {
		add("checkpoint.load_retry_count must not be negative")
	}
	if s.PersistentSubscription.BufferSize <= 0 {
		add("persistent_subscription.buffer_size must be positive")
	}
	if s.Replication.ThrottleInterval < 0 {
		add("replication.throttle_interval must not be negative")
	}

	switch s.Sink.Kind {
	case "eventstore":
		if s.Destination.ConnectionString == "" {
			add("destination.connection_string is required for the eventstore sink")
		}
	case "sqs":
		if s.Sink.SQS.QueueURL == "" {
			add("sink.sqs.queue_url is required")
		}
	case "rabbitmq":
		if s.Sink.RabbitMQ.URL == "" || s.Sink.RabbitMQ.Exchange == "" {
			add("sink.rabbitmq.url and sink.rabbitmq.exchange are required")
		}
	case "kafka":
		if len(s.Sink.Kafka.Brokers) == 0 || s.Sink.Kafka.Topic == "" {
			add("sink.kafka.brokers and sink.kafka.topic are required")
		}
	case "kinesis":
		if s.Sink.Kinesis.StreamName == "" {
			add("sink.kinesis.stream_name is required")
		}
	case "s3":
		if s.Sink.S3.Bucket == "" {
			add("sink.s3.bucket is required")
		}
	case "stdout":
	default:
		add("unknown sink kind %q (want one of %s)", s.Sink.Kind, strings.Join(SinkKinds, ", "))
	}
	return errors.Join(errs...)
}

// ValidateReplay checks the settings used by `ditto replay`.
func (s Settings) ValidateReplay() error {
	var errs []error
	if s.Replay.QueueURL == "" {
		errs = append(errs, errors.New("replay.queue_url is required"))
	}
	if s.Destination.ConnectionString == "" {
		errs = append(errs, errors.New("destination.connection_string is required"))
	}
	return errors.Join(errs...)
}
