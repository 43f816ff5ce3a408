// Package config loads ditto settings from YAML merged with DITTO_ env vars.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	SupportedSchema = "v1"
	EnvPrefix       = "DITTO_"
)

type Connection struct {
	ConnectionString string `koanf:"connection_string"`
	ConnectionName   string `koanf:"connection_name"`
}

type Subscription struct {
	Stream string `koanf:"stream" yaml:"stream"`
	Group  string `koanf:"group" yaml:"group"`
}

type Checkpoint struct {
	FlushInterval     time.Duration `koanf:"flush_interval"`
	LoadRetryCount    int           `koanf:"load_retry_count"`
	LoadRetryInterval time.Duration `koanf:"load_retry_interval"`
	MaxCount          int           `koanf:"max_count"`
}

type PersistentSubscription struct {
	BufferSize int `koanf:"buffer_size"`
	// Group is used for subscriptions that do not name one.
	Group string `koanf:"group"`
}

type Replication struct {
	ThrottleInterval time.Duration `koanf:"throttle_interval"`
	SkipVersionCheck bool          `koanf:"skip_version_check"`
	TTL              time.Duration `koanf:"ttl"`
	ReadOnly         bool          `koanf:"read_only"`
	StopAt           int64         `koanf:"stop_at"` // -1 = off
	EventTypes       []string      `koanf:"event_types"`
	RestartDelay     time.Duration `koanf:"restart_delay"`
	StopTimeout      time.Duration `koanf:"stop_timeout"`
	StartParallelism int           `koanf:"start_parallelism"`
}

type SQSSink struct {
	QueueURL string `koanf:"queue_url"`
	Region   string `koanf:"region"`
}

type RabbitMQSink struct {
	URL            string `koanf:"url"`
	Exchange       string `koanf:"exchange"`
	ExchangeType   string `koanf:"exchange_type"`
	ConnectionName string `koanf:"connection_name"`
}

type KafkaSink struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	Version  string   `koanf:"version"`
	ClientID string   `koanf:"client_id"`
	Acks     int16    `koanf:"acks"`
}

type KinesisSink struct {
	StreamName string `koanf:"stream_name"`
	Region     string `koanf:"region"`
}

type S3Sink struct {
	Bucket string `koanf:"bucket"`
	Prefix string `koanf:"prefix"`
	Region string `koanf:"region"`
}

type StdoutSink struct {
	PrintCounter bool `koanf:"print_counter"`
	Payload      bool `koanf:"payload"`
}

type Sink struct {
	Kind     string       `koanf:"kind"`
	SQS      SQSSink      `koanf:"sqs"`
	RabbitMQ RabbitMQSink `koanf:"rabbitmq"`
	Kafka    KafkaSink    `koanf:"kafka"`
	Kinesis  KinesisSink  `koanf:"kinesis"`
	S3       S3Sink       `koanf:"s3"`
	Stdout   StdoutSink   `koanf:"stdout"`
}

type Replay struct {
	QueueURL          string        `koanf:"queue_url"`
	Region            string        `koanf:"region"`
	WaitTimeSeconds   int32         `koanf:"wait_time_seconds"`
	MaxMessages       int32         `koanf:"max_messages"`
	VisibilityTimeout int32         `koanf:"visibility_timeout"`
	Pollers           int           `koanf:"pollers"`
	Workers           int           `koanf:"workers"`
	RetryDelay        time.Duration `koanf:"retry_delay"`
	RetryAttempts     int           `koanf:"retry_attempts"`
}

type Metrics struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

type GRPC struct {
	Port int `koanf:"port"`
}

type Log struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type Settings struct {
	SchemaVersion string `koanf:"schema_version"`
	App           string `koanf:"app"`
	Mode          string `koanf:"mode"` // catchup|competing

	Source      Connection `koanf:"source"`
	Destination Connection `koanf:"destination"`

	Subscriptions     []Subscription `koanf:"subscriptions"`
	SubscriptionsFile string         `koanf:"subscriptions_file"`
	Streams           string         `koanf:"streams"` // "a;b;c"

	Checkpoint             Checkpoint             `koanf:"checkpoint"`
	PersistentSubscription PersistentSubscription `koanf:"persistent_subscription"`
	Replication            Replication            `koanf:"replication"`
	Sink                   Sink                   `koanf:"sink"`
	Replay                 Replay                 `koanf:"replay"`
	Metrics                Metrics                `koanf:"metrics"`
	GRPC                   GRPC                   `koanf:"grpc"`
	Log                    Log                    `koanf:"log"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// Load merges YAML (if present) with env-vars (prefix `DITTO_`, delimiter
// `__`) and resolves the subscription list. Callers validate what they use.
func Load(path string) (Settings, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Settings{}, fmt.Errorf("settings schema_version %q not supported (want %q)", sv, SupportedSchema)
	}

	if err := k.Load(env.Provider(EnvPrefix, "__", envKey), nil); err != nil {
		return Settings{}, fmt.Errorf("load env: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return s, err
	}
	applyDefaults(&s)
	if !k.Exists("replication.stop_at") {
		s.Replication.StopAt = -1
	}

	if s.SubscriptionsFile != "" {
		subsPath := s.SubscriptionsFile
		if path != "" && !filepath.IsAbs(subsPath) {
			subsPath = filepath.Join(filepath.Dir(path), subsPath)
		}
		subs, err := LoadSubscriptions(subsPath)
		if err != nil {
			return s, err
		}
		s.Subscriptions = append(s.Subscriptions, subs...)
	}
	s.Subscriptions = append(s.Subscriptions, ParseStreams(s.Streams)...)
	for i := range s.Subscriptions {
		if s.Subscriptions[i].Group == "" {
			s.Subscriptions[i].Group = s.PersistentSubscription.Group
		}
	}

	return s, nil
}

// envKey maps DITTO_CHECKPOINT__FLUSH_INTERVAL to checkpoint__flush_interval.
// The logging variables are read by the logging package.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "log_level" || s == "log_json" {
		return ""
	}
	return s
}

// ParseStreams splits the legacy "a;b;c" stream list.
func ParseStreams(v string) []Subscription {
	var out []Subscription
	for _, s := range strings.Split(strings.TrimSpace(v), ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, Subscription{Stream: s})
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func applyDefaults(s *Settings) {
	if s.App == "" {
		s.App = "ditto"
	}
	if s.Mode == "" {
		s.Mode = "catchup"
	}
	if s.Source.ConnectionName == "" {
		s.Source.ConnectionName = "Ditto:Source"
	}
	if s.Destination.ConnectionName == "" {
		s.Destination.ConnectionName = "Ditto:Destination"
	}
	if s.Checkpoint.FlushInterval == 0 {
		s.Checkpoint.FlushInterval = time.Second
	}
	if s.Checkpoint.LoadRetryCount == 0 {
		s.Checkpoint.LoadRetryCount = 5
	}
	if s.Checkpoint.LoadRetryInterval == 0 {
		s.Checkpoint.LoadRetryInterval = time.Second
	}
	if s.Checkpoint.MaxCount == 0 {
		s.Checkpoint.MaxCount = 10
	}
	if s.PersistentSubscription.BufferSize == 0 {
		s.PersistentSubscription.BufferSize = 10
	}
	if s.PersistentSubscription.Group == "" {
		s.PersistentSubscription.Group = "ditto"
	}
	if s.Replication.RestartDelay == 0 {
		s.Replication.RestartDelay = 3 * time.Second
	}
	if s.Replication.StopTimeout == 0 {
		s.Replication.StopTimeout = 10 * time.Second
	}
	if s.Replication.StartParallelism == 0 {
		s.Replication.StartParallelism = 4
	}
	if s.Sink.Kind == "" {
		s.Sink.Kind = "eventstore"
	}
	if s.Sink.RabbitMQ.ExchangeType == "" {
		s.Sink.RabbitMQ.ExchangeType = "topic"
	}
	if s.Sink.RabbitMQ.ConnectionName == "" {
		s.Sink.RabbitMQ.ConnectionName = "Ditto:RabbitMQ"
	}
	if s.Sink.Kafka.Version == "" {
		s.Sink.Kafka.Version = "2.8.0"
	}
	if s.Sink.Kafka.ClientID == "" {
		s.Sink.Kafka.ClientID = "ditto"
	}
	if s.Replay.RetryDelay == 0 {
		s.Replay.RetryDelay = 15 * time.Second
	}
	if s.Replay.RetryAttempts == 0 {
		s.Replay.RetryAttempts = 5
	}
	if s.Metrics.Port == 0 {
		s.Metrics.Port = 9100
	}
	if s.GRPC.Port == 0 {
		s.GRPC.Port = 7070
	}
}
