package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_DefaultsAndRelativeSubscriptionsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "subscriptions.yml", `schema_version: v1
subscriptions:
  - stream: $ce-order
    group: replicator
  - stream: invoice
`)
	path := writeFile(t, dir, "ditto.yml", `schema_version: v1
source:
  connection_string: esdb://source:2113?tls=false
destination:
  connection_string: esdb://mirror:2113?tls=false
subscriptions_file: subscriptions.yml
streams: "cart; ;payment"
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.Mode != "catchup" || s.Sink.Kind != "eventstore" || s.Source.ConnectionName != "Ditto:Source" {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if s.Checkpoint.FlushInterval != time.Second || s.Checkpoint.LoadRetryCount != 5 || s.Checkpoint.MaxCount != 10 {
		t.Fatalf("checkpoint defaults: %+v", s.Checkpoint)
	}
	if s.Replication.StopAt != -1 || s.Replication.RestartDelay != 3*time.Second || s.Replication.StopTimeout != 10*time.Second {
		t.Fatalf("replication defaults: %+v", s.Replication)
	}
	if s.Replay.RetryDelay != 15*time.Second || s.Replay.RetryAttempts != 5 {
		t.Fatalf("replay defaults: %+v", s.Replay)
	}

	want := []Subscription{
		{Stream: "$ce-order", Group: "replicator"},
		{Stream: "invoice", Group: "ditto"},
		{Stream: "cart", Group: "ditto"},
		{Stream: "payment", Group: "ditto"},
	}
	if len(s.Subscriptions) != len(want) {
		t.Fatalf("subscriptions = %+v", s.Subscriptions)
	}
	for i := range want {
		if s.Subscriptions[i] != want[i] {
			t.Errorf("subscriptions[%d] = %+v, want %+v", i, s.Subscriptions[i], want[i])
		}
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ditto.yml", `mode: catchup
source: { connection_string: "esdb://source:2113" }
checkpoint: { flush_interval: 5s }
replication: { stop_at: 0 }
`)
	t.Setenv("DITTO_MODE", "competing")
	t.Setenv("DITTO_CHECKPOINT__FLUSH_INTERVAL", "250ms")
	t.Setenv("DITTO_SINK__KIND", "stdout")
	t.Setenv("DITTO_STREAMS", "orders")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Mode != "competing" || s.Sink.Kind != "stdout" {
		t.Fatalf("env not applied: mode=%s sink=%s", s.Mode, s.Sink.Kind)
	}
	if s.Checkpoint.FlushInterval != 250*time.Millisecond {
		t.Fatalf("flush interval = %v", s.Checkpoint.FlushInterval)
	}
	if s.Replication.StopAt != 0 {
		t.Fatalf("explicit stop_at 0 overwritten: %d", s.Replication.StopAt)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_InvalidSchema(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ditto.yml", "schema_version: v999\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid schema_version")
	}

	writeFile(t, dir, "subs.yml", "schema_version: v2\nsubscriptions: []\n")
	path = writeFile(t, dir, "ditto2.yml", "subscriptions_file: subs.yml\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "v2") {
		t.Fatalf("subscriptions schema: %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	s := Settings{Mode: "broadcast", Sink: Sink{Kind: "carrier-pigeon"}, Subscriptions: []Subscription{{Stream: " "}}}
	err := s.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"broadcast", "source.connection_string", "stream is blank", "flush_interval", "carrier-pigeon"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestValidate_SinkRequirements(t *testing.T) {
	base := Settings{
		Mode:                   "catchup",
		Source:                 Connection{ConnectionString: "esdb://x"},
		Subscriptions:          []Subscription{{Stream: "a"}},
		Checkpoint:             Checkpoint{FlushInterval: time.Second},
		PersistentSubscription: PersistentSubscription{BufferSize: 10},
	}
	for kind, want := range map[string]string{
		"eventstore": "destination.connection_string",
		"sqs":        "sink.sqs.queue_url",
		"rabbitmq":   "sink.rabbitmq.url",
		"kafka":      "sink.kafka.brokers",
		"kinesis":    "sink.kinesis.stream_name",
		"s3":         "sink.s3.bucket",
	} {
		s := base
		s.Sink.Kind = kind
		if err := s.Validate(); err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("%s: err = %v", kind, err)
		}
	}
	s := base
	s.Sink.Kind = "stdout"
	if err := s.Validate(); err != nil {
		t.Fatalf("stdout: %v", err)
	}
}

func TestParseStreams(t *testing.T) {
	got := ParseStreams(" a;b ;;c ")
	if len(got) != 3 || got[0].Stream != "a" || got[1].Stream != "b" || got[2].Stream != "c" {
		t.Fatalf("ParseStreams = %+v", got)
	}
	if ParseStreams("") != nil {
		t.Fatal("empty list should yield nil")
	}
}

func TestValidateReplay(t *testing.T) {
	if err := (Settings{}).ValidateReplay(); err == nil {
		t.Fatal("expected error")
	}
	s := Settings{Replay: Replay{QueueURL: "q"}, Destination: Connection{ConnectionString: "esdb://x"}}
	if err := s.ValidateReplay(); err != nil {
		t.Fatal(err)
	}
}
