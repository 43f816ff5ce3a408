package engine

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rabbitmq/amqp091-go"

	"ditto/internal/config"
	"ditto/internal/gateway"
	"ditto/internal/telemetry"
	"ditto/sink"
	esdbsink "ditto/sink/eventstore"
	kafkasink "ditto/sink/kafka"
	kinesissink "ditto/sink/kinesis"
	rabbitsink "ditto/sink/rabbitmq"
	s3sink "ditto/sink/s3"
	sqssink "ditto/sink/sqs"
	stdoutsink "ditto/sink/stdout"
	"ditto/source/eventstore"
)

// connections are the shared handles sinks may open.
type connections struct {
	esdb *gateway.Gateway[*eventstore.Conn]
	amqp *gateway.Gateway[*amqp091.Connection]
}

// driverConfig maps settings onto the Config of the selected driver. It
// returns the driver config and the destination name used in metrics.
func driverConfig(ctx context.Context, s config.Settings, conns connections) (any, string, error) {
	switch s.Sink.Kind {
	case esdbsink.Kind:
		dst, err := conns.esdb.Open(ctx, s.Destination.ConnectionString, s.Destination.ConnectionName)
		if err != nil {
			return nil, "", fmt.Errorf("destination: %w", err)
		}
		return esdbsink.Config{
			Log:              dst,
			SkipVersionCheck: s.Replication.SkipVersionCheck,
			TTL:              s.Replication.TTL,
		}, s.Destination.ConnectionName, nil

	case sqssink.Kind:
		ac, err := loadAWS(ctx, s.Sink.SQS.Region)
		if err != nil {
			return nil, "", err
		}
		return sqssink.Config{
			Client:   awssqs.NewFromConfig(ac),
			QueueURL: s.Sink.SQS.QueueURL,
		}, sqssink.QueueName(s.Sink.SQS.QueueURL), nil

	case kinesissink.Kind:
		ac, err := loadAWS(ctx, s.Sink.Kinesis.Region)
		if err != nil {
			return nil, "", err
		}
		return kinesissink.Config{
			Client:     awskinesis.NewFromConfig(ac),
			StreamName: s.Sink.Kinesis.StreamName,
		}, s.Sink.Kinesis.StreamName, nil

	case s3sink.Kind:
		ac, err := loadAWS(ctx, s.Sink.S3.Region)
		if err != nil {
			return nil, "", err
		}
		return s3sink.Config{
			Client: awss3.NewFromConfig(ac),
			Bucket: s.Sink.S3.Bucket,
			Prefix: s.Sink.S3.Prefix,
		}, s.Sink.S3.Bucket, nil

	case rabbitsink.Kind:
		rc := s.Sink.RabbitMQ
		return rabbitsink.Config{
			Exchange:     rc.Exchange,
			ExchangeType: rc.ExchangeType,
			Connect: func(ctx context.Context) (*amqp091.Connection, error) {
				return conns.amqp.Open(ctx, rc.URL, rc.ConnectionName)
			},
		}, rc.Exchange, nil

	case kafkasink.Kind:
		kc := s.Sink.Kafka
		return kafkasink.Config{
			Brokers:  kc.Brokers,
			Topic:    kc.Topic,
			Acks:     kc.Acks,
			Version:  kc.Version,
			ClientID: kc.ClientID,
		}, kc.Topic, nil

	case stdoutsink.Kind:
		return stdoutsink.Config{
			PrintCounter: s.Sink.Stdout.PrintCounter,
			Payload:      s.Sink.Stdout.Payload,
		}, "stdout", nil
	}
	return nil, "", fmt.Errorf("%w: %q", sink.ErrUnknownDriver, s.Sink.Kind)
}

// newReplicator builds the configured driver through the sink registry and
// wraps it with the replication policy.
func newReplicator(ctx context.Context, s config.Settings, conns connections, m telemetry.Metrics) (*sink.Replicator, error) {
	cfg, name, err := driverConfig(ctx, s, conns)
	if err != nil {
		return nil, err
	}
	d, err := sink.NewDriver(s.Sink.Kind)
	if err != nil {
		return nil, err
	}
	if err := d.Configure(cfg); err != nil {
		return nil, err
	}
	return sink.NewReplicator(d, s.Sink.Kind, name, policy(s), m), nil
}

func policy(s config.Settings) sink.Policy {
	return sink.Policy{
		StopAt:           s.Replication.StopAt,
		ReadOnly:         s.Replication.ReadOnly,
		ThrottleInterval: s.Replication.ThrottleInterval,
		EventTypes:       s.Replication.EventTypes,
	}
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	ac, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config: %w", err)
	}
	return ac, nil
}
