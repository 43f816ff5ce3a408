package engine

import (
	"context"
	"fmt"

	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"ditto/internal/config"
	"ditto/internal/gateway"
	"ditto/internal/logging"
	"ditto/internal/replay"
	"ditto/internal/telemetry"
	"ditto/sink"
	esdbsink "ditto/sink/eventstore"
	"ditto/source/eventstore"
	sqssrc "ditto/source/sqs"
)

// Replay drains the replay queue into the destination store until ctx is
// cancelled. Events are appended at their recorded positions.
func Replay(ctx context.Context, s config.Settings) error {
	if err := s.ValidateReplay(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	lg := logging.L().With("component", "engine")

	conns := gateway.New(eventstore.Dial, gateway.Options{Logger: lg})
	defer func() {
		if err := conns.CloseAll(); err != nil {
			lg.Warn("close destination", logging.Err(err))
		}
	}()
	dst, err := conns.Open(ctx, s.Destination.ConnectionString, s.Destination.ConnectionName)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	d, err := esdbsink.New(esdbsink.Config{Log: dst, TTL: s.Replication.TTL})
	if err != nil {
		return err
	}
	out := sink.NewReplicator(d, esdbsink.Kind, s.Destination.ConnectionName, sink.Policy{StopAt: -1}, telemetry.Nop{})
	defer out.Close()

	ac, err := loadAWS(ctx, s.Replay.Region)
	if err != nil {
		return err
	}
	src, err := sqssrc.New(ctx, awssqs.NewFromConfig(ac), sqssrc.Config{
		QueueURL:          s.Replay.QueueURL,
		WaitTimeSeconds:   s.Replay.WaitTimeSeconds,
		MaxMessages:       s.Replay.MaxMessages,
		VisibilityTimeout: s.Replay.VisibilityTimeout,
		Pollers:           s.Replay.Pollers,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	lg.Info("replaying", "queue", s.Replay.QueueURL, "destination", s.Destination.ConnectionName)
	return replay.New(src, out, replay.Options{
		RetryDelay:    s.Replay.RetryDelay,
		RetryAttempts: s.Replay.RetryAttempts,
		Workers:       s.Replay.Workers,
	}).Run(ctx)
}
