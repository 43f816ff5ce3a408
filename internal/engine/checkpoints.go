package engine

import (
	"context"
	"errors"
	"fmt"

	"ditto/internal/config"
	"ditto/internal/gateway"
	"ditto/internal/logging"
	"ditto/source/eventstore"
)

// Checkpoint is a consumer's stored position.
type Checkpoint struct {
	ConsumerID string
	Position   int64
	Found      bool
}

// ShowCheckpoint reads the stored position of consumerID from the source.
func ShowCheckpoint(ctx context.Context, s config.Settings, consumerID string) (Checkpoint, error) {
	var cp Checkpoint
	err := withCheckpoints(ctx, s, func(ctx context.Context, st checkpointStore) error {
		pos, ok, err := st.Load(ctx, consumerID)
		cp = Checkpoint{ConsumerID: consumerID, Position: pos, Found: ok}
		return err
	})
	return cp, err
}

// ResetCheckpoint makes consumerID replay its stream from the start on the
// next run.
func ResetCheckpoint(ctx context.Context, s config.Settings, consumerID string) error {
	return withCheckpoints(ctx, s, func(ctx context.Context, st checkpointStore) error {
		return st.Reset(ctx, consumerID)
	})
}

type checkpointStore interface {
	Load(ctx context.Context, consumerID string) (int64, bool, error)
	Reset(ctx context.Context, consumerID string) error
}

func withCheckpoints(ctx context.Context, s config.Settings, fn func(context.Context, checkpointStore) error) error {
	if s.Source.ConnectionString == "" {
		return errors.New("settings: source.connection_string is required")
	}
	conns := gateway.New(eventstore.Dial, gateway.Options{Logger: logging.L()})
	src, err := conns.Open(ctx, s.Source.ConnectionString, s.Source.ConnectionName)
	if err != nil {
		return errors.Join(fmt.Errorf("source: %w", err), conns.CloseAll())
	}
	st := newCheckpoints(src, s)
	err = fn(ctx, st)
	return errors.Join(err, st.Close(ctx), conns.CloseAll())
}
