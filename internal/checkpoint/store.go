// Package checkpoint persists the last processed position of each catch-up
// consumer in its own EventStoreDB stream.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ditto/internal/logging"
	"ditto/internal/retry"
)

const (
	EventType = "Checkpoint"

	DefaultFlushInterval = time.Second
	DefaultMaxCount      = 10

	flushTimeout = 10 * time.Second
)

var ErrInvalidArgument = errors.New("checkpoint: invalid argument")

// Log is the durable stream the store persists into.
type Log interface {
	// ReadLast returns the payload of the newest entry of stream. found is
	// false when the stream is missing or empty.
	ReadLast(ctx context.Context, stream string) (data []byte, found bool, err error)
	Append(ctx context.Context, stream, eventType string, data []byte) error
	SetMaxCount(ctx context.Context, stream string, n int) error
}

type Options struct {
	FlushInterval time.Duration
	LoadRetry     retry.Policy
	MaxCount      int
	Logger        *slog.Logger
}

type payload struct {
	LastEventProcessed int64 `json:"LastEventProcessed"`
}

// StreamName is the durable stream holding a consumer's checkpoints.
func StreamName(consumerID string) string {
	return "Ditto_" + consumerID + "_Checkpoint"
}

// Store keeps the latest processed position per consumer in memory and
// flushes changed values to the Log on a fixed interval.
type Store struct {
	log  Log
	opts Options
	lg   *slog.Logger

	current sync.Map // consumer id → int64
	capped  sync.Map // consumer id → struct{}

	flushMu sync.Mutex
	stored  map[string]int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts the flush loop. Close must be called to stop it.
func New(log Log, opts Options) *Store {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.LoadRetry == nil {
		opts.LoadRetry = retry.None{}
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultMaxCount
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	s := &Store{
		log:    log,
		opts:   opts,
		lg:     opts.Logger.With("component", "checkpoint"),
		stored: map[string]int64{},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Load returns the last processed position for consumerID. ok is false when
// there is no checkpoint or it was reset.
func (s *Store) Load(ctx context.Context, consumerID string) (pos int64, ok bool, err error) {
	if err := validID(consumerID); err != nil {
		return 0, false, err
	}
	if v, hit := s.current.Load(consumerID); hit {
		pos = v.(int64)
		return pos, pos >= 0, nil
	}

	stream := StreamName(consumerID)
	var (
		data  []byte
		found bool
	)
	err = s.opts.LoadRetry.Do(ctx, func(ctx context.Context) error {
		d, f, rerr := s.log.ReadLast(ctx, stream)
		if rerr != nil {
			s.lg.Warn("checkpoint read failed", "consumer", consumerID, logging.Err(rerr))
			return rerr
		}
		data, found = d, f
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", consumerID, err)
	}
	if !found {
		return 0, false, nil
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, false, fmt.Errorf("decode checkpoint %s: %w", consumerID, err)
	}

	s.flushMu.Lock()
	if _, seen := s.stored[consumerID]; !seen {
		s.stored[consumerID] = p.LastEventProcessed
	}
	s.flushMu.Unlock()

	if p.LastEventProcessed < 0 {
		return 0, false, nil
	}
	return p.LastEventProcessed, true, nil
}

// Save records pos as processed. It never moves a checkpoint backwards; a
// negative pos resets it.
func (s *Store) Save(ctx context.Context, consumerID string, pos int64) error {
	if err := validID(consumerID); err != nil {
		return err
	}
	for {
		old, loaded := s.current.LoadOrStore(consumerID, pos)
		if !loaded {
			break
		}
		if pos >= 0 && old.(int64) >= pos {
			return nil
		}
		if s.current.CompareAndSwap(consumerID, old, pos) {
			break
		}
	}

	if _, loaded := s.capped.LoadOrStore(consumerID, struct{}{}); !loaded {
		stream := StreamName(consumerID)
		if err := s.log.SetMaxCount(ctx, stream, s.opts.MaxCount); err != nil {
			s.capped.Delete(consumerID)
			s.lg.Warn("checkpoint retention not set", "stream", stream, logging.Err(err))
		}
	}
	return nil
}

// Reset durably writes the reset sentinel for consumerID.
func (s *Store) Reset(ctx context.Context, consumerID string) error {
	if err := validID(consumerID); err != nil {
		return err
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	data, _ := json.Marshal(payload{LastEventProcessed: -1})
	if err := s.log.Append(ctx, StreamName(consumerID), EventType, data); err != nil {
		return fmt.Errorf("reset checkpoint %s: %w", consumerID, err)
	}
	s.current.Store(consumerID, int64(-1))
	s.stored[consumerID] = -1
	return nil
}

/*──────── flush loop ───────*/

func (s *Store) loop() {
	defer close(s.done)
	t := time.NewTicker(s.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			_ = s.flush(ctx)
			cancel()
		}
	}
}

// flush appends one entry per consumer whose position changed since the last
// successful write. Failed consumers are retried on the next call.
func (s *Store) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var errs []error
	s.current.Range(func(k, v any) bool {
		id, pos := k.(string), v.(int64)
		if last, ok := s.stored[id]; ok && last == pos {
			return true
		}
		data, _ := json.Marshal(payload{LastEventProcessed: pos})
		if err := s.log.Append(ctx, StreamName(id), EventType, data); err != nil {
			s.lg.Error("checkpoint flush failed", "consumer", id, "position", pos, logging.Err(err))
			errs = append(errs, fmt.Errorf("flush %s: %w", id, err))
			return true
		}
		s.stored[id] = pos
		s.lg.Debug("checkpoint stored", "consumer", id, "position", pos)
		return true
	})
	return errors.Join(errs...)
}

// Close stops the flush loop, waits for an in-flight tick and flushes once
// more.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.closeErr = s.flush(ctx)
	})
	return s.closeErr
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: consumer id is required", ErrInvalidArgument)
	}
	return nil
}
