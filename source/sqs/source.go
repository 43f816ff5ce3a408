// Package sqs long-polls an SQS queue carrying replicated events.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"ditto/internal/logging"
)

// ErrClosed is returned when Receive is called after the source has been closed.
var ErrClosed = errors.New("sqs source closed")

type Config struct {
	QueueURL          string
	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32

	Pollers int
	BufSize int
}

var DefaultConfig = Config{
	WaitTimeSeconds:   20,
	MaxMessages:       10,
	VisibilityTimeout: 30,
	Pollers:           1,
	BufSize:           32,
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	if c.WaitTimeSeconds == 0 {
		c.WaitTimeSeconds = DefaultConfig.WaitTimeSeconds
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = DefaultConfig.MaxMessages
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultConfig.VisibilityTimeout
	}
	if c.Pollers == 0 {
		c.Pollers = DefaultConfig.Pollers
	}
	if c.BufSize == 0 {
		c.BufSize = DefaultConfig.BufSize
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.QueueURL == "":
		return fmt.Errorf("sqs source: queue url is required")
	case c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20:
		return fmt.Errorf("sqs source: wait time seconds must be between 0 and 20")
	case c.MaxMessages < 1 || c.MaxMessages > 10:
		return fmt.Errorf("sqs source: max messages must be between 1 and 10")
	case c.VisibilityTimeout < 0:
		return fmt.Errorf("sqs source: visibility timeout must be non-negative")
	case c.Pollers < 1:
		return fmt.Errorf("sqs source: pollers must be at least 1")
	case c.BufSize < 1:
		return fmt.Errorf("sqs source: buffer size must be at least 1")
	}
	return nil
}

type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message is one received SQS message.
type Message struct {
	ID           string
	Body         string
	ReceiveCount int

	receiptHandle string
}

type Source struct {
	cfg    Config
	client API
	queue  *string

	bufCh chan *Message

	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New starts cfg.Pollers long-poll loops. Close stops them.
func New(ctx context.Context, client API, cfg Config) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs source: client is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Source{
		cfg:    cfg,
		client: client,
		queue:  aws.String(cfg.QueueURL),
		bufCh:  make(chan *Message, cfg.BufSize),
		cancel: cancel,
	}
	s.wg.Add(cfg.Pollers)
	for i := 0; i < cfg.Pollers; i++ {
		go func() {
			defer s.wg.Done()
			s.pollLoop(ctx)
		}()
	}
	go func() {
		s.wg.Wait()
		close(s.bufCh)
	}()
	return s, nil
}

func (s *Source) pollLoop(ctx context.Context) {
	lg := logging.L().With("component", "sqs-source", "queue", s.cfg.QueueURL)
	for {
		if ctx.Err() != nil {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
		out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              s.queue,
			MaxNumberOfMessages:   s.cfg.MaxMessages,
			WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
			VisibilityTimeout:     s.cfg.VisibilityTimeout,
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		cancel()

		if err != nil {
			if ctx.Err() == nil {
				lg.Warn("receive failed", logging.Err(err))
			}
			select {
			case <-time.After(250 * time.Millisecond):
				continue
			case <-ctx.Done():
				return
			}
		}

		for i := range out.Messages {
			select {
			case s.bufCh <- toMessage(&out.Messages[i]):
			case <-ctx.Done():
				return
			}
		}
	}
}

func toMessage(m *sqstypes.Message) *Message {
	msg := &Message{
		ID:            aws.ToString(m.MessageId),
		Body:          aws.ToString(m.Body),
		receiptHandle: aws.ToString(m.ReceiptHandle),
	}
	if v, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(v)
	}
	return msg
}

func (s *Source) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-s.bufCh:
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	}
}

// Delete acknowledges m.
func (s *Source) Delete(ctx context.Context, m *Message) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      s.queue,
		ReceiptHandle: aws.String(m.receiptHandle),
	})
	return err
}

// Delay hides m for d before it is received again.
func (s *Source) Delay(ctx context.Context, m *Message, d time.Duration) error {
	_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          s.queue,
		ReceiptHandle:     aws.String(m.receiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	return err
}

func (s *Source) Close() {
	s.closeOnce.Do(s.cancel)
}
