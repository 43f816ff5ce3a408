package eventstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"

	"ditto/internal/event"
)

var _ event.Subscriber = (*Conn)(nil)

// relay moves transport events onto the Messages channel until the
// subscription drops or is closed.
type relay struct {
	out     chan event.Message
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
	observe func(event.DropReason, error)
}

func newRelay(observe func(event.DropReason, error)) *relay {
	if observe == nil {
		observe = func(event.DropReason, error) {}
	}
	return &relay{out: make(chan event.Message), done: make(chan struct{}), observe: observe}
}

func (r *relay) Messages() <-chan event.Message { return r.out }

func (r *relay) send(m event.Message) bool {
	select {
	case r.out <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *relay) dropped(err error) {
	reason := dropReason(err)
	if r.closing.Load() {
		reason = event.DropUserInitiated
	} else {
		r.observe(reason, err)
	}
	r.send(event.Message{Dropped: &event.Drop{Reason: reason, Err: err}})
}

func (r *relay) halt() {
	r.closing.Store(true)
	r.once.Do(func() { close(r.done) })
}

/*──────── catch-up ───────*/

type streamSub struct {
	*relay
	sub *esdb.Subscription
}

// SubscribeToStream opens a catch-up subscription resolving links. The stream
// head is read first; LiveStarted follows the event at that position.
func (c *Conn) SubscribeToStream(ctx context.Context, stream string, after *int64) (event.Subscription, error) {
	c.resubscribing()
	head, found, err := c.head(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", stream, err)
	}
	liveAt := int64(-1)
	if found && head.OriginalEvent() != nil {
		liveAt = int64(head.OriginalEvent().EventNumber)
	}

	opts := esdb.SubscribeToStreamOptions{From: esdb.Start{}, ResolveLinkTos: true}
	if after != nil {
		opts.From = esdb.Revision(uint64(*after))
	}
	sub, err := c.client.SubscribeToStream(ctx, stream, opts)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", stream, err)
	}

	c.subscribed()
	s := &streamSub{relay: newRelay(c.observeDrop), sub: sub}
	live := liveAt < 0 || (after != nil && *after >= liveAt)
	c.log.Debug("catch-up subscription opened", "stream", stream, "live_at", liveAt, "live", live)
	go s.run(live, liveAt)
	return s, nil
}

func (s *streamSub) run(live bool, liveAt int64) {
	defer close(s.out)
	if live && !s.send(event.Message{LiveStarted: true}) {
		return
	}
	for {
		ev := s.sub.Recv()
		switch {
		case ev == nil:
			s.dropped(fmt.Errorf("subscription ended"))
			return
		case ev.SubscriptionDropped != nil:
			s.dropped(ev.SubscriptionDropped.Error)
			return
		case ev.EventAppeared != nil:
			env := toEnvelope(ev.EventAppeared)
			if !s.send(event.Message{Event: env}) {
				return
			}
			if !live && env.OriginalEventNumber >= liveAt {
				live = true
				if !s.send(event.Message{LiveStarted: true}) {
					return
				}
			}
		}
	}
}

func (s *streamSub) Close() error {
	s.halt()
	return s.sub.Close()
}

/*──────── persistent ───────*/

type groupSub struct {
	*relay
	sub *esdb.PersistentSubscription
}

// SubscribeToGroup connects to an existing persistent subscription group.
func (c *Conn) SubscribeToGroup(ctx context.Context, stream, group string, bufferSize int) (event.GroupSubscription, error) {
	c.resubscribing()
	sub, err := c.client.SubscribeToPersistentSubscription(ctx, stream, group, esdb.SubscribeToPersistentSubscriptionOptions{
		BufferSize: uint32(bufferSize),
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s::%s: %w", stream, group, err)
	}
	c.subscribed()
	g := &groupSub{relay: newRelay(c.observeDrop), sub: sub}
	c.log.Debug("persistent subscription opened", "stream", stream, "group", group, "buffer_size", bufferSize)
	go g.run()
	return g, nil
}

func (g *groupSub) run() {
	defer close(g.out)
	for {
		ev := g.sub.Recv()
		switch {
		case ev == nil:
			g.dropped(fmt.Errorf("subscription ended"))
			return
		case ev.SubscriptionDropped != nil:
			g.dropped(ev.SubscriptionDropped.Error)
			return
		case ev.EventAppeared != nil && ev.EventAppeared.Event != nil:
			if !g.send(event.Message{Event: toEnvelope(ev.EventAppeared.Event)}) {
				return
			}
		}
	}
}

func (g *groupSub) Ack(_ context.Context, e *event.Envelope) error {
	re, err := resolved(e)
	if err != nil {
		return err
	}
	return g.sub.Ack(re)
}

func (g *groupSub) Nack(_ context.Context, e *event.Envelope, action event.NackAction, reason string) error {
	re, err := resolved(e)
	if err != nil {
		return err
	}
	return g.sub.Nack(reason, nackAction(action), re)
}

func (g *groupSub) Close() error {
	g.halt()
	return g.sub.Close()
}

func resolved(e *event.Envelope) (*esdb.ResolvedEvent, error) {
	re, ok := e.Source.(*esdb.ResolvedEvent)
	if !ok {
		return nil, fmt.Errorf("eventstore: %s#%d was not delivered by a persistent subscription", e.OriginalStreamID, e.OriginalEventNumber)
	}
	return re, nil
}

func nackAction(a event.NackAction) esdb.NackAction {
	switch a {
	case event.NackRetry:
		return esdb.NackActionRetry
	case event.NackPark:
		return esdb.NackActionPark
	default:
		return esdb.NackActionSkip
	}
}
