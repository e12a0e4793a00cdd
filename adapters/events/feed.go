package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/fillwatch/core"
)

const feedBufferSize = 32

// Feed event names
const (
	FeedMonitor = "monitor"
	FeedFill    = "fill"
)

// FeedEvent is one event delivered to a feed subscription
type FeedEvent struct {
	Name string
	Data any
}

// Feed fans monitor, fill and logout events out to the live subscriptions
// of the identity they belong to. A logout event ends the subscriptions
// opened with the logged out session.
type Feed struct {
	subscriber message.Subscriber
	logger     *slog.Logger
	running    chan struct{}

	mu   sync.Mutex
	subs map[*FeedSubscription]struct{}
}

// NewFeed creates a feed reading from subscriber. The subscriber must hand
// every message to every consumer, not split them across a group.
func NewFeed(subscriber message.Subscriber, logger *slog.Logger) *Feed {
	return &Feed{
		subscriber: subscriber,
		logger:     logger,
		running:    make(chan struct{}),
		subs:       make(map[*FeedSubscription]struct{}),
	}
}

// Running is closed once Run is subscribed to every topic
func (f *Feed) Running() <-chan struct{} {
	return f.running
}

// Run dispatches events until ctx is done or a topic closes. Every open
// subscription is closed on return.
func (f *Feed) Run(ctx context.Context) error {
	defer f.closeAll()

	monitorMsgs, err := f.subscriber.Subscribe(ctx, TopicMonitor)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicMonitor, err)
	}
	fillMsgs, err := f.subscriber.Subscribe(ctx, TopicFills)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicFills, err)
	}
	logoutMsgs, err := f.subscriber.Subscribe(ctx, TopicLogout)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TopicLogout, err)
	}
	close(f.running)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-monitorMsgs:
			if !ok {
				return nil
			}
			f.onMonitor(msg)
		case msg, ok := <-fillMsgs:
			if !ok {
				return nil
			}
			f.onFill(msg)
		case msg, ok := <-logoutMsgs:
			if !ok {
				return nil
			}
			f.onLogout(msg)
		}
	}
}

// Subscribe opens a subscription to the events of identity. It ends when
// sessionID logs out, when the feed stops or on Close.
func (f *Feed) Subscribe(identity core.Identity, sessionID string) *FeedSubscription {
	sub := &FeedSubscription{
		feed:      f,
		identity:  identity.String(),
		sessionID: sessionID,
		events:    make(chan FeedEvent, feedBufferSize),
		done:      make(chan struct{}),
	}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Len returns the number of open subscriptions
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) onMonitor(msg *message.Message) {
	defer msg.Ack()

	var ev MonitorEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		f.logger.Warn("dropping malformed monitor event", "message_id", msg.UUID, "error", err)
		return
	}
	f.dispatch(ev.Identity, FeedEvent{Name: FeedMonitor, Data: ev})
}

func (f *Feed) onFill(msg *message.Message) {
	defer msg.Ack()

	var fill core.Fill
	if err := json.Unmarshal(msg.Payload, &fill); err != nil {
		f.logger.Warn("dropping malformed fill event", "message_id", msg.UUID, "error", err)
		return
	}
	// The webhook carries a credential in its path
	fill.NotifyEndpoint = ""
	f.dispatch(fill.Identity.String(), FeedEvent{Name: FeedFill, Data: fill})
}

func (f *Feed) onLogout(msg *message.Message) {
	defer msg.Ack()

	var ev LogoutEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		f.logger.Warn("dropping malformed logout event", "message_id", msg.UUID, "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if sub.identity == ev.Identity && sub.sessionID == ev.SessionID {
			f.remove(sub)
		}
	}
}

func (f *Feed) dispatch(identity string, ev FeedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		if sub.identity != identity {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			f.logger.Warn("feed subscriber too slow, dropping event", "identity", identity, "event", ev.Name)
		}
	}
}

// remove must be called with mu held
func (f *Feed) remove(sub *FeedSubscription) {
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.done)
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		f.remove(sub)
	}
}

// FeedSubscription receives the events of one identity
type FeedSubscription struct {
	feed      *Feed
	identity  string
	sessionID string
	events    chan FeedEvent
	done      chan struct{}
}

// Events delivers the events of the subscribed identity
func (s *FeedSubscription) Events() <-chan FeedEvent { return s.events }

// Done is closed once the subscription has ended
func (s *FeedSubscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription. It is safe to call more than once.
func (s *FeedSubscription) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.feed.remove(s)
}
