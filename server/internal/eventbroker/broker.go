// Package eventbroker implements the Management Server's topic-indexed
// pub/sub hub (EventBroker): a tokio::sync::broadcast-style channel per
// topic, created lazily under a double-checked read/write lock. This is
// deliberately distinct from the GUI-facing websocket.Hub, which disconnects
// a subscriber outright when its send buffer fills -- that behaviour would
// violate this broker's required lag-log-and-continue semantics, where a
// lagging subscriber must never cause the publisher to block or be dropped.
package eventbroker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TopicCapacity bounds each topic's per-subscriber buffer, mirroring the
// Rust source's broadcast::channel(EventBroker::TOPIC_CAPACITY).
const TopicCapacity = 100

// Event is one message flowing through the broker. Tags maps topic name to
// that topic's string value for this event -- an event can belong to more
// than one topic simultaneously (see §4.9's double-tagging of ServerState
// lines under both "stdout" and "serverstate").
type Event struct {
	Tags      map[string]string
	Timestamp time.Time
	Content   any
}

// Broker owns the topic table. Topics are created lazily on first publish
// or subscribe, under a double-checked RLock-then-Lock pattern so the
// common case (topic already exists) only ever takes a read lock.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic
	logger *zap.Logger
}

func New(logger *zap.Logger) *Broker {
	return &Broker{topics: make(map[string]*topic), logger: logger.Named("eventbroker")}
}

// Publish fans event out to every topic named in event.Tags. A topic with
// no subscribers is created (so a later Subscribe finds it) but the event
// is simply dropped on the floor for that topic, matching the Rust
// source's "send to a channel with no receivers" no-op.
func (b *Broker) Publish(event Event) {
	for topicName, tagValue := range event.Tags {
		t := b.getOrCreateTopic(topicName)
		t.fanOut(event, tagValue, b.logger)
	}
}

// getOrCreateTopic implements the broker's lazy-creation policy: a read
// lock handles the steady-state case; only the rare first-publish/
// first-subscribe for a topic takes the write lock.
func (b *Broker) getOrCreateTopic(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t = newTopic()
	b.topics[name] = t
	return t
}

// Subscription is a live subscriber handle. Events arrive on the channel
// returned by Events(); Close unregisters the subscription and is safe to
// call more than once.
type Subscription struct {
	topic  *topic
	ch     chan Event
	filter func(tagValue string) bool
	closed chan struct{}
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.topic.remove(s)
		close(s.closed)
	})
}

// Subscribe registers a filtered subscription on topicName: only events
// whose tag value for that topic satisfies filter are delivered. The
// returned Subscription's buffer holds TopicCapacity events; once full,
// further events for this subscriber are dropped and logged rather than
// blocking the publisher or terminating the subscription.
func (b *Broker) Subscribe(topicName string, filter func(tagValue string) bool) *Subscription {
	t := b.getOrCreateTopic(topicName)
	sub := &Subscription{
		topic:  t,
		ch:     make(chan Event, TopicCapacity),
		closed: make(chan struct{}),
	}
	sub.filter = filter
	t.add(sub)
	return sub
}

type topic struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func newTopic() *topic {
	return &topic{subs: make(map[*Subscription]struct{})}
}

func (t *topic) add(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[sub] = struct{}{}
}

func (t *topic) remove(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sub)
}

func (t *topic) fanOut(event Event, tagValue string, logger *zap.Logger) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for sub := range t.subs {
		if sub.filter != nil && !sub.filter(tagValue) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			logger.Warn("subscriber lagged, dropping event", zap.Int("buffer_capacity", TopicCapacity))
		}
	}
}
