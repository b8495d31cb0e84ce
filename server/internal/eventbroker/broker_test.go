package eventbroker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func testBroker() *Broker {
	return New(zap.NewNop())
}

func TestSubscriberReceivesPublishedEvent(t *testing.T) {
	b := testBroker()

	sub := b.Subscribe("test_tag", func(v string) bool { return v == "yes" })
	defer sub.Close()

	event := Event{
		Tags:      map[string]string{"test_tag": "yes"},
		Timestamp: time.Now(),
		Content:   "asdf",
	}
	b.Publish(event)

	select {
	case got := <-sub.Events():
		if got.Content != event.Content {
			t.Errorf("got content %v, want %v", got.Content, event.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberFiltersUnwantedEvent(t *testing.T) {
	b := testBroker()

	sub := b.Subscribe("test_tag", func(v string) bool { return v != "yes" })
	defer sub.Close()

	b.Publish(Event{
		Tags:      map[string]string{"test_tag": "yes"},
		Timestamp: time.Now(),
		Content:   "aaaa",
	})

	select {
	case <-sub.Events():
		t.Fatal("expected no event to be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishingToNonSubscribedTopicDropsEvent(t *testing.T) {
	b := testBroker()

	b.Publish(Event{
		Tags:      map[string]string{"test_tag": "yes"},
		Timestamp: time.Now(),
		Content:   "bbbb",
	})

	sub := b.Subscribe("test_tag", func(v string) bool { return true })
	defer sub.Close()

	select {
	case <-sub.Events():
		t.Fatal("expected no event published before subscription to be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestLaggingSubscriberIsNotDisconnected reproduces the broker-lag scenario
// from the specification's end-to-end walkthrough: a subscriber that falls
// more than TopicCapacity events behind never has its subscription torn
// down -- it simply misses the events that overflowed its buffer.
func TestLaggingSubscriberIsNotDisconnected(t *testing.T) {
	b := testBroker()

	sub := b.Subscribe("flood", func(v string) bool { return true })
	defer sub.Close()

	for i := 0; i < TopicCapacity+50; i++ {
		b.Publish(Event{
			Tags:      map[string]string{"flood": "x"},
			Timestamp: time.Now(),
			Content:   i,
		})
	}

	// The subscription must still be usable: a fresh publish after the
	// flood is still delivered once buffer space frees up.
	drained := 0
loop:
	for {
		select {
		case <-sub.Events():
			drained++
		default:
			break loop
		}
	}
	if drained > TopicCapacity {
		t.Errorf("drained %d events, want at most %d", drained, TopicCapacity)
	}
	if drained == 0 {
		t.Error("expected at least one event to have survived the flood")
	}

	b.Publish(Event{Tags: map[string]string{"flood": "x"}, Timestamp: time.Now(), Content: "after"})
	select {
	case got := <-sub.Events():
		if got.Content != "after" {
			t.Errorf("got content %v, want %q", got.Content, "after")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription appears to have been disconnected by the lag")
	}
}
