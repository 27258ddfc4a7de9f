package busx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPublishSubscribeOrdering(t *testing.T) {
	b := New()
	h := b.Subscribe(TopicEvents, 8)
	defer b.Unsubscribe(h)

	for i := 0; i < 5; i++ {
		b.Publish(Message{Topic: TopicEvents, Producer: "radar", Payload: i})
	}

	for i := 0; i < 5; i++ {
		m := <-h.C()
		require.Equal(t, i, m.Payload)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New()
	h := b.Subscribe(TopicEvents, 2)
	defer b.Unsubscribe(h)

	b.Publish(Message{Topic: TopicEvents, Payload: 1})
	b.Publish(Message{Topic: TopicEvents, Payload: 2})
	b.Publish(Message{Topic: TopicEvents, Payload: 3}) // inbox full: drop 1

	first := <-h.C()
	second := <-h.C()
	assert.Equal(t, 2, first.Payload)
	assert.Equal(t, 3, second.Payload)
	assert.Equal(t, uint64(1), h.Dropped())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	h := b.Subscribe(TopicAlerts, 4)
	b.Unsubscribe(h)

	b.Publish(Message{Topic: TopicAlerts, Payload: "ignored"})

	select {
	case <-h.C():
		t.Fatal("message delivered after unsubscribe")
	default:
	}
}

// TestDropNeverPanics: dropping an event
// at the bus never panics a subscriber, and the dropped counter is
// monotonically increasing.
func TestDropNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inboxSize := rapid.IntRange(1, 16).Draw(t, "inboxSize")
		n := rapid.IntRange(0, 200).Draw(t, "n")

		b := New()
		h := b.Subscribe(TopicEvents, inboxSize)
		defer b.Unsubscribe(h)

		var lastDropped uint64
		assert.NotPanics(t, func() {
			for i := 0; i < n; i++ {
				b.Publish(Message{Topic: TopicEvents, Payload: i})
				d := h.Dropped()
				assert.GreaterOrEqual(t, d, lastDropped)
				lastDropped = d
			}
		})
	})
}

func TestMultipleSubscribersIndependentInboxes(t *testing.T) {
	b := New()
	h1 := b.Subscribe(TopicChannels, 1)
	h2 := b.Subscribe(TopicChannels, 4)
	defer b.Unsubscribe(h1)
	defer b.Unsubscribe(h2)

	b.Publish(Message{Topic: TopicChannels, Payload: "a"})
	b.Publish(Message{Topic: TopicChannels, Payload: "b"})

	// h1 can only hold one: it drops "a", keeps "b".
	m := <-h1.C()
	assert.Equal(t, "b", m.Payload)
	assert.Equal(t, uint64(1), h1.Dropped())

	// h2 holds both.
	m1 := <-h2.C()
	m2 := <-h2.C()
	assert.Equal(t, "a", m1.Payload)
	assert.Equal(t, "b", m2.Payload)
	assert.Equal(t, uint64(0), h2.Dropped())
}
