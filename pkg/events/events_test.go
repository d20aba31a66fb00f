package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.PublishJob(EventJobQueued, "job-1", "room-1")

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventJobQueued, ev.Type)
			assert.Equal(t, "job-1", ev.Metadata["job_id"])
			assert.Equal(t, "room-1", ev.Metadata["room_id"])
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	// The channel is closed on unsubscribe.
	_, open := <-sub
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()

	// Fill the slow subscriber's buffer past capacity.
	for i := 0; i < cap(slow)+10; i++ {
		b.PublishRoom(EventRoomJoined, "room-1")
	}

	deadline := time.After(2 * time.Second)
	received := 0
	for received < cap(fast) {
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber stalled after %d events", received)
		}
	}
	require.Greater(t, received, 0)
}
