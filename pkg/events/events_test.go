package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_Broadcast(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	a := broker.Subscribe()
	b := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(New(EventDependencyBroken, "lnd", "bitcoind health checks failed").With("dependency", "bitcoind"))

	for _, sub := range []Subscriber{a, b} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventDependencyBroken, ev.Type)
			assert.Equal(t, "bitcoind", ev.Metadata["dependency"])
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBroker_FillsMissingFields(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Publish(&Event{Type: EventHealthChanged})

	select {
	case ev := <-sub:
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe()

	broker.Unsubscribe(sub)
	broker.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Zero(t, broker.SubscriberCount())
}

func TestBroker_PublishAfterStop(t *testing.T) {
	broker := NewBroker()
	broker.Stop()
	broker.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			broker.Publish(New(EventHealthChanged, "x", ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "publish blocked on a stopped broker")
	}
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard.Publish(New(EventHealthChanged, "x", "")) })
}
