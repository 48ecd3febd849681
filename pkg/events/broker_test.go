package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishReachesEverySubscriber(t *testing.T) {
	b := NewBroker()
	ch1, cancel1 := b.Subscribe("sess-1")
	ch2, cancel2 := b.Subscribe("sess-1")
	defer cancel1()
	defer cancel2()

	require.NoError(t, b.Publish(context.Background(), "sess-1", TypeStageStart, StageStartPayload{Stage: "intake"}))

	for _, ch := range []<-chan Envelope{ch1, ch2} {
		select {
		case env := <-ch:
			assert.Equal(t, TypeStageStart, env.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the published event")
		}
	}
}

func TestBroker_PublishIsScopedToSession(t *testing.T) {
	b := NewBroker()
	other, cancel := b.Subscribe("sess-other")
	defer cancel()

	require.NoError(t, b.Publish(context.Background(), "sess-1", TypeHeartbeat, struct{}{}))

	select {
	case <-other:
		t.Fatal("event leaked across sessions")
	default:
	}
}

func TestBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("sess-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			_ = b.Publish(context.Background(), "sess-1", TypeTransparency, TransparencyPayload{Message: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestBroker_CancelClosesChannelAndForgetsSubscriber(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("sess-1")
	require.Equal(t, 1, b.SubscriberCount("sess-1"))

	cancel()
	assert.Equal(t, 0, b.SubscriberCount("sess-1"))

	_, open := <-ch
	assert.False(t, open)

	// A second cancel is a no-op.
	cancel()
}
