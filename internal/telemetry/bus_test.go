package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Event{Kind: KindConnectionState, Component: "stream:0"})

	select {
	case evt := <-sub.Events:
		require.Equal(t, KindConnectionState, evt.Kind)
		require.False(t, evt.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Event{Kind: KindIngestRate, Component: "stream:0"})
	bus.Publish(Event{Kind: KindIngestRate, Component: "stream:0"})

	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be disconnected")
	}

	require.EqualValues(t, 1, bus.Stats().Disconnects)
}

func TestDisconnectedSubscriberConsumeLoopUnblocks(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe()

	bus.Publish(Event{Kind: KindIngestRate, Component: "stream:0"})
	bus.Publish(Event{Kind: KindIngestRate, Component: "stream:0"})

	unblocked := make(chan struct{})
	go func() {
		for {
			select {
			case <-sub.Done:
				close(unblocked)
				return
			case <-sub.Events:
			}
		}
	}()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("consume loop selecting on Done never unblocked after disconnect")
	}
}

func TestStatsCountsSubscribers(t *testing.T) {
	bus := New(4)
	s1 := bus.Subscribe()
	s2 := bus.Subscribe()
	defer s1.Close()
	defer s2.Close()

	require.EqualValues(t, 2, bus.Stats().Subscribers)
	s1.Close()
	require.EqualValues(t, 1, bus.Stats().Subscribers)
}
