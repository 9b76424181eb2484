package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFanOut(t *testing.T) {
	b := NewBus()
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(CoreStatusChanged(true, nil))

	select {
	case evt := <-a:
		require.Equal(t, KindCoreStatusChanged, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case evt := <-c:
		require.Equal(t, KindCoreStatusChanged, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber c did not receive event")
	}
}

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	b := NewBus()
	slow := b.Subscribe()
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for i := 0; i < subscriberCapacity+10; i++ {
		b.Publish(CoreStatusChanged(true, nil))
	}

	// fast subscriber still receives without the publisher ever blocking.
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved by slow subscriber")
	}
	require.Equal(t, subscriberCapacity, len(slow))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	_, ok := <-ch
	require.False(t, ok)
	require.Equal(t, 0, b.SubscriberCount())
}
