package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(nil, 4)
	sub, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(KindRepositoryUpdated, map[string]string{"id": "repo-1"})

	select {
	case frame := <-sub.Recv():
		var evt Event
		require.NoError(t, json.Unmarshal(frame, &evt))
		require.Equal(t, KindRepositoryUpdated, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected frame, got none")
	}
}

func TestPublishDropsOnFullQueue(t *testing.T) {
	b := New(nil, 1)
	sub, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(KindBuildUpdated, 1)
	b.Publish(KindBuildUpdated, 2) // queue full, dropped silently

	frame := <-sub.Recv()
	var evt Event
	require.NoError(t, json.Unmarshal(frame, &evt))
	require.Equal(t, float64(1), evt.Data)

	select {
	case <-sub.Recv():
		t.Fatal("expected no second frame")
	default:
	}
}

func TestListenerInvokedSynchronously(t *testing.T) {
	b := New(nil, 4)
	var seen []Kind
	b.Listen(func(e Event) { seen = append(seen, e.Type) })

	b.Publish(KindLaunchUpdated, nil)
	b.Publish(KindJobRunUpdated, nil)

	require.Equal(t, []Kind{KindLaunchUpdated, KindJobRunUpdated}, seen)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil, 4)
	sub, unsubscribe := b.Subscribe()
	unsubscribe()

	_, ok := <-sub.Recv()
	require.False(t, ok)
}
