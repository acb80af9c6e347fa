package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInlineBrokerDeliversImmediately(t *testing.T) {
	b := NewInlineBroker(3)
	var got []byte
	b.Subscribe(Ingest, func(ctx context.Context, msg *Message) error {
		got = msg.Payload
		return nil
	})
	require.NoError(t, b.Enqueue(context.Background(), Ingest, []byte("repo-1"), EnqueueOptions{}))
	require.Equal(t, []byte("repo-1"), got)
}

func TestInlineBrokerRetriesUpToMaxAttempts(t *testing.T) {
	b := NewInlineBroker(3)
	attempts := 0
	b.Subscribe(Build, func(ctx context.Context, msg *Message) error {
		attempts++
		return errors.New("boom")
	})
	err := b.Enqueue(context.Background(), Build, []byte("build-1"), EnqueueOptions{})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestInlineBrokerQueuesWithoutSubscriber(t *testing.T) {
	b := NewInlineBroker(1)
	require.NoError(t, b.Enqueue(context.Background(), JobRun, []byte("run-1"), EnqueueOptions{}))
	msg, err := b.ReserveNext(context.Background(), JobRun)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, []byte("run-1"), msg.Payload)

	again, err := b.ReserveNext(context.Background(), JobRun)
	require.NoError(t, err)
	require.Nil(t, again)
}
