package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/haggle/internal/store/memory"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestPubSub_FanOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ps := memory.NewPubSub()

	a, cleanupA, err := ps.Subscribe(ctx, "negotiation:1")
	require.NoError(t, err)
	defer cleanupA()
	b, cleanupB, err := ps.Subscribe(ctx, "negotiation:1")
	require.NoError(t, err)
	defer cleanupB()
	other, cleanupOther, err := ps.Subscribe(ctx, "negotiation:2")
	require.NoError(t, err)
	defer cleanupOther()

	require.NoError(t, ps.Publish(ctx, "negotiation:1", []byte("hello")))

	assert.Equal(t, "hello", string(receive(t, a)))
	assert.Equal(t, "hello", string(receive(t, b)))
	select {
	case msg := <-other:
		t.Fatalf("unexpected message on other channel: %s", msg)
	default:
	}
}

func TestPubSub_CleanupClosesChannel(t *testing.T) {
	t.Parallel()

	ps := memory.NewPubSub()
	ch, cleanup, err := ps.Subscribe(context.Background(), "c")
	require.NoError(t, err)

	cleanup()
	cleanup()

	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, ps.Publish(context.Background(), "c", []byte("x")), "publishing without subscribers is fine")
}

func TestPubSub_ContextCancelUnsubscribes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ps := memory.NewPubSub()
	ch, _, err := ps.Subscribe(ctx, "c")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
