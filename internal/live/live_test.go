package live

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan Result[T]) Result[T] {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "stream closed unexpectedly")
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live result")
	}
	return Result[T]{}
}

func TestPublishOnlyReachesMatchingTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assets, cancelAssets := hub.Subscribe(TopicAssets)
	defer cancelAssets()
	convs, cancelConvs := hub.Subscribe(TopicConversations)
	defer cancelConvs()

	hub.Publish(Change{Topic: TopicConversations, ID: "c1", Op: OpPut})

	select {
	case <-convs:
	default:
		t.Fatal("conversation subscriber was not signalled")
	}
	select {
	case <-assets:
		t.Fatal("asset subscriber should not be signalled")
	default:
	}
}

func TestPublishCoalescesPendingSignals(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	signals, cancel := hub.Subscribe(TopicAssets)
	defer cancel()

	for i := 0; i < 10; i++ {
		hub.Publish(Change{Topic: TopicAssets, Op: OpPut})
	}
	<-signals
	select {
	case <-signals:
		t.Fatal("expected a single coalesced signal")
	default:
	}
}

func TestNilHubIsInert(t *testing.T) {
	var hub *Hub
	signals, cancel := hub.Subscribe(TopicAssets)
	hub.Publish(Change{Topic: TopicAssets, Op: OpPut})
	select {
	case <-signals:
		t.Fatal("nil hub should never signal")
	default:
	}
	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	first := receive(t, Watch(ctx, hub, func(context.Context) (int, error) { return 7, nil }, TopicAssets))
	require.NoError(t, first.Err)
	assert.Equal(t, 7, first.Value)
}

func TestCancelUnsubscribes(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	_, cancel := hub.Subscribe(TopicAssets)
	require.Equal(t, 1, hub.Subscribers())
	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestWatchReevaluatesOnChange(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	stream := Watch(ctx, hub, func(context.Context) (int32, error) {
		return calls.Add(1), nil
	}, TopicConversations)

	assert.Equal(t, int32(1), receive(t, stream).Value)

	hub.Publish(Change{Topic: TopicConversations, ID: "c1", Op: OpPut})
	assert.Equal(t, int32(2), receive(t, stream).Value)

	hub.Publish(Change{Topic: TopicConversations, ID: "c1", Op: OpDelete})
	assert.Equal(t, int32(3), receive(t, stream).Value)
}

func TestWatchDeliversErrorsAndKeepsRunning(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	var calls atomic.Int32
	stream := Watch(ctx, hub, func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	}, TopicAssets)

	first := receive(t, stream)
	require.ErrorIs(t, first.Err, boom)

	hub.Publish(Change{Topic: TopicAssets, Op: OpPut})
	second := receive(t, stream)
	require.NoError(t, second.Err)
	assert.Equal(t, "ok", second.Value)
}

func TestWatchClosesOnCancel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	stream := Watch(ctx, hub, func(context.Context) (int, error) { return 1, nil }, TopicAssets)
	receive(t, stream)
	cancel()

	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed after cancel")
	}
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchFilePublishesExternalWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hivault.db")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	hub := NewHub(zerolog.Nop())
	signals, unsubscribe := hub.Subscribe(TopicConversations)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.WatchFile(ctx, path, 20*time.Millisecond, TopicConversations) }()

	// The watcher registers asynchronously; keep writing until a signal lands.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("b"), 0o600)
		select {
		case <-signals:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchFileRequiresPath(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	require.Error(t, hub.WatchFile(context.Background(), " ", 0, TopicAssets))
}
