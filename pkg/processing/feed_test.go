package processing

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFeed_RedeliversNacked(t *testing.T) {
	feed := NewMemoryFeed(4, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	go feed.Run(ctx, 2, func(_ context.Context, msg *pubsub.Message) bool {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, *msg.DeliveryAttempt)
		return len(attempts) >= 3
	})

	require.NoError(t, feed.Publish(ctx, []byte("x"), nil))

	drainCtx, drainCancel := context.WithTimeout(ctx, 2*time.Second)
	defer drainCancel()
	require.NoError(t, feed.Drain(drainCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestMemoryFeed_ClosedAfterRun(t *testing.T) {
	feed := NewMemoryFeed(1, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	feed.Run(ctx, 1, func(context.Context, *pubsub.Message) bool { return true })

	assert.ErrorIs(t, feed.Publish(context.Background(), []byte("x"), nil), ErrFeedClosed)
}
