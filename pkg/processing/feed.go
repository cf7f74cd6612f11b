package processing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
)

// ErrFeedClosed is returned by Publish after the feed stopped.
var ErrFeedClosed = errors.New("feed closed")

// MemoryFeed is an in-process, at-least-once message queue with the same
// ack/nack contract as a Pub/Sub subscription: a nacked message is delivered
// again after a delay with its delivery attempt incremented.
type MemoryFeed struct {
	ch      chan *pubsub.Message
	delay   time.Duration
	seq     atomic.Int64
	pending sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewMemoryFeed returns a feed buffering up to size messages.
func NewMemoryFeed(size int, redeliveryDelay time.Duration) *MemoryFeed {
	return &MemoryFeed{ch: make(chan *pubsub.Message, size), delay: redeliveryDelay}
}

// Publish enqueues a message, blocking while the buffer is full.
func (f *MemoryFeed) Publish(ctx context.Context, data []byte, attrs map[string]string) error {
	one := 1
	return f.enqueue(ctx, &pubsub.Message{
		ID:              strconv.FormatInt(f.seq.Add(1), 10),
		Data:            data,
		Attributes:      attrs,
		PublishTime:     time.Now().UTC(),
		DeliveryAttempt: &one,
	})
}

func (f *MemoryFeed) enqueue(ctx context.Context, msg *pubsub.Message) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFeedClosed
	}
	f.pending.Add(1)
	f.mu.Unlock()

	select {
	case f.ch <- msg:
		return nil
	case <-ctx.Done():
		f.pending.Done()
		return ctx.Err()
	}
}

// Drain blocks until every published message has been acked.
func (f *MemoryFeed) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers messages to handle from workers goroutines until ctx is done.
// handle returns true to ack.
func (f *MemoryFeed) Run(ctx context.Context, workers int, handle func(context.Context, *pubsub.Message) bool) {
	var wg sync.WaitGroup
	for range max(workers, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-f.ch:
					if handle(ctx, msg) {
						f.pending.Done()
						continue
					}
					f.redeliver(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()

	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *MemoryFeed) redeliver(ctx context.Context, msg *pubsub.Message) {
	attempt := 1
	if msg.DeliveryAttempt != nil {
		attempt = *msg.DeliveryAttempt + 1
	}
	next := &pubsub.Message{
		ID:              msg.ID,
		Data:            msg.Data,
		Attributes:      msg.Attributes,
		PublishTime:     msg.PublishTime,
		DeliveryAttempt: &attempt,
	}
	time.AfterFunc(f.delay, func() {
		select {
		case f.ch <- next:
		case <-ctx.Done():
		}
	})
}
