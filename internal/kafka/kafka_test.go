package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestProducerFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 16, nil)
	p.Start(context.Background())

	for i := 0; i < 5; i++ {
		p.Publish([]byte("k"), []byte("v"), kafka.Header{Key: "x-event-type", Value: []byte("t")})
	}
	p.Close()
	p.WaitClosed()

	assert.Equal(t, 5, w.len())
	assert.True(t, w.closed)
	assert.Equal(t, "t", Header(w.msgs[0], "x-event-type"))
}

func TestProducerCloseAndCancelDoNotPanic(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	p.Close()
	cancel()
	p.Close()
	p.WaitClosed()

	// dropped, not blocked
	p.Publish([]byte("k"), []byte("late"))
	assert.Equal(t, 0, w.len())
}

func TestPublishRacingCloseDoesNotPanic(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 64, nil)
	p.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Publish([]byte("k"), []byte("v"))
			}
		}()
	}
	p.Close()
	wg.Wait()
	p.WaitClosed()
	assert.LessOrEqual(t, w.len(), 400)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			m := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

// commits returns the committed offsets of one partition in commit order.
func (r *fakeReader) commits(partition int) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, m := range r.committed {
		if m.Partition == partition {
			out = append(out, m.Offset)
		}
	}
	return out
}

func (r *fakeReader) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type callCounter struct {
	mu    sync.Mutex
	calls map[int64]int
}

func (c *callCounter) hit(offset int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[int64]int{}
	}
	c.calls[offset]++
	return c.calls[offset]
}

func (c *callCounter) snapshot() map[int64]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int, len(c.calls))
	for k, v := range c.calls {
		out[k] = v
	}
	return out
}

func TestConsumerRetriesFailedMessageBeforeCommittingNext(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(r, 1, nil)
	c.RetryDelay = time.Millisecond
	c.MaxRetryDelay = 5 * time.Millisecond

	var calls callCounter
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			if calls.hit(m.Offset) == 1 && m.Offset == 2 {
				return errors.New("db down sebentar")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return r.total() == 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, r.commits(0))
	assert.Equal(t, map[int64]int{1: 1, 2: 2, 3: 1}, calls.snapshot())
}

func TestConsumerPinsPartitionsToWorkers(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Partition: 0, Offset: 10},
		{Partition: 1, Offset: 20},
		{Partition: 0, Offset: 11},
		{Partition: 1, Offset: 21},
	}}
	c := newConsumer(r, 2, nil)
	c.RetryDelay = time.Millisecond
	c.MaxRetryDelay = 5 * time.Millisecond

	var calls callCounter
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			if m.Offset == 10 && calls.hit(m.Offset) <= 3 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return r.total() == 4 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{10, 11}, r.commits(0))
	assert.Equal(t, []int64{20, 21}, r.commits(1))
	assert.Equal(t, 4, calls.snapshot()[10])
}

func TestConsumerLeavesFailingMessageUncommittedOnShutdown(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}}}
	c := newConsumer(r, 1, nil)
	c.RetryDelay = time.Millisecond
	c.MaxRetryDelay = 2 * time.Millisecond

	var calls callCounter
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			calls.hit(m.Offset)
			return errors.New("boom")
		})
	}()

	require.Eventually(t, func() bool { return calls.snapshot()[1] >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, r.commits(0))
	assert.Zero(t, calls.snapshot()[2])
}

func TestLaneIsStablePerPartition(t *testing.T) {
	assert.Equal(t, lane(3, 4), lane(3, 4))
	assert.Equal(t, 1, lane(5, 4))
	assert.Equal(t, 0, lane(7, 1))
}

func TestUnwrapPayload(t *testing.T) {
	type payload struct {
		OrderID string `json:"order_id"`
	}
	p, err := UnwrapPayload[payload]([]byte(`{"order_id":"o-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "o-1", p.OrderID)

	_, err = UnwrapPayload[payload]([]byte(`{`))
	assert.Error(t, err)
}
