package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
)

type countingDispatcher struct {
	mu    sync.Mutex
	seen  []string
	delay time.Duration
}

func (c *countingDispatcher) Dispatch(ctx context.Context, ev bus.InboundEvent) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.delay):
		}
	}
	c.mu.Lock()
	c.seen = append(c.seen, ev.ID)
	c.mu.Unlock()
}

func (c *countingDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

type ackQueue struct {
	*bus.MessageBus
	acks  atomic.Int32
	nacks atomic.Int32
}

func (q *ackQueue) ConsumeInbound(ctx context.Context) (bus.Delivery, bool) {
	d, ok := q.MessageBus.ConsumeInbound(ctx)
	if !ok {
		return d, false
	}
	return bus.NewDelivery(d.Event,
		func() error { q.acks.Add(1); return nil },
		func() error { q.nacks.Add(1); return nil },
	), true
}

func publishN(t *testing.T, q bus.Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.PublishInbound(context.Background(), bus.InboundEvent{ID: fmt.Sprintf("e%d", i), ChatID: fmt.Sprintf("c%d", i%3)}))
	}
}

func TestPoolDispatchesAndAcks(t *testing.T) {
	queue := &ackQueue{MessageBus: bus.NewMessageBus(32)}
	dispatcher := &countingDispatcher{}
	pool := NewPool(queue, dispatcher, PoolConfig{Workers: 3}, nil, nil)

	pool.Start(context.Background())
	publishN(t, queue, 20)

	require.Eventually(t, func() bool { return dispatcher.count() == 20 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.EqualValues(t, 20, queue.acks.Load())
	assert.Zero(t, queue.nacks.Load())
}

func TestPoolDrainsBufferedEventsOnShutdown(t *testing.T) {
	queue := bus.NewMessageBus(64)
	dispatcher := &countingDispatcher{delay: 2 * time.Millisecond}
	pool := NewPool(queue, dispatcher, PoolConfig{Workers: 2, DrainTimeout: 5 * time.Second}, nil, nil)

	publishN(t, queue, 30)
	pool.Start(context.Background())

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.Equal(t, 30, dispatcher.count())
	assert.Zero(t, queue.Pending())
}

func TestPoolForcesCancellationAfterDrainTimeout(t *testing.T) {
	queue := &ackQueue{MessageBus: bus.NewMessageBus(8)}
	dispatcher := &countingDispatcher{delay: time.Hour}
	pool := NewPool(queue, dispatcher, PoolConfig{Workers: 1, DrainTimeout: 30 * time.Millisecond}, nil, nil)

	pool.Start(context.Background())
	publishN(t, queue, 1)
	require.Eventually(t, func() bool { return queue.Pending() == 0 }, time.Second, time.Millisecond)

	start := time.Now()
	err := pool.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrDrainTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, dispatcher.count())
	assert.EqualValues(t, 1, queue.nacks.Load())
}

func TestPoolStopsWhenQueueCloses(t *testing.T) {
	queue := bus.NewMessageBus(4)
	pool := NewPool(queue, &countingDispatcher{}, PoolConfig{Workers: 2}, nil, nil)
	pool.Start(context.Background())

	require.NoError(t, queue.Close())
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestShutdownBeforeStart(t *testing.T) {
	pool := NewPool(bus.NewMessageBus(1), &countingDispatcher{}, PoolConfig{}, nil, nil)
	assert.NoError(t, pool.Shutdown(context.Background()))
}

// gatedDispatcher blocks every event of chat "hot" until release is closed.
type gatedDispatcher struct {
	release chan struct{}

	mu    sync.Mutex
	order []string
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, ev bus.InboundEvent) {
	if ev.ChatID == "hot" {
		select {
		case <-g.release:
		case <-ctx.Done():
			return
		}
	}
	g.mu.Lock()
	g.order = append(g.order, ev.ID)
	g.mu.Unlock()
}

func (g *gatedDispatcher) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func TestBusyChatDoesNotStallOtherChats(t *testing.T) {
	queue := bus.NewMessageBus(16)
	dispatcher := &gatedDispatcher{release: make(chan struct{})}
	pool := NewPool(queue, dispatcher, PoolConfig{Workers: 2}, nil, nil)

	for _, ev := range []bus.InboundEvent{
		{ID: "hot-1", ChatID: "hot"},
		{ID: "hot-2", ChatID: "hot"},
		{ID: "hot-3", ChatID: "hot"},
		{ID: "cold-1", ChatID: "cold"},
	} {
		require.NoError(t, queue.PublishInbound(context.Background(), ev))
	}
	pool.Start(context.Background())

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"cold-1"}, dispatcher.seen())
	}, 2*time.Second, 5*time.Millisecond)

	close(dispatcher.release)
	require.Eventually(t, func() bool { return len(dispatcher.seen()) == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, []string{"cold-1", "hot-1", "hot-2", "hot-3"}, dispatcher.seen())
}

func TestChatEventsDispatchInArrivalOrder(t *testing.T) {
	queue := bus.NewMessageBus(64)
	dispatcher := &countingDispatcher{}
	pool := NewPool(queue, dispatcher, PoolConfig{Workers: 4}, nil, nil)

	want := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("e%02d", i)
		want = append(want, id)
		require.NoError(t, queue.PublishInbound(context.Background(), bus.InboundEvent{ID: id, ChatID: "same"}))
	}
	pool.Start(context.Background())

	require.Eventually(t, func() bool { return dispatcher.count() == 40 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Shutdown(context.Background()))

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	assert.Equal(t, want, dispatcher.seen)
}

func TestLanesAreRemovedWhenIdle(t *testing.T) {
	queue := bus.NewMessageBus(16)
	dispatcher := &countingDispatcher{}
	pool := NewPool(queue, dispatcher, PoolConfig{Workers: 2}, nil, nil)
	pool.Start(context.Background())
	publishN(t, queue, 9)

	require.Eventually(t, func() bool { return dispatcher.count() == 9 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		pool.laneMu.Lock()
		defer pool.laneMu.Unlock()
		return len(pool.lanes) == 0
	}, time.Second, time.Millisecond)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestKeyLockReleasesEntries(t *testing.T) {
	locks := newKeyLock()

	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	assert.Equal(t, 2, locks.Len())

	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	unlockA()
	<-acquired
	unlockB()

	require.Eventually(t, func() bool { return locks.Len() == 0 }, time.Second, time.Millisecond)
}
