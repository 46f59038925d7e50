package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

func fastBackoff() Backoff {
	return Backoff{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffFactor: 2}
}

type runningSubscriber struct {
	cancel context.CancelFunc
	done   chan error
}

func (r *runningSubscriber) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func startSubscriber(t *testing.T, cfg SubscriberConfig) *runningSubscriber {
	t.Helper()
	sub, err := NewSubscriber(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	return &runningSubscriber{cancel: cancel, done: done}
}

func waitSubscribed(t *testing.T, bus *eventbus.MemoryBus, sourceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bus.Subscribers(TopicFor(sourceID)) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, "cam-7__routing_updates", TopicFor("cam-7"))
}

func TestBackoff_NextIsBounded(t *testing.T) {
	b := Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 200*time.Millisecond, b.Next(1))
	assert.Equal(t, 800*time.Millisecond, b.Next(3))
	assert.Equal(t, time.Second, b.Next(4))
	assert.Equal(t, time.Second, b.Next(1000))

	b.Jitter = true
	for i := 0; i < 20; i++ {
		d := b.Next(10)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestNewSubscriber_RequiresDependencies(t *testing.T) {
	_, err := NewSubscriber(SubscriberConfig{Table: NewTable(), Bus: eventbus.NewMemoryBus()})
	assert.Error(t, err)
	_, err = NewSubscriber(SubscriberConfig{SourceID: "cam", Bus: eventbus.NewMemoryBus()})
	assert.Error(t, err)
	_, err = NewSubscriber(SubscriberConfig{SourceID: "cam", Table: NewTable()})
	assert.Error(t, err)
}

func TestSubscriber_MalformedMessageBetweenValidOnes(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := eventbus.NewMemoryBus()
	table := NewTable()
	require.NoError(t, table.Replace("cam", []shard.Descriptor{desc("s0", 1), desc("s1", 2)}))

	var applied []UpdateCommand
	var dropped []error
	var mu sync.Mutex
	appliedCount := atomic.Int32{}

	run := startSubscriber(t, SubscriberConfig{
		SourceID: "cam",
		Table:    table,
		Bus:      bus,
		Backoff:  fastBackoff(),
		Logger:   zaptest.NewLogger(t),
		OnApplied: func(cmd UpdateCommand) {
			mu.Lock()
			applied = append(applied, cmd)
			mu.Unlock()
			appliedCount.Add(1)
		},
		OnDropped: func(err error) {
			mu.Lock()
			dropped = append(dropped, err)
			mu.Unlock()
		},
	})
	waitSubscribed(t, bus, "cam")

	ctx := context.Background()
	topic := TopicFor("cam")
	require.NoError(t, bus.Publish(ctx, topic, []byte(`{"command":"remove","payload":["s0"]}`)))
	require.NoError(t, bus.Publish(ctx, topic, []byte(`this is not json`)))
	require.NoError(t, bus.Publish(ctx, topic, []byte(`{"command":"add","payload":[{"id":"s2","host":"10.0.0.3","port":6379}]}`)))

	require.Eventually(t, func() bool { return appliedCount.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	run.stop(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, applied, 2)
	assert.Equal(t, CommandRemove, applied[0].Command)
	assert.Equal(t, CommandAdd, applied[1].Command)
	require.Len(t, dropped, 1)
	assert.ErrorIs(t, dropped[0], ErrMalformedUpdateCommand)
	assert.Equal(t, []string{"s1", "s2"}, shard.IDs(table.Snapshot("cam")))
}

func TestSubscriber_ReloadsAfterTransportLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := eventbus.NewMemoryBus()
	table := NewTable()
	require.NoError(t, table.Replace("cam", []shard.Descriptor{desc("s0", 1)}))

	var reloads atomic.Int32
	run := startSubscriber(t, SubscriberConfig{
		SourceID: "cam",
		Table:    table,
		Bus:      bus,
		Backoff:  fastBackoff(),
		Logger:   zaptest.NewLogger(t),
		Reload: func(ctx context.Context) error {
			reloads.Add(1)
			return table.Replace("cam", []shard.Descriptor{desc("s0", 1), desc("s5", 5)})
		},
	})
	waitSubscribed(t, bus, "cam")
	assert.Equal(t, int32(0), reloads.Load(), "no reload on the first subscribe")

	bus.Disconnect()
	time.Sleep(30 * time.Millisecond)
	bus.Reconnect()

	waitSubscribed(t, bus, "cam")
	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"s0", "s5"}, shard.IDs(table.Snapshot("cam")))

	// updates keep flowing on the new subscription
	require.NoError(t, bus.Publish(context.Background(), TopicFor("cam"), []byte(`{"command":"remove","payload":["s5"]}`)))
	require.Eventually(t, func() bool {
		return len(table.Snapshot("cam")) == 1
	}, 5*time.Second, 5*time.Millisecond)

	run.stop(t)
}

func TestSubscriber_RetriesFailedReload(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := eventbus.NewMemoryBus()
	bus.Disconnect()
	table := NewTable()

	var attempts atomic.Int32
	run := startSubscriber(t, SubscriberConfig{
		SourceID: "cam",
		Table:    table,
		Bus:      bus,
		Backoff:  fastBackoff(),
		Logger:   zaptest.NewLogger(t),
		Reload: func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("directory down")
			}
			return table.Replace("cam", []shard.Descriptor{desc("s0", 1)})
		},
	})

	time.Sleep(20 * time.Millisecond)
	bus.Reconnect()

	require.Eventually(t, func() bool { return table.Has("cam") }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	waitSubscribed(t, bus, "cam")

	run.stop(t)
}

func TestSubscriber_StopsWhileDisconnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := eventbus.NewMemoryBus()
	bus.Disconnect()

	run := startSubscriber(t, SubscriberConfig{
		SourceID: "cam",
		Table:    NewTable(),
		Bus:      bus,
		Backoff:  Backoff{InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 2},
	})
	run.stop(t)
}
