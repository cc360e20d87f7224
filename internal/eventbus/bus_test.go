package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/core"
)

func TestPublishPreservesKeyOrder(t *testing.T) {
	bus := NewInMemoryEventBus(4, 1024)

	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)
	require.NoError(t, bus.Subscribe("line", func(e *Event) error {
		mu.Lock()
		got[e.Key] = append(got[e.Key], e.Payload.(int))
		mu.Unlock()
		return nil
	}))

	keys := []string{"192.0.2.1", "192.0.2.2", "0.0.0.0", "2001:db8::1"}
	for i := 0; i < 100; i++ {
		for _, k := range keys {
			require.NoError(t, bus.Publish(&Event{Topic: "line", Key: k, Payload: i}))
		}
	}
	require.NoError(t, bus.Close())

	for _, k := range keys {
		require.Len(t, got[k], 100, k)
		for i, v := range got[k] {
			assert.Equal(t, i, v)
		}
	}
	stats := bus.GetStats()
	assert.Equal(t, int64(400), stats.PublishedCount)
	assert.Equal(t, int64(400), stats.ProcessedCount)
	assert.Equal(t, 4, stats.PartitionCount)
}

func TestSameKeySamePartition(t *testing.T) {
	bus := NewInMemoryEventBus(8, 1)
	defer bus.Close()
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("198.51.100.%d", i)
		assert.Same(t, bus.partitionFor(k), bus.partitionFor(k))
	}
}

func TestHandlerErrorsCounted(t *testing.T) {
	bus := NewInMemoryEventBus(1, 8)
	require.NoError(t, bus.Subscribe("line", func(*Event) error { return errors.New("sink down") }))
	require.NoError(t, bus.Publish(&Event{Topic: "line", Key: "a"}))
	require.NoError(t, bus.Publish(&Event{Topic: "other", Key: "a"}))
	require.NoError(t, bus.Close())

	stats := bus.GetStats()
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Zero(t, stats.ProcessedCount)
}

func TestPublishFullAndClosed(t *testing.T) {
	bus := NewInMemoryEventBus(1, 1)
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, bus.Subscribe("line", func(*Event) error {
		started <- struct{}{}
		<-block
		return nil
	}))

	require.NoError(t, bus.Publish(&Event{Topic: "line"}))
	<-started
	require.NoError(t, bus.Publish(&Event{Topic: "line"}))
	assert.ErrorIs(t, bus.Publish(&Event{Topic: "line"}), core.ErrQueueFull)
	assert.Equal(t, int64(1), bus.GetStats().DroppedCount)

	close(block)
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(&Event{Topic: "line"}), core.ErrBusClosed)
	assert.ErrorIs(t, bus.Subscribe("x", nil), core.ErrBusClosed)
	assert.NoError(t, bus.Close())
}
