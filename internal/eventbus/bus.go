// Package eventbus is a partitioned in-memory event bus. Keys are mapped to
// partitions with a consistent hash ring, so every key has a single consumer
// goroutine and per-key ordering holds.
package eventbus

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/serialx/hashring"
	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"

	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/log"
)

// EventBus publishes events to topic subscribers.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) error
	Close() error
	GetStats() *Stats
}

// Stats are the bus counters.
type Stats struct {
	PublishedCount int64 `json:"published"`
	ProcessedCount int64 `json:"processed"`
	FailedCount    int64 `json:"failed"`
	DroppedCount   int64 `json:"dropped"`
	PartitionCount int   `json:"partitions"`
	QueuedCount    []int `json:"queued"`
}

// InMemoryEventBus implements EventBus with one goroutine per partition.
type InMemoryEventBus struct {
	partitions []*partition
	byNode     map[string]*partition
	ring       *hashring.HashRing

	mu          sync.RWMutex
	subscribers map[string]Handler
	closed      bool
	wg          conc.WaitGroup

	published atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	logger log.Logger
}

// NewInMemoryEventBus starts partitionCount consumers, each with a queue of
// queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int) *InMemoryEventBus {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	b := &InMemoryEventBus{
		partitions:  make([]*partition, partitionCount),
		byNode:      make(map[string]*partition, partitionCount),
		subscribers: make(map[string]Handler),
		logger:      log.GetLogger().WithField("module", "eventbus"),
	}

	nodes := make([]string, partitionCount)
	for i := range b.partitions {
		p := &partition{
			id:    i,
			node:  "partition-" + strconv.Itoa(i),
			queue: make(chan *Event, queueSize),
		}
		b.partitions[i] = p
		b.byNode[p.node] = p
		nodes[i] = p.node
	}
	b.ring = hashring.New(nodes)

	for _, p := range b.partitions {
		p := p
		b.wg.Go(func() { b.run(p) })
	}
	return b
}

// Publish queues the event on the partition owning its key. It never blocks:
// a full partition rejects the event.
func (b *InMemoryEventBus) Publish(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return core.ErrBusClosed
	}
	p := b.partitionFor(event.Key)
	select {
	case p.queue <- event:
		b.published.Inc()
		return nil
	default:
		b.dropped.Inc()
		return fmt.Errorf("partition %d: %w", p.id, core.ErrQueueFull)
	}
}

// Subscribe sets the handler of a topic, replacing any earlier one.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return core.ErrBusClosed
	}
	b.subscribers[topic] = handler
	b.logger.Debugf("subscribed to topic: %s", topic)
	return nil
}

// Close stops accepting events, drains every queue and waits for the
// consumers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug("event bus closed")
	return nil
}

// GetStats returns the counters and current queue depths.
func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: b.published.Load(),
		ProcessedCount: b.processed.Load(),
		FailedCount:    b.failed.Load(),
		DroppedCount:   b.dropped.Load(),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

func (b *InMemoryEventBus) partitionFor(key string) *partition {
	node, ok := b.ring.GetNode(key)
	if !ok {
		return b.partitions[0]
	}
	if p, ok := b.byNode[node]; ok {
		return p
	}
	return b.partitions[0]
}

func (b *InMemoryEventBus) handler(topic string) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers[topic]
}

func (b *InMemoryEventBus) run(p *partition) {
	for event := range p.queue {
		h := b.handler(event.Topic)
		if h == nil {
			b.logger.Tracef("no handler for topic: %s", event.Topic)
			continue
		}
		if err := h(event); err != nil {
			b.failed.Inc()
			b.logger.WithError(err).Errorf("failed to handle event in partition %d", p.id)
			continue
		}
		b.processed.Inc()
	}
}
