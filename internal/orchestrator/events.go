package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"stratlab/internal/logger"
	"stratlab/internal/types"
)

const subscriberBuffer = 64

// EventBus fans run events out to stream subscribers
type EventBus interface {
	Publish(ctx context.Context, ev types.RunEvent) error
	// Subscribe returns a channel of events for runID and a func that ends
	// the subscription and closes the channel.
	Subscribe(ctx context.Context, runID string) (<-chan types.RunEvent, func(), error)
}

// deliver never blocks the publisher. A slow subscriber loses progress
// events but always receives the final status.
func deliver(ch chan types.RunEvent, ev types.RunEvent) {
	select {
	case ch <- ev:
		return
	default:
	}
	if !ev.Final() {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// MemoryBus is an in-process EventBus
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan types.RunEvent
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan types.RunEvent)}
}

// Publish delivers ev to every subscriber of its run
func (b *MemoryBus) Publish(_ context.Context, ev types.RunEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.RunID] {
		deliver(ch, ev)
	}
	return nil
}

// Subscribe registers a subscriber for runID
func (b *MemoryBus) Subscribe(_ context.Context, runID string) (<-chan types.RunEvent, func(), error) {
	ch := make(chan types.RunEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan types.RunEvent)
	}
	b.subs[runID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[runID], id)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}, nil
}

// RedisBus publishes run events over Redis pub/sub so API replicas can
// stream runs executed elsewhere.
type RedisBus struct {
	client *redis.Client
	prefix string
	log    logger.Logger
}

// NewRedisBus creates a bus on client. Channels are named prefix+runID.
func NewRedisBus(client *redis.Client, prefix string, log logger.Logger) *RedisBus {
	if prefix == "" {
		prefix = "stratlab:runs:"
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &RedisBus{client: client, prefix: prefix, log: log}
}

func (b *RedisBus) channel(runID string) string {
	return b.prefix + runID
}

// Publish encodes ev as JSON onto the run's channel
func (b *RedisBus) Publish(ctx context.Context, ev types.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.RunID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	return nil
}

// Subscribe listens on the run's channel until the returned func is called
func (b *RedisBus) Subscribe(ctx context.Context, runID string) (<-chan types.RunEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel(runID))
	// 等待订阅确认，避免丢失紧随其后的事件
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to run %s: %w", runID, err)
	}

	out := make(chan types.RunEvent, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev types.RunEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("Dropping malformed run event", "channel", msg.Channel, "error", err)
					continue
				}
				deliver(out, ev)
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}, nil
}
