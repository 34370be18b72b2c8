package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for per-frame results.
// Subscribers receive results from every running pipeline.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	pipelineFilter string // Empty string means receive all pipelines
	channel        chan *FrameResult
	handler        FrameResultHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

func (b *EventBus) add(sub *eventSubscription) {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
}

// Subscribe registers a handler for results from all pipelines.
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler FrameResultHandler) func() {
	return b.SubscribePipeline("", handler)
}

// SubscribePipeline registers a handler for results from one pipeline
func (b *EventBus) SubscribePipeline(pipelineID string, handler FrameResultHandler) func() {
	sub := &eventSubscription{
		pipelineFilter: pipelineID,
		handler:        handler,
	}
	b.add(sub)

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives results.
// Results are dropped for a subscriber whose buffer is full.
func (b *EventBus) SubscribeChannel(pipelineID string, bufferSize int) (<-chan *FrameResult, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *FrameResult, bufferSize)
	sub := &eventSubscription{
		pipelineFilter: pipelineID,
		channel:        ch,
	}
	b.add(sub)

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends a result to all subscribers
func (b *EventBus) Publish(result *FrameResult) {
	if b == nil || result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.pipelineFilter != "" && sub.pipelineFilter != result.PipelineID {
			continue
		}

		// Handlers run synchronously so results arrive in frame order
		if sub.handler != nil {
			sub.handler.OnFrameResult(result)
		} else if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
