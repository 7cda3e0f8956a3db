// internal/bus/bus.go
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic partitions bus traffic by message kind.
type Topic string

const (
	// TopicActionRecord carries schemas.ActionRecord from the orchestrator to
	// the UEBA monitor.
	TopicActionRecord Topic = "action_record"
	// TopicPolicyDecision carries schemas.PolicyDecision from the monitor to
	// anyone observing enforcement outcomes.
	TopicPolicyDecision Topic = "policy_decision"
	// TopicTaskEvent carries task lifecycle transitions for observers.
	TopicTaskEvent Topic = "task_event"
)

// Envelope wraps a payload in transit. CorrelationID ties a message back to
// the task that caused it.
type Envelope struct {
	ID            string
	Topic         Topic
	CorrelationID string
	Timestamp     time.Time
	Payload       any
}

// ActionBus is the in-process pub/sub channel between the orchestrator,
// handlers, and the UEBA monitor. Each subscriber owns a buffered channel;
// a single publisher's messages arrive at each subscriber in publish order.
type ActionBus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[Topic][]chan Envelope
	bufferSize  int

	// processingWg tracks delivered-but-unacknowledged messages;
	// activePublishWg tracks Publish calls still attempting delivery.
	processingWg    sync.WaitGroup
	activePublishWg sync.WaitGroup

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownMu   sync.Mutex
	isShutdown   bool
}

// New creates an ActionBus whose subscriber channels buffer bufferSize
// envelopes before Publish blocks.
func New(logger *zap.Logger, bufferSize int) *ActionBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &ActionBus{
		logger:      logger.Named("action_bus"),
		subscribers: make(map[Topic][]chan Envelope),
		bufferSize:  bufferSize,
		shutdownCh:  make(chan struct{}),
	}
}

// Publish delivers payload to every subscriber of topic. It blocks while a
// subscriber's buffer is full and returns early on context cancellation or
// bus shutdown.
func (b *ActionBus) Publish(ctx context.Context, topic Topic, correlationID string, payload any) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot publish: bus is shut down")
	}
	b.activePublishWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePublishWg.Done()

	env := Envelope{
		ID:            uuid.New().String(),
		Topic:         topic,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}

	b.mu.RLock()
	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return nil // no one listening
	}
	subsCopy := make([]chan Envelope, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		select {
		case ch <- env:
			// Delivered; the consumer must call Ack.
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownCh:
			b.processingWg.Done()
			return fmt.Errorf("failed to publish: bus is shutting down")
		}
	}
	return nil
}

// Subscribe returns a receive channel for the given topics and a function
// that removes the subscription. The channel is closed by Shutdown.
func (b *ActionBus) Subscribe(topics ...Topic) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(topics) == 0 {
		panic("must subscribe to at least one topic")
	}
	if b.isShutdown {
		closed := make(chan Envelope)
		close(closed)
		return closed, func() {}
	}

	ch := make(chan Envelope, b.bufferSize)
	subscribed := make([]Topic, len(topics))
	copy(subscribed, topics)
	for _, topic := range subscribed {
		b.subscribers[topic] = append(b.subscribers[topic], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, topic := range subscribed {
			subs := b.subscribers[topic]
			for i, sub := range subs {
				if sub == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[topic] = subs[:len(subs)-1]
					if len(b.subscribers[topic]) == 0 {
						delete(b.subscribers, topic)
					}
					break
				}
			}
		}
	}
	return ch, unsubscribe
}

// Ack signals that a delivered envelope has been fully processed.
func (b *ActionBus) Ack(Envelope) {
	b.processingWg.Done()
}

// Shutdown stops accepting publishes, waits for in-flight deliveries,
// closes subscriber channels, and drains whatever remained buffered.
func (b *ActionBus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Info("Shutting down action bus")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownCh)
		b.activePublishWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Envelope]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		// Buffered envelopes were counted as delivered but will never be
		// acknowledged by a consumer that has already exited.
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Topic][]chan Envelope)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered envelopes during shutdown", zap.Int("count", drained))
		}
		b.processingWg.Wait()
		b.logger.Info("Action bus shut down")
	})
}
