package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/odorie/api-gestion-poc/common/logger"
)

var (
	// ErrQueueFull is returned when a topic buffer has no room left
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned by operations on a closed queue
	ErrClosed = errors.New("queue closed")
)

// Queue passes messages between in-process producers and consumers
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// Message is one entry of a topic
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryQueue keeps one buffered channel per topic.
// A topic has at most one subscriber; a second Subscribe shares the channel.
type MemoryQueue struct {
	topics     map[string]chan *Message
	bufferSize int
	closed     bool
	wg         sync.WaitGroup
	mu         sync.RWMutex
	log        *logger.Logger
}

// NewMemoryQueue creates an in-memory queue with bufferSize slots per topic
func NewMemoryQueue(bufferSize int, log *logger.Logger) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &MemoryQueue{
		topics:     make(map[string]chan *Message),
		bufferSize: bufferSize,
		log:        log,
	}
}

// topic returns the channel of name, creating it on first use. Callers hold mu.
func (q *MemoryQueue) topic(name string) chan *Message {
	ch, exists := q.topics[name]
	if !exists {
		ch = make(chan *Message, q.bufferSize)
		q.topics[name] = ch
	}
	return ch
}

// Publish appends a message to a topic without blocking
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case q.topic(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full", "topic", topic, "key", key)
		return fmt.Errorf("%w: %s", ErrQueueFull, topic)
	}
}

// Subscribe starts a goroutine delivering topic messages to handler until ctx ends
// or the queue is closed. Handler errors are logged.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := q.topic(topic)
	q.wg.Add(1)
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Len returns the number of buffered messages of a topic
func (q *MemoryQueue) Len(topic string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if ch, ok := q.topics[topic]; ok {
		return len(ch)
	}
	return 0
}

// Close closes every topic and waits for subscribers to drain them
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for topic, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", topic)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
