package realtime

import (
	"context"
	"sync"
	"time"
)

// Topic names a stream of events exposed to subscribers.
type Topic string

const (
	// TopicState carries every new state snapshot.
	TopicState Topic = "state"
	// TopicTyping carries typing indicators, which never reach the state.
	TopicTyping Topic = "typing"
	// TopicDocument carries customer document update signals.
	TopicDocument Topic = "document"
	// TopicStatus carries connection status transitions.
	TopicStatus Topic = "status"
)

// Event is one item delivered to subscribers.
type Event struct {
	Topic     Topic
	Message   *Message
	State     *State
	Status    *Status
	Timestamp time.Time
}

// Dispatcher fans events out to topic subscribers. Slow subscribers lose events instead of
// blocking the frame loop.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
	once   sync.Once
}

// NewDispatcher constructs a dispatcher with the default per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return NewDispatcherWithBuffer(16)
}

// NewDispatcherWithBuffer constructs a dispatcher with the provided per-subscriber buffer.
func NewDispatcherWithBuffer(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Dispatcher{
		subscribers: make(map[Topic]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers for the provided topics until ctx is done or the cleanup func is called.
// The returned channel is closed on cleanup.
func (d *Dispatcher) Subscribe(ctx context.Context, topics ...Topic) (<-chan Event, func()) {
	if len(topics) == 0 {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(topics, sub)
	cleanup := func() {
		d.unregisterSubscriber(topics, sub)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber of its topic without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers[event.Topic] {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of subscribers for a topic.
func (d *Dispatcher) SubscriberCount(topic Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(topics []Topic, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range topics {
		if _, ok := d.subscribers[topic]; !ok {
			d.subscribers[topic] = make(map[int64]*subscriber)
		}
		d.subscribers[topic][sub.id] = sub
	}
}

func (d *Dispatcher) unregisterSubscriber(topics []Topic, sub *subscriber) {
	d.mu.Lock()
	for _, topic := range topics {
		subscribers := d.subscribers[topic]
		if subscribers != nil {
			delete(subscribers, sub.id)
			if len(subscribers) == 0 {
				delete(d.subscribers, topic)
			}
		}
	}
	d.mu.Unlock()
	sub.once.Do(func() {
		close(sub.stream)
	})
}
