// Package bus provides the in-process event bus that connects the
// control plane components. Publishing never blocks: each subscriber
// owns a bounded buffer and the oldest event is dropped when a slow
// consumer falls behind.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/metrics"
)

// Topic identifies one event stream.
type Topic string

// Event topics. Subscribers pick the streams they care about;
// the NATS mirror and the websocket feed fan out all of them.
const (
	TopicPriceUpdate            Topic = "priceUpdate"
	TopicSignificantPriceChange Topic = "significantPriceChange"
	TopicSnapshot               Topic = "snapshot"
	TopicSignal                 Topic = "signal"
	TopicDecision               Topic = "decision"
	TopicUpkeepNeeded           Topic = "upkeepNeeded"
	TopicUpkeepFailed           Topic = "upkeepFailed"
	TopicMessageStateChanged    Topic = "messageStateChanged"
	TopicRebalanceCompleted     Topic = "rebalanceCompleted"
	TopicHealthReport           Topic = "healthReport"
	TopicComponentDown          Topic = "componentDown"
)

// AllTopics returns every topic the bus carries.
func AllTopics() []Topic {
	return []Topic{
		TopicPriceUpdate,
		TopicSignificantPriceChange,
		TopicSnapshot,
		TopicSignal,
		TopicDecision,
		TopicUpkeepNeeded,
		TopicUpkeepFailed,
		TopicMessageStateChanged,
		TopicRebalanceCompleted,
		TopicHealthReport,
		TopicComponentDown,
	}
}

// DefaultBuffer is the per-subscriber buffer size.
const DefaultBuffer = 1024

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	topic  Topic
	ch     chan Event
	mu     sync.Mutex
	closed bool
	cancel func()
}

// C returns the event channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Unsubscribe detaches from the bus and closes the channel.
func (s *Subscription) Unsubscribe() {
	s.cancel()
}

// deliver enqueues an event, evicting the oldest buffered event when
// the subscriber is full. Never blocks on the consumer.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
				metrics.RecordBusDrop(string(ev.Topic))
			default:
			}
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is the in-process publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	closed bool
	log    zerolog.Logger
}

// New creates an event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[Topic][]*Subscription),
		log:  config.NewLogger("bus"),
	}
}

// Subscribe registers a subscriber with the default buffer size.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	return b.SubscribeBuffered(topic, DefaultBuffer)
}

// SubscribeBuffered registers a subscriber with an explicit buffer size.
func (b *Bus) SubscribeBuffered(topic Topic, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, buffer),
	}
	sub.cancel = func() { b.remove(topic, sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	metrics.SetBusSubscribers(string(topic), len(b.subs[topic]))
	return sub
}

// Publish delivers a payload to every subscriber of the topic.
// Returns the event envelope that was delivered.
func (b *Bus) Publish(topic Topic, payload interface{}) Event {
	ev := Event{
		ID:        uuid.New(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	subs := b.subs[topic]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ev
	}

	for _, sub := range subs {
		sub.deliver(ev)
	}
	metrics.RecordBusPublish(string(topic))

	return ev
}

// Close detaches all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
		metrics.SetBusSubscribers(string(topic), 0)
	}
	b.subs = make(map[Topic][]*Subscription)
	b.log.Info().Msg("Event bus closed")
}

func (b *Bus) remove(topic Topic, target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	metrics.SetBusSubscribers(string(topic), len(b.subs[topic]))
	target.close()
}

// Name implements metrics.StatsSource.
func (b *Bus) Name() string { return "bus" }

// Stats implements metrics.StatsSource.
func (b *Bus) Stats() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.subs {
		total += len(subs)
	}
	return map[string]float64{
		"topics":      float64(len(b.subs)),
		"subscribers": float64(total),
	}
}
