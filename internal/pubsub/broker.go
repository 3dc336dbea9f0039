package pubsub

import (
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 32

type Message struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Version uint64 `json:"version,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func BattleTopic(battleID string) string {
	return "battle:" + battleID
}

func UserTopic(userID string) string {
	return "user:" + userID
}

// Broker fans messages out to topic subscribers. A subscriber whose buffer is
// full is dropped and its channel closed; it is expected to resubscribe and resync.
type Broker struct {
	mtx    sync.RWMutex
	topics map[string]map[uint64]chan Message
	seq    atomic.Uint64
}

func NewBroker() *Broker {
	return &Broker{topics: map[string]map[uint64]chan Message{}}
}

type Subscription struct {
	C <-chan Message

	id     uint64
	topic  string
	broker *Broker
}

func (s *Subscription) Close() {
	s.broker.remove(s.topic, s.id)
}

func (b *Broker) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	ch := make(chan Message, buffer)
	id := b.seq.Add(1)

	b.mtx.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = map[uint64]chan Message{}
		b.topics[topic] = subs
	}
	subs[id] = ch
	b.mtx.Unlock()

	return &Subscription{C: ch, id: id, topic: topic, broker: b}
}

// Publish never blocks. It returns the number of subscribers that received the message.
func (b *Broker) Publish(topic string, msg Message) int {
	msg.Topic = topic

	b.mtx.Lock()
	defer b.mtx.Unlock()

	delivered := 0
	for id, ch := range b.topics[topic] {
		select {
		case ch <- msg:
			delivered++
		default:
			close(ch)
			delete(b.topics[topic], id)
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}

	return delivered
}

func (b *Broker) Count(topic string) int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return len(b.topics[topic])
}

// CloseTopic closes every subscriber channel of topic.
func (b *Broker) CloseTopic(topic string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for id, ch := range b.topics[topic] {
		close(ch)
		delete(b.topics[topic], id)
	}
	delete(b.topics, topic)
}

func (b *Broker) remove(topic string, id uint64) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if ch, ok := subs[id]; ok {
		close(ch)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}
