// Package events carries the cross-cutting notifications the messaging core
// publishes for the presentation layer. Delivery is fire-and-forget: a
// subscriber whose buffer is full misses the event.
package events

import (
	"sync"
	"time"
)

// MessageSent is published after a message has been stored.
type MessageSent struct {
	ConversationID string
	MessageID      string
	SenderID       string
	SentAt         time.Time
}

// ConversationRead is published after a user marked a conversation read.
type ConversationRead struct {
	ConversationID string
	UserID         string
	ReadAt         time.Time
}

const subscriberBuffer = 16

type topic[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]chan T
}

func (t *topic[T]) subscribe() (<-chan T, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listeners == nil {
		t.listeners = make(map[int]chan T)
	}
	id := t.nextID
	t.nextID++
	ch := make(chan T, subscriberBuffer)
	t.listeners[id] = ch
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.listeners[id]; ok {
			delete(t.listeners, id)
			close(c)
		}
	}
	return ch, cancel
}

func (t *topic[T]) publish(ev T) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delivered := 0
	for _, ch := range t.listeners {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

func (t *topic[T]) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.listeners {
		delete(t.listeners, id)
		close(ch)
	}
}

// Bus is a typed publish/subscribe hub. The zero value is ready to use.
type Bus struct {
	sent topic[MessageSent]
	read topic[ConversationRead]
}

func NewBus() *Bus {
	return &Bus{}
}

// PublishMessageSent returns the number of subscribers that received ev.
func (b *Bus) PublishMessageSent(ev MessageSent) int {
	return b.sent.publish(ev)
}

// PublishConversationRead returns the number of subscribers that received ev.
func (b *Bus) PublishConversationRead(ev ConversationRead) int {
	return b.read.publish(ev)
}

// SubscribeMessageSent returns a channel of events and a cancel func that
// unsubscribes and closes the channel.
func (b *Bus) SubscribeMessageSent() (<-chan MessageSent, func()) {
	return b.sent.subscribe()
}

func (b *Bus) SubscribeConversationRead() (<-chan ConversationRead, func()) {
	return b.read.subscribe()
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.sent.close()
	b.read.close()
}
