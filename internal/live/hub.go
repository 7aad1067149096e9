// Package live publishes store mutations and turns queries into live,
// restartable result streams.
package live

import (
	"sync"

	"github.com/rs/zerolog"
)

// Topic names a family of records whose mutations are published together.
type Topic string

const (
	TopicAssets        Topic = "assets"
	TopicConversations Topic = "conversations"
)

// Op describes what happened to a record.
type Op string

const (
	OpPut      Op = "put"
	OpDelete   Op = "delete"
	OpExternal Op = "external"
)

// Change is one published mutation.
type Change struct {
	Topic Topic
	ID    string
	Op    Op
}

type subscriber struct {
	topics map[Topic]struct{}
	notify chan struct{}
}

// Hub fans out change notifications to subscribers.
//
// Notifications coalesce: a subscriber that has not yet consumed its pending
// signal does not queue another one. Subscribers re-read state after each
// signal, so only the fact that something changed matters.
type Hub struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
	log  zerolog.Logger
}

// NewHub returns an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{subs: make(map[int]*subscriber), log: log.With().Str("component", "live").Logger()}
}

// Subscribe registers interest in topics. The returned channel receives a
// signal after every matching Publish. cancel unregisters the subscriber.
// A nil hub never signals.
func (h *Hub) Subscribe(topics ...Topic) (signals <-chan struct{}, cancel func()) {
	if h == nil {
		return nil, func() {}
	}
	sub := &subscriber{topics: make(map[Topic]struct{}, len(topics)), notify: make(chan struct{}, 1)}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.notify, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish signals every subscriber of change.Topic.
func (h *Hub) Publish(change Change) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if _, ok := sub.topics[change.Topic]; !ok {
			continue
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	h.log.Trace().Str("topic", string(change.Topic)).Str("id", change.ID).Str("op", string(change.Op)).Msg("change published")
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
