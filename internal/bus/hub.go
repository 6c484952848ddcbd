package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultSubscriberCapacity = 64

// HubOption customizes Hub construction.
type HubOption func(*Hub)

// WithLogger injects a logger for drop diagnostics.
func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// Hub is an in-process topic router. Each subscriber gets a bounded channel;
// when it is full the oldest queued message is dropped.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscriber]struct{}
	capacity int
	logger   *zap.Logger
}

// Subscription is an active topic subscription.
type Subscription struct {
	C      <-chan Message
	cancel func()
}

// Close terminates the subscription and closes C.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:     map[string]map[*subscriber]struct{}{},
		capacity: defaultSubscriberCapacity,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Hub) Subscribe(topic string) Subscription {
	sub := &subscriber{ch: make(chan Message, h.capacity)}
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = map[*subscriber]struct{}{}
	}
	h.subs[topic][sub] = struct{}{}
	h.mu.Unlock()
	return Subscription{
		C: sub.ch,
		cancel: func() {
			h.remove(topic, sub)
		},
	}
}

// Publish never blocks and never fails.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	h.mu.RLock()
	live := h.subs[msg.Topic]
	subs := make([]*subscriber, 0, len(live))
	for s := range live {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		if dropped, ok := s.deliver(msg); ok {
			h.logger.Debug("bus subscriber full, dropped oldest",
				zap.String("topic", msg.Topic), zap.String("dropped_type", dropped.Type))
		}
	}
	return nil
}

// Subscribers reports the number of live subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *Hub) remove(topic string, sub *subscriber) {
	h.mu.Lock()
	if subs := h.subs[topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, topic)
		}
	}
	h.mu.Unlock()
	sub.close()
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Message
	closed bool
}

// deliver enqueues msg, evicting the oldest message when full.
func (s *subscriber) deliver(msg Message) (dropped Message, didDrop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false
	}
	for {
		select {
		case s.ch <- msg:
			return dropped, didDrop
		default:
		}
		select {
		case dropped = <-s.ch:
			didDrop = true
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
