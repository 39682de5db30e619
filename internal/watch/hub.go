package watch

import (
	"errors"
	"sync"
)

const defaultSubscriberCapacity = 256

// ErrSubscriberLagged is reported by a subscription that was evicted
// because its buffer filled up. The subscriber should resubscribe and replay
// from the last ID it processed.
var ErrSubscriberLagged = errors.New("subscriber lagged behind and was evicted")

// Hub fans notifications out to per-session and global subscribers. Each
// subscriber sees notifications in publish order.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*subscriber]struct{}
	global   map[*subscriber]struct{}
	capacity int
}

// NewHub returns a hub whose subscribers buffer up to capacity
// notifications.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &Hub{
		sessions: make(map[string]map[*subscriber]struct{}),
		global:   make(map[*subscriber]struct{}),
		capacity: capacity,
	}
}

// Subscription is an active subscribe call. C is closed when the
// subscription ends, after which Err reports why.
type Subscription struct {
	C   <-chan Notification
	sub *subscriber
	hub *Hub
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.sub)
	s.sub.close(nil)
}

// Err returns ErrSubscriberLagged if the hub evicted the subscription, nil
// otherwise.
func (s *Subscription) Err() error {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.err
}

// Subscribe registers for notifications of one session. An empty sessionID
// subscribes to every session.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan Notification, h.capacity),
	}
	h.mu.Lock()
	if sessionID == "" {
		h.global[sub] = struct{}{}
	} else {
		if h.sessions[sessionID] == nil {
			h.sessions[sessionID] = make(map[*subscriber]struct{})
		}
		h.sessions[sessionID][sub] = struct{}{}
	}
	h.mu.Unlock()
	return &Subscription{C: sub.ch, sub: sub, hub: h}
}

// Publish delivers n to the session's subscribers and to global
// subscribers. A subscriber with a full buffer is evicted rather than
// skipped, so no subscriber ever sees a gap.
func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.global)+len(h.sessions[n.SessionID]))
	for sub := range h.sessions[n.SessionID] {
		targets = append(targets, sub)
	}
	for sub := range h.global {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.deliver(n) {
			h.remove(sub)
			sub.close(ErrSubscriberLagged)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.global)
	for _, subs := range h.sessions {
		n += len(subs)
	}
	return n
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.global))
	for sub := range h.global {
		subs = append(subs, sub)
	}
	for _, set := range h.sessions {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.global = make(map[*subscriber]struct{})
	h.sessions = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(nil)
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.sessionID == "" {
		delete(h.global, sub)
		return
	}
	if set := h.sessions[sub.sessionID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.sessions, sub.sessionID)
		}
	}
}

type subscriber struct {
	sessionID string
	ch        chan Notification

	mu     sync.Mutex
	closed bool
	err    error
}

// deliver enqueues n without blocking. It returns false when the buffer is
// full.
func (s *subscriber) deliver(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- n:
		return true
	default:
		return false
	}
}

func (s *subscriber) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}
