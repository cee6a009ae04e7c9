package swr

import (
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// subscription is one listener on a key. Events are delivered on a buffered
// channel; a full channel drops the event rather than blocking the engine,
// since every event only says "state moved" and the subscriber reads the
// current snapshot anyway.
type subscription struct {
	id   string
	key  Key
	ch   chan Event
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// hub fans events out to per-key subscribers.
type hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*subscription // storage key -> sub id -> sub
	buffer int
	hooks  Hooks
	closed bool
}

func newHub(buffer int, hooks Hooks) *hub {
	return &hub{
		subs:   make(map[string]map[string]*subscription),
		buffer: buffer,
		hooks:  hooks,
	}
}

// subscribe registers a listener for a key and returns the event channel
// plus an unsubscribe func. Unsubscribe is idempotent and closes the
// channel.
func (h *hub) subscribe(k Key) (<-chan Event, func()) {
	sub := &subscription{
		id:  gonanoid.Must(),
		key: k,
		ch:  make(chan Event, h.buffer),
	}
	sk := k.storage()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	m, ok := h.subs[sk]
	if !ok {
		m = make(map[string]*subscription)
		h.subs[sk] = m
	}
	m[sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if m, ok := h.subs[sk]; ok {
				delete(m, sub.id)
				if len(m) == 0 {
					delete(h.subs, sk)
				}
			}
			h.mu.Unlock()
			sub.close()
		})
	}
	return sub.ch, cancel
}

func (h *hub) publish(ev Event) {
	sk := ev.Key.storage()
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs[sk] {
		select {
		case sub.ch <- ev:
		default:
			h.hooks.EventDropped(sk, sub.id)
		}
	}
}

// subscribed reports whether any listener exists for a storage key. Used
// by the sweeper (subscribed keys are referenced) and by invalidation to
// decide between eager refetch and lazy on next request.
func (h *hub) subscribed(sk string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sk]) > 0
}

func (h *hub) keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for sk := range h.subs {
		out = append(out, sk)
	}
	return out
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*subscription
	for _, m := range h.subs {
		for _, sub := range m {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[string]*subscription)
	h.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
}
