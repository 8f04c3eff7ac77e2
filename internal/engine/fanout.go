package engine

import "sync"

// Subscriber receives every durable append and transient item update, in
// emission order. Callbacks run synchronously on the emitting goroutine;
// slow subscribers slow the turn, so they must hand off quickly.
type Subscriber func(StreamEvent)

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Subscriber
}

func newHub() *hub {
	return &hub{subs: make(map[int]Subscriber)}
}

func (h *hub) subscribe(fn Subscriber) func() {
	if h == nil || fn == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *hub) publish(ev StreamEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
