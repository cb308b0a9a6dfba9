package channel

import (
	"sync"
)

// Handlers is a registry of event and status handlers that transports embed
// to implement Subscribe and SubscribeStatus.
type Handlers struct {
	mu     sync.RWMutex
	next   uint64
	events map[Event]map[uint64]Handler
	status map[uint64]StatusHandler
	closed bool
}

type handlerSub struct {
	once sync.Once
	fn   func()
}

func (s *handlerSub) Unsubscribe() { s.once.Do(s.fn) }

func (h *Handlers) Subscribe(event Event, handler Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events == nil {
		h.events = make(map[Event]map[uint64]Handler)
	}
	if h.events[event] == nil {
		h.events[event] = make(map[uint64]Handler)
	}
	id := h.next
	h.next++
	h.events[event][id] = handler
	return &handlerSub{fn: func() {
		h.mu.Lock()
		delete(h.events[event], id)
		h.mu.Unlock()
	}}
}

func (h *Handlers) SubscribeStatus(handler StatusHandler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == nil {
		h.status = make(map[uint64]StatusHandler)
	}
	id := h.next
	h.next++
	h.status[id] = handler
	return &handlerSub{fn: func() {
		h.mu.Lock()
		delete(h.status, id)
		h.mu.Unlock()
	}}
}

// Dispatch hands payload to every handler of event.
func (h *Handlers) Dispatch(event Event, payload []byte) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(h.events[event]))
	for _, fn := range h.events[event] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

// Notify hands a status change to every status handler.
func (h *Handlers) Notify(status Status, err error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	handlers := make([]StatusHandler, 0, len(h.status))
	for _, fn := range h.status {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(status, err)
	}
}

// Seal drops every handler; later Dispatch and Notify calls are no-ops.
// finalStatus, when non-zero, is delivered to status handlers first.
func (h *Handlers) Seal(finalStatus Status, err error) {
	if finalStatus != 0 {
		h.Notify(finalStatus, err)
	}
	h.mu.Lock()
	h.closed = true
	h.events = nil
	h.status = nil
	h.mu.Unlock()
}
