// Package memory is an in-process Channel transport. Endpoints created from
// the same Hub with the same id broadcast to each other through an event bus.
// The hub records every publish and can drop messages on purpose, which is
// how tests exercise lost deliveries.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/events/bus"
)

// Sent is one recorded publish.
type Sent struct {
	From    string
	Event   channel.Event
	Payload []byte
	Dropped bool
}

type dropKey struct {
	channel string
	event   channel.Event
}

// Hub connects in-process endpoints.
type Hub struct {
	bus bus.EventBus

	mu    sync.Mutex
	drops map[dropKey]int
	sent  map[string][]Sent
}

func NewHub() *Hub {
	return &Hub{
		bus:   bus.New(),
		drops: make(map[dropKey]int),
		sent:  make(map[string][]Sent),
	}
}

// Channel returns a new endpoint on channel id.
func (h *Hub) Channel(id string) *Channel {
	return &Channel{hub: h, id: id, endpoint: uuid.NewString()}
}

// DropNext discards the next n broadcasts of event on channel id.
func (h *Hub) DropNext(id string, event channel.Event, n int) {
	h.mu.Lock()
	h.drops[dropKey{channel: id, event: event}] += n
	h.mu.Unlock()
}

// Sent returns every publish recorded on channel id, dropped ones included.
func (h *Hub) Sent(id string) []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Sent, len(h.sent[id]))
	copy(out, h.sent[id])
	return out
}

// SentBy returns the publishes of event made by endpoint on channel id.
func (h *Hub) SentBy(c *Channel, event channel.Event) []Sent {
	var out []Sent
	for _, s := range h.Sent(c.id) {
		if s.From == c.endpoint && s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) publish(c *Channel, event channel.Event, payload []byte) error {
	copied := append([]byte(nil), payload...)
	key := dropKey{channel: c.id, event: event}

	h.mu.Lock()
	drop := h.drops[key] > 0
	if drop {
		h.drops[key]--
	}
	h.sent[c.id] = append(h.sent[c.id], Sent{From: c.endpoint, Event: event, Payload: copied, Dropped: drop})
	h.mu.Unlock()

	keep := func(bus.Event) bool { return !drop }
	return h.bus.PublishToTopicWithFilters(c.id, bus.NewEvent(string(event), c.endpoint, copied), keep)
}

// Channel is one endpoint.
type Channel struct {
	channel.Handlers

	hub      *Hub
	id       string
	endpoint string

	mu     sync.Mutex
	subs   []bus.Subscription
	open   atomic.Bool
	closed atomic.Bool
}

var _ channel.Channel = (*Channel)(nil)

func (c *Channel) ID() string { return c.id }

// Endpoint returns the unique id of this endpoint on the hub.
func (c *Channel) Endpoint() string { return c.endpoint }

func (c *Channel) Open(_ context.Context) error {
	if c.closed.Load() {
		return channel.ErrClosed
	}
	c.mu.Lock()
	if c.open.Load() {
		c.mu.Unlock()
		return channel.ErrAlreadyOpen
	}
	for _, event := range []channel.Event{channel.EventMessage, channel.EventAwareness} {
		event := event
		sub, err := c.hub.bus.SubscribeTopic(c.id, string(event), func(e bus.Event) error {
			if e.Source() == c.endpoint {
				return nil
			}
			payload, _ := e.Data().([]byte)
			c.Dispatch(event, payload)
			return nil
		})
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.subs = append(c.subs, sub)
	}
	c.open.Store(true)
	c.mu.Unlock()

	c.Notify(channel.StatusSubscribed, nil)
	return nil
}

func (c *Channel) Publish(_ context.Context, event channel.Event, payload []byte) error {
	if c.closed.Load() {
		return channel.ErrClosed
	}
	if !event.Valid() {
		return channel.ErrUnknownEvent
	}
	if !c.open.Load() {
		return channel.ErrNotOpen
	}
	return c.hub.publish(c, event, payload)
}

// Fail simulates a transport failure: the endpoint stops receiving and
// status handlers are told status.
func (c *Channel) Fail(status channel.Status, err error) {
	c.leave()
	c.Notify(status, err)
}

// Reopen rejoins after Fail.
func (c *Channel) Reopen(ctx context.Context) error {
	return c.Open(ctx)
}

func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.leave()
	c.Seal(0, nil)
	return nil
}

func (c *Channel) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Cancel()
	}
	c.subs = nil
	c.open.Store(false)
}
