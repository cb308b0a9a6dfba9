package server

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/docsync/internal/core/channel/frame"
)

const defaultShardCount = 32

// member is anything the hub can deliver frames to.
type member interface {
	ID() string
	enqueue(f frame.Frame) error
}

type room struct {
	members map[string]member
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// Hub groups peers into rooms by channel id and fans broadcasts out. Rooms
// are spread over shards keyed by the hash of the channel id.
type Hub struct {
	shards   []shard
	maxPeers int
}

// NewHub creates a hub. maxPeers bounds the members of one room; zero means unbounded.
func NewHub(maxPeers int) *Hub {
	h := &Hub{shards: make([]shard, defaultShardCount), maxPeers: maxPeers}
	for i := range h.shards {
		h.shards[i].rooms = make(map[string]*room)
	}
	return h
}

func (h *Hub) shardFor(channel string) *shard {
	return &h.shards[xxhash.Sum64String(channel)%uint64(len(h.shards))]
}

func (h *Hub) join(channel string, m member) error {
	s := h.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[channel]
	if !ok {
		r = &room{members: make(map[string]member)}
		s.rooms[channel] = r
		roomsGauge.Inc()
	}
	if _, already := r.members[m.ID()]; !already {
		if h.maxPeers > 0 && len(r.members) >= h.maxPeers {
			return ErrMaxPeersReached
		}
		r.members[m.ID()] = m
		peersGauge.Inc()
	}
	return nil
}

func (h *Hub) leave(channel string, m member) {
	s := h.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[channel]
	if !ok {
		return
	}
	if _, ok := r.members[m.ID()]; ok {
		delete(r.members, m.ID())
		peersGauge.Dec()
	}
	if len(r.members) == 0 {
		delete(s.rooms, channel)
		roomsGauge.Dec()
	}
}

func (h *Hub) joined(channel string, m member) bool {
	s := h.shardFor(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[channel]
	if !ok {
		return false
	}
	_, ok = r.members[m.ID()]
	return ok
}

// broadcast delivers f to every member of f.Channel except from. Members
// whose queue is full are returned so the caller can drop them.
func (h *Hub) broadcast(from member, f frame.Frame) (delivered int, slow []member) {
	s := h.shardFor(f.Channel)
	s.mu.RLock()
	r, ok := s.rooms[f.Channel]
	var targets []member
	if ok {
		targets = make([]member, 0, len(r.members))
		for id, m := range r.members {
			if id != from.ID() {
				targets = append(targets, m)
			}
		}
	}
	s.mu.RUnlock()

	for _, m := range targets {
		if err := m.enqueue(f); err != nil {
			slow = append(slow, m)
			continue
		}
		delivered++
	}
	fanoutTotal.Add(float64(delivered))
	return delivered, slow
}

// Members returns the number of peers in channel.
func (h *Hub) Members(channel string) int {
	s := h.shardFor(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[channel]; ok {
		return len(r.members)
	}
	return 0
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	total := 0
	for i := range h.shards {
		h.shards[i].mu.RLock()
		total += len(h.shards[i].rooms)
		h.shards[i].mu.RUnlock()
	}
	return total
}
