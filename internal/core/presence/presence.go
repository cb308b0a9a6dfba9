// Package presence tracks the transient "who is online and where" state of a
// document's participants. Unlike the document, each participant's state is
// last-write-wins by a per-participant clock.
package presence

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/docsync/internal/core/crdt"
)

var ErrMalformedUpdate = errors.New("malformed presence update")

var nullState = []byte("null")

// Change lists the participants affected by one mutation.
type Change struct {
	Added   []uint32
	Updated []uint32
	Removed []uint32
	Origin  crdt.Origin
}

// IDs returns Added, Updated and Removed in one slice.
func (c Change) IDs() []uint32 {
	ids := make([]uint32, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

func (c Change) empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

type ChangeHandler func(Change)

type meta struct {
	clock       uint32
	lastUpdated time.Time
}

// State holds every known participant's presence. It is safe for concurrent use.
type State struct {
	clientID uint32

	mu     sync.RWMutex
	states map[uint32]map[string]any
	meta   map[uint32]meta
	now    func() time.Time

	handlersMu  sync.RWMutex
	handlers    map[uint64]ChangeHandler
	nextHandler uint64
}

// OutdatedTimeout is how long a remote participant stays known without
// being renewed. Participants renew their own state at half this interval.
const OutdatedTimeout = 30 * time.Second

// Option configures a State.
type Option func(*State)

// WithNow sets the time source used to age participants.
func WithNow(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a presence state whose local participant is clientID. The local
// state starts out as an empty object.
func New(clientID uint32, opts ...Option) *State {
	s := &State{
		clientID: clientID,
		states:   make(map[uint32]map[string]any),
		meta:     make(map[uint32]meta),
		handlers: make(map[uint64]ChangeHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.states[clientID] = map[string]any{}
	s.meta[clientID] = meta{clock: 0, lastUpdated: s.now()}
	return s
}

func (s *State) ClientID() uint32 { return s.clientID }

// OnChange registers h; handlers run outside the state lock.
func (s *State) OnChange(h ChangeHandler) (cancel func()) {
	s.handlersMu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = h
	s.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.handlersMu.Lock()
			delete(s.handlers, id)
			s.handlersMu.Unlock()
		})
	}
}

// LocalState returns a copy of the local participant's state, or nil once it
// has been removed.
func (s *State) LocalState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.states[s.clientID])
}

// States returns a copy of every known participant's state.
func (s *State) States() map[uint32]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32]map[string]any, len(s.states))
	for id, st := range s.states {
		out[id] = copyState(st)
	}
	return out
}

// SetLocalState replaces the local participant's state. A nil state marks the
// participant as gone.
func (s *State) SetLocalState(state map[string]any) {
	s.mu.Lock()
	m := s.meta[s.clientID]
	m.clock++
	m.lastUpdated = s.now()
	s.meta[s.clientID] = m

	_, existed := s.states[s.clientID]
	var change Change
	change.Origin = crdt.OriginLocal
	switch {
	case state == nil:
		delete(s.states, s.clientID)
		if existed {
			change.Removed = []uint32{s.clientID}
		}
	case !existed:
		s.states[s.clientID] = copyState(state)
		change.Added = []uint32{s.clientID}
	default:
		s.states[s.clientID] = copyState(state)
		change.Updated = []uint32{s.clientID}
	}
	s.mu.Unlock()

	s.emit(change)
}

// SetLocalStateField sets one field of the local state.
func (s *State) SetLocalStateField(key string, value any) {
	state := s.LocalState()
	if state == nil {
		state = map[string]any{}
	}
	state[key] = value
	s.SetLocalState(state)
}

// EncodeUpdate encodes the current state of ids. Removed participants that
// are still tracked are encoded as null with their latest clock.
func (s *State) EncodeUpdate(ids []uint32) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type item struct {
		id    uint32
		clock uint32
		state []byte
	}
	items := make([]item, 0, len(ids))
	for _, id := range ids {
		m, ok := s.meta[id]
		if !ok {
			continue
		}
		payload := nullState
		if st, ok := s.states[id]; ok {
			encoded, err := json.Marshal(st)
			if err == nil {
				payload = encoded
			}
		}
		items = append(items, item{id: id, clock: m.clock, state: payload})
	}

	buf := binary.AppendUvarint(nil, uint64(len(items)))
	for _, it := range items {
		buf = binary.AppendUvarint(buf, uint64(it.id))
		buf = binary.AppendUvarint(buf, uint64(it.clock))
		buf = binary.AppendUvarint(buf, uint64(len(it.state)))
		buf = append(buf, it.state...)
	}
	return buf
}

type decoded struct {
	id    uint32
	clock uint32
	state map[string]any
}

func decodeUpdate(update []byte) ([]decoded, error) {
	off := 0
	next := func() (uint64, error) {
		v, n := binary.Uvarint(update[off:])
		if n <= 0 {
			return 0, fmt.Errorf("%w: bad varint at offset %d", ErrMalformedUpdate, off)
		}
		off += n
		return v, nil
	}

	count, err := next()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(update)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedUpdate, count)
	}
	out := make([]decoded, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := next()
		if err != nil {
			return nil, err
		}
		clk, err := next()
		if err != nil {
			return nil, err
		}
		size, err := next()
		if err != nil {
			return nil, err
		}
		if id > uint64(^uint32(0)) || clk > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: id or clock out of range", ErrMalformedUpdate)
		}
		if size > uint64(len(update)-off) {
			return nil, fmt.Errorf("%w: truncated state for client %d", ErrMalformedUpdate, id)
		}
		raw := update[off : off+int(size)]
		off += int(size)

		var state map[string]any
		if !bytes.Equal(raw, nullState) {
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, fmt.Errorf("%w: client %d: %v", ErrMalformedUpdate, id, err)
			}
			if state == nil {
				state = map[string]any{}
			}
		}
		out = append(out, decoded{id: uint32(id), clock: uint32(clk), state: state})
	}
	if off != len(update) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(update)-off)
	}
	return out, nil
}

// ApplyUpdate merges a remote presence update. For every participant the
// entry is taken when its clock is newer, or when it has the same clock and
// removes a state that is still present.
//
// A remote removal of the local participant while it is still set is not
// accepted: the local clock is bumped instead and a Local change is emitted,
// so peers learn that this participant is still here.
func (s *State) ApplyUpdate(update []byte, origin crdt.Origin) error {
	entries, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	change := Change{Origin: origin}
	var reassert bool

	s.mu.Lock()
	now := s.now()
	for _, e := range entries {
		current, known := s.meta[e.id]
		_, present := s.states[e.id]

		accept := !known || current.clock < e.clock ||
			(current.clock == e.clock && e.state == nil && present)
		if !accept {
			continue
		}

		if e.id == s.clientID && e.state == nil && present {
			m := s.meta[s.clientID]
			m.clock = maxClock(m.clock, e.clock) + 1
			m.lastUpdated = now
			s.meta[s.clientID] = m
			reassert = true
			continue
		}

		s.meta[e.id] = meta{clock: e.clock, lastUpdated: now}
		switch {
		case e.state == nil:
			if present {
				delete(s.states, e.id)
				change.Removed = append(change.Removed, e.id)
			}
		case !present:
			s.states[e.id] = e.state
			change.Added = append(change.Added, e.id)
		default:
			s.states[e.id] = e.state
			change.Updated = append(change.Updated, e.id)
		}
	}
	s.mu.Unlock()

	s.emit(change)
	if reassert {
		s.emit(Change{Updated: []uint32{s.clientID}, Origin: crdt.OriginLocal})
	}
	return nil
}

// RemoveStates drops the given participants. Removing the local participant
// bumps its clock so the removal wins on peers.
func (s *State) RemoveStates(ids []uint32, origin crdt.Origin) {
	change := Change{Origin: origin}

	s.mu.Lock()
	now := s.now()
	for _, id := range ids {
		if _, ok := s.states[id]; !ok {
			continue
		}
		delete(s.states, id)
		if id == s.clientID {
			m := s.meta[id]
			m.clock++
			m.lastUpdated = now
			s.meta[id] = m
		}
		change.Removed = append(change.Removed, id)
	}
	s.mu.Unlock()

	s.emit(change)
}

// Renew bumps the local clock when the local state was last written at
// least maxAge ago, so peers keep it alive. The state is unchanged, so no
// handler runs; callers broadcast EncodeUpdate of the local id when Renew
// reports true.
func (s *State) Renew(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[s.clientID]; !ok {
		return false
	}
	now := s.now()
	m := s.meta[s.clientID]
	if now.Sub(m.lastUpdated) < maxAge {
		return false
	}
	m.clock++
	m.lastUpdated = now
	s.meta[s.clientID] = m
	return true
}

// Expire drops every remote participant whose state was not updated within
// timeout and returns their ids. Their clocks are kept, so a late copy of
// the same state is still rejected; a renewal brings them back.
func (s *State) Expire(timeout time.Duration, origin crdt.Origin) []uint32 {
	change := Change{Origin: origin}

	s.mu.Lock()
	now := s.now()
	for id := range s.states {
		if id == s.clientID {
			continue
		}
		if now.Sub(s.meta[id].lastUpdated) >= timeout {
			delete(s.states, id)
			change.Removed = append(change.Removed, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(change.Removed, func(i, j int) bool { return change.Removed[i] < change.Removed[j] })
	s.emit(change)
	return change.Removed
}

// Forget drops remote participants together with their clocks, so the next
// update from them is accepted whatever its clock. The local participant is
// never forgotten.
func (s *State) Forget(ids []uint32, origin crdt.Origin) {
	change := Change{Origin: origin}

	s.mu.Lock()
	for _, id := range ids {
		if id == s.clientID {
			continue
		}
		if _, ok := s.states[id]; ok {
			change.Removed = append(change.Removed, id)
		}
		delete(s.states, id)
		delete(s.meta, id)
	}
	s.mu.Unlock()

	s.emit(change)
}

// Peers returns the ids of every present participant other than the local one.
func (s *State) Peers() []uint32 {
	s.mu.RLock()
	ids := make([]uint32, 0, len(s.states))
	for id := range s.states {
		if id != s.clientID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *State) emit(change Change) {
	if change.empty() {
		return
	}
	s.handlersMu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
}

func copyState(st map[string]any) map[string]any {
	if st == nil {
		return nil
	}
	out := make(map[string]any, len(st))
	for k, v := range st {
		out[k] = v
	}
	return out
}

func maxClock(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
