// Package crdt implements the replicated document the sync provider keeps
// consistent: a last-writer-wins map whose updates merge deterministically.
package crdt

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// UpdateHandler observes every change applied to a Doc.
type UpdateHandler func(update []byte, origin Origin)

// Doc is a last-writer-wins map keyed by string. Each write carries a Lamport
// clock and the writer's client id, so concurrent writes to the same key
// resolve identically on every replica.
type Doc struct {
	clientID uint32

	mu      sync.RWMutex
	clock   uint64
	entries map[string]Entry

	handlersMu  sync.RWMutex
	handlers    map[uint64]UpdateHandler
	nextHandler uint64
}

// New creates an empty document owned by clientID.
func New(clientID uint32) *Doc {
	return &Doc{
		clientID: clientID,
		entries:  make(map[string]Entry),
		handlers: make(map[uint64]UpdateHandler),
	}
}

// ClientID returns the id this replica signs its writes with.
func (d *Doc) ClientID() uint32 {
	return d.clientID
}

// OnUpdate registers h. Handlers run after the document lock is released, in
// the goroutine that caused the change. The returned func removes h.
func (d *Doc) OnUpdate(h UpdateHandler) (cancel func()) {
	d.handlersMu.Lock()
	id := d.nextHandler
	d.nextHandler++
	d.handlers[id] = h
	d.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.handlersMu.Lock()
			delete(d.handlers, id)
			d.handlersMu.Unlock()
		})
	}
}

// Set writes value under key as a local edit.
func (d *Doc) Set(key, value string) {
	d.write(Entry{Key: key, Value: []byte(value)})
}

// Delete removes key as a local edit. Deleting a missing key still records a
// tombstone so that a concurrent older write cannot resurrect it.
func (d *Doc) Delete(key string) {
	d.write(Entry{Key: key, Deleted: true})
}

func (d *Doc) write(e Entry) {
	d.mu.Lock()
	d.clock++
	e.Clock = d.clock
	e.Client = d.clientID
	d.entries[e.Key] = e
	d.mu.Unlock()

	d.emit(encodeEntries([]Entry{e}), OriginLocal)
}

// ApplyUpdate merges an encoded update. The update is decoded completely
// before anything is touched, so a malformed payload leaves the document as it was.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	incoming, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	var changed []Entry
	d.mu.Lock()
	for _, e := range incoming {
		if e.Clock > d.clock {
			d.clock = e.Clock
		}
		if current, ok := d.entries[e.Key]; ok && !e.newer(current) {
			continue
		}
		d.entries[e.Key] = e
		changed = append(changed, e)
	}
	d.mu.Unlock()

	if len(changed) > 0 {
		d.emit(encodeEntries(changed), origin)
	}
	return nil
}

// EncodeStateAsUpdate returns the full state as a single update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.RLock()
	entries := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.RUnlock()
	return encodeEntries(entries)
}

// Get returns the live value under key.
func (d *Doc) Get(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return "", false
	}
	return string(e.Value), true
}

// Keys returns the live keys in sorted order.
func (d *Doc) Keys() []string {
	d.mu.RLock()
	keys := make([]string, 0, len(d.entries))
	for k, e := range d.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	d.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the live key/value pairs.
func (d *Doc) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.entries))
	for k, e := range d.entries {
		if !e.Deleted {
			out[k] = string(e.Value)
		}
	}
	return out
}

// Checksum hashes the canonical full-state encoding. Two replicas holding the
// same state, tombstones included, report the same checksum.
func (d *Doc) Checksum() uint64 {
	return xxhash.Sum64(d.EncodeStateAsUpdate())
}

func (d *Doc) emit(update []byte, origin Origin) {
	d.handlersMu.RLock()
	handlers := make([]UpdateHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.handlersMu.RUnlock()

	for _, h := range handlers {
		h(update, origin)
	}
}
