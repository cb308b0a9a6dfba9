package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/channel/memory"
	"github.com/zeusync/docsync/internal/core/crdt"
	"github.com/zeusync/docsync/internal/core/events/bus"
	"github.com/zeusync/docsync/internal/core/observability/log"
	"github.com/zeusync/docsync/internal/core/presence"
	"github.com/zeusync/docsync/internal/core/shutdown"
	"github.com/zeusync/docsync/pkg/clock"
)

const docChannel = "doc"

type harness struct {
	t     *testing.T
	hub   *memory.Hub
	clock *clock.Manual
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, hub: memory.NewHub(), clock: clock.NewManual(time.Unix(0, 0))}
}

type peer struct {
	*Provider
	doc      *crdt.Doc
	presence *presence.State
	ch       *memory.Channel
	registry *shutdown.Registry

	mu     sync.Mutex
	events []bus.Event
}

func (h *harness) peer(id uint32, opts ...Option) *peer {
	h.t.Helper()
	p := &peer{
		doc:      crdt.New(id),
		presence: presence.New(id, presence.WithNow(h.clock.Now)),
		ch:       h.hub.Channel(docChannel),
		registry: shutdown.NewRegistry(log.NewNop()),
	}
	base := []Option{
		WithClock(h.clock),
		WithLogger(log.NewNop()),
		WithShutdown(p.registry),
		WithoutResync(),
	}
	provider, err := New(p.doc, p.presence, p.ch, append(base, opts...)...)
	require.NoError(h.t, err)
	p.Provider = provider
	h.t.Cleanup(provider.Destroy)

	for _, typ := range []string{EventConnect, EventDisconnect, EventError, EventStatus, EventSynced, EventSave} {
		_, err := provider.On(typ, func(e bus.Event) error {
			p.mu.Lock()
			p.events = append(p.events, e)
			p.mu.Unlock()
			return nil
		})
		require.NoError(h.t, err)
	}
	return p
}

func (h *harness) connected(id uint32, opts ...Option) *peer {
	h.t.Helper()
	p := h.peer(id, opts...)
	require.NoError(h.t, p.Connect(context.Background()))
	p.settle()
	require.Equal(h.t, StateConnected, p.State())
	return p
}

// advance moves the clock and lets every peer handle the timers that fired.
func (h *harness) advance(d time.Duration, peers ...*peer) {
	h.clock.Advance(d)
	for i := 0; i < 2; i++ {
		for _, p := range peers {
			p.settle()
		}
	}
}

// presenceTicks steps the clock one presence check at a time, so every
// check runs with the clock at its own deadline.
func (h *harness) presenceTicks(n int, peers ...*peer) {
	for i := 0; i < n; i++ {
		h.advance(DefaultPresenceTimeout/presenceChecksPerTimeout, peers...)
	}
}

func (h *harness) sent(p *peer, event channel.Event) []memory.Sent {
	return h.hub.SentBy(p.ch, event)
}

func (p *peer) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type())
	}
	return out
}

func (p *peer) eventsOf(typ string) []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []bus.Event
	for _, e := range p.events {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

func (p *peer) statuses() []ConnectionState {
	var out []ConnectionState
	for _, e := range p.eventsOf(EventStatus) {
		out = append(out, e.Data().(StatusEvent).Status)
	}
	return out
}

func TestNewValidatesResyncInterval(t *testing.T) {
	hub := memory.NewHub()
	doc := crdt.New(1)
	nop := WithLogger(log.NewNop())
	registry := WithShutdown(shutdown.NewRegistry(log.NewNop()))

	_, err := New(doc, nil, hub.Channel(docChannel), nop, registry, WithResyncInterval(2*time.Second))
	require.ErrorIs(t, err, ErrResyncIntervalTooShort)
	assert.EqualError(t, err, "resync interval of less than 3 seconds")

	_, err = New(doc, nil, hub.Channel(docChannel), nop, registry, WithResyncInterval(-time.Second))
	assert.ErrorIs(t, err, ErrResyncIntervalTooShort)

	_, err = New(doc, nil, hub.Channel(docChannel), nop, registry, WithPresenceTimeout(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	for _, opt := range []Option{WithResyncInterval(3 * time.Second), WithoutResync(), WithResyncInterval(0)} {
		p, err := New(doc, nil, hub.Channel(docChannel), nop, registry, opt)
		require.NoError(t, err)
		p.Destroy()
	}
}

func TestNewRequiresChannel(t *testing.T) {
	_, err := New(crdt.New(1), nil, nil, WithLogger(log.NewNop()))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNilAwarenessCreatesPresence(t *testing.T) {
	h := newHarness(t)
	p, err := New(crdt.New(7), nil, h.hub.Channel(docChannel),
		WithLogger(log.NewNop()), WithShutdown(shutdown.NewRegistry(log.NewNop())))
	require.NoError(t, err)
	defer p.Destroy()
	assert.Equal(t, uint32(7), p.Awareness().ClientID())
}

func TestConnectLifecycle(t *testing.T) {
	h := newHarness(t)
	a := h.peer(1)
	assert.Equal(t, StateDisconnected, a.State())

	require.NoError(t, a.Connect(context.Background()))
	a.settle()

	assert.Equal(t, StateConnected, a.State())
	assert.True(t, a.Connected())
	assert.True(t, a.Synced())
	assert.Equal(t, []string{EventStatus, EventConnect, EventStatus, EventSynced}, a.eventTypes())
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, a.statuses())

	// The local presence is announced right away.
	assert.Len(t, h.sent(a, channel.EventAwareness), 1)

	assert.ErrorIs(t, a.Connect(context.Background()), channel.ErrAlreadyOpen)
	a.settle()
	assert.Equal(t, StateConnected, a.State())
}

func TestDebounceCoalescesUpdates(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)

	a.doc.Set("a", "1")
	a.doc.Set("b", "2")
	a.doc.Set("c", "3")
	a.settle()

	h.advance(DefaultUpdateDebounce-time.Millisecond, a)
	assert.Empty(t, h.sent(a, channel.EventMessage))

	a.doc.Set("d", "4")
	a.settle()
	h.advance(DefaultUpdateDebounce-time.Millisecond, a)
	assert.Empty(t, h.sent(a, channel.EventMessage), "each edit restarts the window")

	h.advance(time.Millisecond, a)
	sent := h.sent(a, channel.EventMessage)
	require.Len(t, sent, 1)

	entries, err := crdt.DecodeUpdate(sent[0].Payload)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestTwoProvidersConverge(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)
	b := h.connected(2)

	a.doc.Set("title", "hello")
	b.doc.Set("body", "world")
	a.settle()
	b.settle()
	h.advance(DefaultUpdateDebounce, a, b)

	assert.Equal(t, a.doc.Snapshot(), b.doc.Snapshot())
	assert.Equal(t, a.doc.Checksum(), b.doc.Checksum())
	assert.Equal(t, uint64(1), a.Version())
	assert.Equal(t, uint64(1), b.Version())
}

func TestRemoteUpdatesAreNotEchoed(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)

	remote := crdt.New(9)
	remote.Set("k", "v")
	raw := h.hub.Channel(docChannel)
	require.NoError(t, raw.Open(context.Background()))
	require.NoError(t, raw.Publish(context.Background(), channel.EventMessage, remote.EncodeStateAsUpdate()))
	a.settle()

	v, ok := a.doc.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, uint64(1), a.Version())

	h.advance(time.Hour, a)
	assert.Empty(t, h.sent(a, channel.EventMessage))
}

func TestMalformedRemotePayloadIgnored(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)

	raw := h.hub.Channel(docChannel)
	require.NoError(t, raw.Open(context.Background()))
	require.NoError(t, raw.Publish(context.Background(), channel.EventMessage, []byte{0xff, 0x01}))
	require.NoError(t, raw.Publish(context.Background(), channel.EventAwareness, []byte{0xff}))
	a.settle()

	assert.Equal(t, uint64(0), a.Version())
	assert.Equal(t, StateConnected, a.State())
	assert.Empty(t, a.presence.Peers())
}

func TestRemoteInputIgnoredWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	a := h.peer(1)

	remote := crdt.New(9)
	remote.Set("k", "v")
	a.box.put(remotePayload{event: channel.EventMessage, payload: remote.EncodeStateAsUpdate()})
	a.settle()

	_, ok := a.doc.Get("k")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), a.Version())
}

func TestLocalEditsWhileDisconnectedArePersistedNotPublished(t *testing.T) {
	h := newHarness(t)
	var saves int
	var mu sync.Mutex
	a := h.peer(1, WithSave(func(context.Context, []byte) error {
		mu.Lock()
		saves++
		mu.Unlock()
		return nil
	}))

	a.doc.Set("k", "v")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)
	h.advance(DefaultSaveDebounce, a)

	assert.Empty(t, h.hub.Sent(docChannel))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return saves == 1
	}, time.Second, time.Millisecond)
}

func TestNullLoadKeepsVersion(t *testing.T) {
	h := newHarness(t)
	loaded := make(chan struct{})
	a := h.connected(1, WithLoad(func(context.Context) ([]byte, error) {
		close(loaded)
		return nil, nil
	}))

	<-loaded
	require.Eventually(t, a.Synced, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), a.Version())
	assert.Equal(t, StateConnected, a.State())
}

func TestLoadSnapshotIsAppliedNotBroadcast(t *testing.T) {
	h := newHarness(t)
	stored := crdt.New(5)
	stored.Set("saved", "yes")

	a := h.connected(1, WithLoad(func(context.Context) ([]byte, error) {
		return stored.EncodeStateAsUpdate(), nil
	}))
	require.Eventually(t, a.Synced, time.Second, time.Millisecond)

	v, ok := a.doc.Get("saved")
	require.True(t, ok)
	assert.Equal(t, "yes", v)
	assert.Equal(t, uint64(1), a.Version())

	h.advance(time.Hour, a)
	assert.Empty(t, h.sent(a, channel.EventMessage))
}

func TestLoadedSnapshotReachesPeersOnResync(t *testing.T) {
	h := newHarness(t)
	stored := crdt.New(5)
	stored.Set("saved", "yes")

	b := h.connected(2)
	a := h.connected(1, WithResyncInterval(DefaultResyncInterval), WithLoad(func(context.Context) ([]byte, error) {
		return stored.EncodeStateAsUpdate(), nil
	}))
	require.Eventually(t, a.Synced, time.Second, time.Millisecond)
	b.settle()
	_, ok := b.doc.Get("saved")
	require.False(t, ok)

	h.advance(DefaultResyncInterval, a, b)
	v, ok := b.doc.Get("saved")
	require.True(t, ok)
	assert.Equal(t, "yes", v)
}

func TestLoadFailureLeavesUnsynced(t *testing.T) {
	h := newHarness(t)
	done := make(chan struct{})
	a := h.connected(1, WithLoad(func(context.Context) ([]byte, error) {
		defer close(done)
		return nil, errors.New("db down")
	}))
	<-done
	a.settle()

	assert.False(t, a.Synced())
	assert.Equal(t, StateConnected, a.State())
}

func TestPresenceLastWriteWins(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)
	b := h.connected(2)
	announced := len(h.sent(a, channel.EventAwareness))

	a.presence.SetLocalStateField("cursor", "1")
	a.presence.SetLocalStateField("cursor", "2")
	a.presence.SetLocalStateField("cursor", "3")
	a.settle()

	h.advance(DefaultAwarenessDebounce-time.Millisecond, a, b)
	assert.Len(t, h.sent(a, channel.EventAwareness), announced)

	h.advance(time.Millisecond, a, b)
	require.Len(t, h.sent(a, channel.EventAwareness), announced+1)
	assert.Equal(t, "3", b.presence.States()[1]["cursor"])
}

func TestAntiEntropyHealsDroppedUpdate(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1, WithResyncInterval(DefaultResyncInterval))
	b := h.connected(2)

	h.hub.DropNext(docChannel, channel.EventMessage, 1)
	a.doc.Set("k", "v")
	a.settle()
	h.advance(DefaultUpdateDebounce, a, b)

	_, ok := b.doc.Get("k")
	require.False(t, ok, "the incremental update was dropped")

	h.advance(DefaultResyncInterval, a, b)
	v, ok := b.doc.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestResyncPublishesFullStateEveryInterval(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1, WithResyncInterval(4*time.Second))
	a.doc.Set("k", "v")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)
	before := len(h.sent(a, channel.EventMessage))

	h.advance(4*time.Second, a)
	h.advance(4*time.Second, a)
	sent := h.sent(a, channel.EventMessage)
	require.Len(t, sent, before+2)
	assert.Equal(t, a.doc.EncodeStateAsUpdate(), sent[len(sent)-1].Payload)
}

func TestSaveIsDebouncedAfterFlush(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var saved [][]byte
	a := h.connected(1, WithSave(func(_ context.Context, snapshot []byte) error {
		mu.Lock()
		saved = append(saved, snapshot)
		mu.Unlock()
		return nil
	}))

	a.doc.Set("a", "1")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)
	a.doc.Set("b", "2")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)
	require.Len(t, h.sent(a, channel.EventMessage), 2)

	h.advance(DefaultSaveDebounce-time.Millisecond, a)
	mu.Lock()
	assert.Empty(t, saved)
	mu.Unlock()

	h.advance(time.Millisecond, a)
	require.Eventually(t, func() bool { return len(a.eventsOf(EventSave)) == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, saved, 1)
	assert.Equal(t, a.doc.EncodeStateAsUpdate(), saved[0])
}

func TestSaveFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	attempts := make(chan struct{}, 4)
	a := h.connected(1, WithSave(func(context.Context, []byte) error {
		attempts <- struct{}{}
		return errors.New("disk full")
	}))

	a.doc.Set("k", "1")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)
	h.advance(DefaultSaveDebounce, a)
	<-attempts
	a.settle()

	a.doc.Set("k", "2")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)
	assert.Len(t, h.sent(a, channel.EventMessage), 2)
	assert.Empty(t, a.eventsOf(EventSave))
	assert.Equal(t, StateConnected, a.State())
}

func TestForcedSave(t *testing.T) {
	h := newHarness(t)
	calls := make(chan []byte, 4)
	a := h.connected(1, WithSave(func(_ context.Context, snapshot []byte) error {
		calls <- snapshot
		return nil
	}))
	assert.ErrorIs(t, h.connected(2).Save(context.Background()), ErrNoSaveHook)

	a.doc.Set("k", "v")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)

	require.NoError(t, a.Save(context.Background()))
	assert.Equal(t, a.doc.EncodeStateAsUpdate(), <-calls)

	// The pending debounced save was superseded.
	h.advance(DefaultSaveDebounce, a)
	select {
	case <-calls:
		t.Fatal("debounced save ran after a forced save")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectEvictsPeers(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)
	b := h.connected(2)
	b.presence.SetLocalStateField("name", "bob")
	b.settle()
	h.advance(DefaultAwarenessDebounce, a, b)
	require.Equal(t, []uint32{2}, a.presence.Peers())

	a.ch.Fail(channel.StatusClosed, nil)
	a.settle()

	assert.Equal(t, StateDisconnected, a.State())
	assert.False(t, a.Synced())
	assert.Empty(t, a.presence.Peers())
	assert.NotNil(t, a.presence.LocalState())
	assert.Len(t, a.eventsOf(EventDisconnect), 1)
	assert.Equal(t, StateDisconnected, a.statuses()[len(a.statuses())-1])

	// Evictions are not broadcast.
	h.advance(time.Hour, a)
	assert.Len(t, h.sent(a, channel.EventAwareness), 1)
}

func TestChannelErrorMovesToErroring(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)
	boom := errors.New("boom")

	a.ch.Fail(channel.StatusError, boom)
	a.settle()

	assert.Equal(t, StateErroring, a.State())
	errs := a.eventsOf(EventError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Data().(ErrorEvent).Err, boom)

	require.NoError(t, a.ch.Reopen(context.Background()))
	a.settle()
	assert.Equal(t, StateConnected, a.State())
	assert.Len(t, a.eventsOf(EventConnect), 2)
}

func TestDestroyTeardown(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	saves := 0
	b := h.connected(2)
	a := h.connected(1,
		WithResyncInterval(DefaultResyncInterval),
		WithSave(func(context.Context, []byte) error {
			mu.Lock()
			saves++
			mu.Unlock()
			return nil
		}))
	h.advance(0, a, b)
	require.Contains(t, b.presence.States(), uint32(1))

	a.doc.Set("pending", "1")
	a.presence.SetLocalStateField("cursor", "pending")
	a.settle()
	before := len(h.sent(a, channel.EventMessage))
	awarenessBefore := len(h.sent(a, channel.EventAwareness))

	a.Destroy()
	a.Destroy()
	select {
	case <-a.Done():
	default:
		t.Fatal("done not closed")
	}

	h.advance(time.Hour, b)
	assert.Len(t, h.sent(a, channel.EventMessage), before)
	// Exactly one publish: the removal of the local participant.
	assert.Len(t, h.sent(a, channel.EventAwareness), awarenessBefore+1)
	mu.Lock()
	assert.Zero(t, saves)
	mu.Unlock()

	assert.Nil(t, a.presence.LocalState())
	_, present := b.presence.States()[1]
	assert.False(t, present, "peers learn the participant left")
	assert.Zero(t, a.registry.Len())
	assert.ErrorIs(t, a.ch.Publish(context.Background(), channel.EventMessage, nil), channel.ErrClosed)
	assert.ErrorIs(t, a.Connect(context.Background()), ErrDestroyed)
	assert.ErrorIs(t, a.Save(context.Background()), ErrDestroyed)

	// Local edits after destroy go nowhere.
	a.doc.Set("late", "1")
	h.advance(time.Hour, b)
	assert.Len(t, h.sent(a, channel.EventMessage), before)
}

func TestShutdownHookRemovesPresence(t *testing.T) {
	h := newHarness(t)
	b := h.connected(2)
	a := h.connected(1)
	h.advance(0, a, b)
	require.Contains(t, b.presence.States(), uint32(1))

	a.registry.Run()
	b.settle()

	assert.Nil(t, a.presence.LocalState())
	assert.NotContains(t, b.presence.States(), uint32(1))
	assert.Equal(t, StateConnected, a.State())
}

func TestRemoteRemovalOfLocalIsReasserted(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)
	a.presence.SetLocalStateField("name", "alice")
	a.settle()
	h.advance(DefaultAwarenessDebounce, a)
	announced := len(h.sent(a, channel.EventAwareness))

	// A stale peer claims participant 1 is gone.
	liar := presence.New(1)
	liar.RemoveStates([]uint32{1}, crdt.OriginLocal)
	raw := h.hub.Channel(docChannel)
	require.NoError(t, raw.Open(context.Background()))
	require.NoError(t, raw.Publish(context.Background(), channel.EventAwareness, liar.EncodeUpdate([]uint32{1})))
	a.settle()

	h.advance(DefaultAwarenessDebounce, a)
	assert.Equal(t, "alice", a.presence.LocalState()["name"])
	assert.Len(t, h.sent(a, channel.EventAwareness), announced+1)
}

func TestLateJoinerLearnsAboutIdlePeer(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)
	a.presence.SetLocalStateField("name", "alice")
	a.settle()
	h.advance(DefaultAwarenessDebounce, a)

	b := h.connected(2)
	a.settle()
	require.Equal(t, []uint32{2}, a.presence.Peers(), "the joiner announces itself")
	require.Empty(t, b.presence.Peers())

	h.presenceTicks(2*presenceChecksPerTimeout, a, b)
	assert.Equal(t, []uint32{1}, b.presence.Peers())
	assert.Equal(t, "alice", b.presence.States()[1]["name"])
	assert.Equal(t, []uint32{2}, a.presence.Peers(), "renewals keep b from expiring")
}

func TestReconnectRestoresEvictedPeers(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)
	b := h.connected(2)
	b.presence.SetLocalStateField("name", "bob")
	b.settle()
	h.advance(DefaultAwarenessDebounce, a, b)
	require.Equal(t, []uint32{2}, a.presence.Peers())

	a.ch.Fail(channel.StatusClosed, nil)
	a.settle()
	require.Empty(t, a.presence.Peers())

	require.NoError(t, a.ch.Reopen(context.Background()))
	a.settle()
	require.Equal(t, StateConnected, a.State())

	h.presenceTicks(2*presenceChecksPerTimeout, a, b)
	assert.Equal(t, []uint32{2}, a.presence.Peers())
	assert.Equal(t, "bob", a.presence.States()[2]["name"])
	assert.Equal(t, []uint32{1}, b.presence.Peers())
}

func TestSilentPeerExpires(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)

	ghost := presence.New(9)
	ghost.SetLocalStateField("name", "ghost")
	raw := h.hub.Channel(docChannel)
	require.NoError(t, raw.Open(context.Background()))
	require.NoError(t, raw.Publish(context.Background(), channel.EventAwareness, ghost.EncodeUpdate([]uint32{9})))
	a.settle()
	require.Equal(t, []uint32{9}, a.presence.Peers())

	h.presenceTicks(presenceChecksPerTimeout-1, a)
	assert.Equal(t, []uint32{9}, a.presence.Peers())

	h.presenceTicks(2, a)
	assert.Empty(t, a.presence.Peers())
	assert.NotNil(t, a.presence.LocalState())
}

func TestLocalPresenceIsRenewed(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1, WithPresenceTimeout(10*time.Second))
	announced := len(h.sent(a, channel.EventAwareness))

	h.advance(4*time.Second, a)
	assert.Len(t, h.sent(a, channel.EventAwareness), announced)

	for i := 0; i < 3; i++ {
		h.advance(time.Second, a)
		h.advance(time.Second, a)
	}
	assert.Greater(t, len(h.sent(a, channel.EventAwareness)), announced)
}

func TestSavesNeverOverlap(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var mu sync.Mutex
	var saved [][]byte
	var inFlight, maxInFlight int
	a := h.connected(1, WithSave(func(_ context.Context, snapshot []byte) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		first := len(saved) == 0
		mu.Unlock()

		if first {
			<-release
		}

		mu.Lock()
		inFlight--
		saved = append(saved, snapshot)
		mu.Unlock()
		return nil
	}))
	started := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == 1
	}

	a.doc.Set("k", "1")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)
	h.advance(DefaultSaveDebounce, a)
	require.Eventually(t, started, time.Second, time.Millisecond)

	a.doc.Set("k", "2")
	a.settle()
	h.advance(DefaultUpdateDebounce, a)
	h.advance(DefaultSaveDebounce, a)

	forced := make(chan error, 1)
	go func() { forced <- a.Save(context.Background()) }()
	a.settle()
	close(release)

	select {
	case err := <-forced:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forced save did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight)
	require.GreaterOrEqual(t, len(saved), 2, "edits made during a save are covered by another save")
	assert.NotEqual(t, saved[0], saved[len(saved)-1])
	assert.Equal(t, a.doc.EncodeStateAsUpdate(), saved[len(saved)-1])
}

func TestDestroyStopsPresenceChecks(t *testing.T) {
	h := newHarness(t)
	a := h.connected(1)
	announced := len(h.sent(a, channel.EventAwareness))

	a.Destroy()
	removed := len(h.sent(a, channel.EventAwareness))
	require.Equal(t, announced+1, removed)

	h.presenceTicks(3*presenceChecksPerTimeout)
	assert.Len(t, h.sent(a, channel.EventAwareness), removed)
	assert.Zero(t, h.clock.Pending())
}
