// Package provider keeps a document and its presence state in sync with the
// other members of a channel. Local edits are coalesced and broadcast,
// remote updates are applied without being echoed back, presence travels as
// last-write-wins deltas, the full state is rebroadcast periodically and
// snapshots are persisted through caller supplied hooks.
//
// All mutable state is owned by one goroutine. Document and presence
// notifications, channel traffic, timer fires and hook completions are
// delivered to it as messages.
package provider

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/crdt"
	"github.com/zeusync/docsync/internal/core/events/bus"
	"github.com/zeusync/docsync/internal/core/observability/log"
	"github.com/zeusync/docsync/internal/core/presence"
	"github.com/zeusync/docsync/internal/core/shutdown"
	"github.com/zeusync/docsync/pkg/clock"
)

// Document is the replicated document the provider synchronizes.
type Document interface {
	ClientID() uint32
	OnUpdate(h crdt.UpdateHandler) (cancel func())
	ApplyUpdate(update []byte, origin crdt.Origin) error
	EncodeStateAsUpdate() []byte
}

// Awareness is the presence state the provider synchronizes.
type Awareness interface {
	ClientID() uint32
	OnChange(h presence.ChangeHandler) (cancel func())
	LocalState() map[string]any
	EncodeUpdate(ids []uint32) []byte
	ApplyUpdate(update []byte, origin crdt.Origin) error
	RemoveStates(ids []uint32, origin crdt.Origin)
	Renew(maxAge time.Duration) bool
	Expire(timeout time.Duration, origin crdt.Origin) []uint32
	Forget(ids []uint32, origin crdt.Origin)
	Peers() []uint32
}

var (
	_ Document  = (*crdt.Doc)(nil)
	_ Awareness = (*presence.State)(nil)
)

// Provider synchronizes one document over one channel.
type Provider struct {
	config    Config
	doc       Document
	awareness Awareness
	ch        channel.Channel
	clock     clock.Clock
	logger    log.Log
	events    bus.EventBus
	metrics   *eventMetrics
	topic     string
	source    string
	clientID  uint32

	ctx    context.Context
	cancel context.CancelFunc
	box    *mailbox
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	// Mirrors of loop state for concurrent readers.
	stateMirror atomic.Uint32
	synced      atomic.Bool
	version     atomic.Uint64
	destroyed   atomic.Bool

	// Owned by the loop goroutine.
	state           ConnectionState
	pendingUpdate   []byte
	pendingPresence []byte
	timers          [timerCount]timerSlot
	loadGen         uint64
	saving          bool
	saveDirty       bool
	saveWaiters     []chan<- error
	unsubscribe     []func()
	hookID          shutdown.HookID
}

// New creates a provider for doc and awareness on ch. A nil awareness
// creates a fresh presence state for the document's client.
func New(doc Document, awareness Awareness, ch channel.Channel, opts ...Option) (*Provider, error) {
	config := Config{Channel: ch}
	for _, opt := range opts {
		opt(&config)
	}
	return NewWithConfig(doc, awareness, config)
}

// NewWithConfig is New with an explicit configuration. The loop starts
// immediately; Connect joins the channel.
func NewWithConfig(doc Document, awareness Awareness, config Config) (*Provider, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if awareness == nil {
		awareness = presence.New(doc.ClientID(), presence.WithNow(config.Clock.Now))
	}

	clientID := doc.ClientID()
	source := strconv.FormatUint(uint64(clientID), 10)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		config:    config,
		doc:       doc,
		awareness: awareness,
		ch:        config.Channel,
		clock:     config.Clock,
		events:    config.Events,
		topic:     config.Channel.ID() + "/" + source,
		source:    source,
		clientID:  clientID,
		ctx:       ctx,
		cancel:    cancel,
		box:       newMailbox(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger: config.Logger.With(
			log.String("channel", config.Channel.ID()),
			log.Uint32("client", clientID),
		),
	}

	p.metrics = &eventMetrics{topic: p.topic}
	p.events.AddObserver(p.metrics)
	p.subscribe()
	p.hookID = config.Shutdown.Register("docsync provider "+p.topic, p.leaveOnExit)
	p.arm(timerPresence, config.PresenceTimeout/presenceChecksPerTimeout)
	if !config.DisableResync {
		p.arm(timerResync, config.ResyncInterval)
		p.logger.Debug("Resync enabled", log.Duration("interval", config.ResyncInterval))
	}

	go p.run()
	p.logger.Info("Provider created")
	return p, nil
}

// subscribe wires every collaborator into the mailbox. Remote and Self
// origin notifications are dropped here, so nothing the provider applies
// itself is ever broadcast again.
func (p *Provider) subscribe() {
	p.unsubscribe = append(p.unsubscribe,
		p.doc.OnUpdate(func(update []byte, origin crdt.Origin) {
			if origin != crdt.OriginLocal {
				return
			}
			p.box.put(localUpdate{update: append([]byte(nil), update...)})
		}),
		p.awareness.OnChange(func(change presence.Change) {
			if change.Origin != crdt.OriginLocal {
				return
			}
			p.box.put(localPresence{delta: p.awareness.EncodeUpdate(change.IDs())})
		}),
	)

	subs := []channel.Subscription{
		p.ch.Subscribe(channel.EventMessage, func(payload []byte) {
			p.box.put(remotePayload{event: channel.EventMessage, payload: append([]byte(nil), payload...)})
		}),
		p.ch.Subscribe(channel.EventAwareness, func(payload []byte) {
			p.box.put(remotePayload{event: channel.EventAwareness, payload: append([]byte(nil), payload...)})
		}),
		p.ch.SubscribeStatus(func(status channel.Status, err error) {
			p.box.put(statusChanged{status: status, err: err})
		}),
	}
	for _, sub := range subs {
		p.unsubscribe = append(p.unsubscribe, sub.Unsubscribe)
	}
}

// Connect joins the channel. The subscription is acknowledged
// asynchronously; watch EventConnect or State.
func (p *Provider) Connect(ctx context.Context) error {
	if p.destroyed.Load() {
		return ErrDestroyed
	}
	p.box.put(connecting{})
	if err := p.ch.Open(ctx); err != nil {
		if !errors.Is(err, channel.ErrAlreadyOpen) {
			p.box.put(statusChanged{status: channel.StatusError, err: err})
		}
		return err
	}
	return nil
}

// ID returns the client id of the local participant.
func (p *Provider) ID() uint32 { return p.clientID }

// Doc returns the synchronized document.
func (p *Provider) Doc() Document { return p.doc }

// Awareness returns the synchronized presence state.
func (p *Provider) Awareness() Awareness { return p.awareness }

// State returns the current connection state.
func (p *Provider) State() ConnectionState { return ConnectionState(p.stateMirror.Load()) }

// Connected reports whether the channel subscription is established.
func (p *Provider) Connected() bool { return p.State() == StateConnected }

// Synced reports whether the persisted snapshot has been loaded while connected.
func (p *Provider) Synced() bool { return p.synced.Load() }

// Version counts remote updates applied to the document.
func (p *Provider) Version() uint64 { return p.version.Load() }

// Destroy stops the provider. It cancels every timer, detaches from the
// document, presence and channel, removes the local participant (telling
// peers when connected), cancels in-flight hooks and closes the channel.
// It is idempotent and returns once teardown is complete. It must not be
// called from an event handler.
func (p *Provider) Destroy() {
	p.once.Do(func() {
		p.destroyed.Store(true)
		close(p.stop)
		<-p.done
	})
}

// Done is closed when the provider has been destroyed.
func (p *Provider) Done() <-chan struct{} { return p.done }

func (p *Provider) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.teardown()
			return
		case <-p.box.wake:
			for _, msg := range p.box.drain() {
				if p.destroyed.Load() {
					break
				}
				p.handle(msg)
			}
		}
	}
}

func (p *Provider) handle(msg any) {
	switch m := msg.(type) {
	case localUpdate:
		p.onLocalUpdate(m.update)
	case localPresence:
		p.onLocalPresence(m.delta)
	case remotePayload:
		p.onRemote(m.event, m.payload)
	case connecting:
		p.onConnecting()
	case statusChanged:
		p.onStatus(m.status, m.err)
	case timerFired:
		p.onTimer(m.kind, m.gen)
	case loadDone:
		p.onLoadDone(m)
	case saveDone:
		p.onSaveDone(m)
	case saveRequest:
		p.onSaveRequest(m)
	case leave:
		p.onLeave()
		close(m.done)
	case barrier:
		close(m.done)
	default:
		p.logger.Warn("Unknown provider message")
	}
}

func (p *Provider) teardown() {
	for kind := range p.timers {
		p.disarm(timerKind(kind))
	}
	for _, fn := range p.unsubscribe {
		fn()
	}
	p.unsubscribe = nil
	p.config.Shutdown.Deregister(p.hookID)

	p.removeSelf()
	p.events.RemoveObserver(p.metrics)
	p.cancel()
	p.box.close()
	if err := p.ch.Close(); err != nil {
		p.logger.Warn("Failed to close channel", log.Error(err))
	}

	p.setState(StateDisconnected)
	p.synced.Store(false)
	p.pendingUpdate = nil
	p.pendingPresence = nil
	p.logger.Info("Provider destroyed",
		log.Int("handlers", p.handlerCount()),
		log.Uint64("bus_published", p.events.GetMetrics().Published),
	)
}

// removeSelf drops the local participant and, when connected, tells peers
// right away.
func (p *Provider) removeSelf() {
	if p.awareness.LocalState() == nil {
		return
	}
	p.awareness.RemoveStates([]uint32{p.clientID}, crdt.OriginSelf)
	if p.state == StateConnected {
		p.publish(channel.EventAwareness, p.awareness.EncodeUpdate([]uint32{p.clientID}))
	}
}

func (p *Provider) setState(s ConnectionState) {
	p.state = s
	p.stateMirror.Store(uint32(s))
}

// publish sends payload when connected. Failures are logged; callers carry on.
func (p *Provider) publish(event channel.Event, payload []byte) bool {
	if p.state != StateConnected {
		publishesTotal.WithLabelValues(string(event), resultSkipped).Inc()
		p.logger.Debug("Not connected, skipping publish", log.String("event", string(event)))
		return false
	}
	if err := p.ch.Publish(p.ctx, event, payload); err != nil {
		publishesTotal.WithLabelValues(string(event), resultError).Inc()
		p.logger.Warn("Failed to publish", log.String("event", string(event)), log.Error(err))
		return false
	}
	publishesTotal.WithLabelValues(string(event), resultOK).Inc()
	p.logger.Debug("Published", log.String("event", string(event)), log.Int("bytes", len(payload)))
	return true
}

// settle waits until every message queued before the call has been handled.
func (p *Provider) settle() {
	done := make(chan struct{})
	if !p.box.put(barrier{done: done}) {
		return
	}
	select {
	case <-done:
	case <-p.done:
	}
}
