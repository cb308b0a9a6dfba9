package provider

import (
	"time"

	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/crdt"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// onLocalPresence keeps only the latest delta; intermediate presence states
// are never sent.
func (p *Provider) onLocalPresence(delta []byte) {
	p.pendingPresence = delta
	p.arm(timerAwareness, p.config.AwarenessDebounce)
}

func (p *Provider) flushPresence() {
	delta := p.pendingPresence
	p.pendingPresence = nil
	if delta == nil {
		return
	}
	p.publish(channel.EventAwareness, delta)
}

// announce publishes the local presence state at once, so peers learn about
// this participant without waiting for a debounce window.
func (p *Provider) announce() {
	if p.awareness.LocalState() == nil {
		return
	}
	p.publish(channel.EventAwareness, p.awareness.EncodeUpdate([]uint32{p.clientID}))
}

// evictPeers forgets every peer, clocks included, so each is accepted again
// as soon as it is heard from after a reconnect.
func (p *Provider) evictPeers() {
	peers := p.awareness.Peers()
	if len(peers) == 0 {
		return
	}
	p.awareness.Forget(peers, crdt.OriginSelf)
	p.logger.Debug("Evicted peers", log.Int("count", len(peers)))
}

// presenceChecksPerTimeout is how often per PresenceTimeout the presence
// tick runs.
const presenceChecksPerTimeout = 10

// checkPresence renews the local state once it is half a timeout old and
// drops peers that have not been heard from for a whole timeout. Renewals
// are what let late joiners and reconnecting peers learn about participants
// whose state does not change.
func (p *Provider) checkPresence() {
	timeout := p.config.PresenceTimeout
	p.arm(timerPresence, timeout/presenceChecksPerTimeout)

	if p.awareness.Renew(timeout / 2) {
		p.logger.Debug("Renewing local presence")
		p.publish(channel.EventAwareness, p.awareness.EncodeUpdate([]uint32{p.clientID}))
	}
	if expired := p.awareness.Expire(timeout, crdt.OriginSelf); len(expired) > 0 {
		p.logger.Debug("Expired peers", log.Int("count", len(expired)))
	}
}

const leaveTimeout = time.Second

// leaveOnExit is the shutdown hook: it removes the local participant and
// tells peers before the process goes away.
func (p *Provider) leaveOnExit() {
	done := make(chan struct{})
	if !p.box.put(leave{done: done}) {
		return
	}
	select {
	case <-done:
	case <-p.done:
	case <-time.After(leaveTimeout):
		p.logger.Warn("Timed out removing local presence on exit")
	}
}

func (p *Provider) onLeave() {
	p.disarm(timerAwareness)
	p.pendingPresence = nil
	p.removeSelf()
}
