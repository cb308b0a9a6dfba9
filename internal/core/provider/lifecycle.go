package provider

import (
	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/crdt"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

func (p *Provider) onConnecting() {
	if p.state == StateConnected || p.state == StateConnecting {
		return
	}
	p.setState(StateConnecting)
	p.logger.Info("Connecting")
	p.emitStatus()
}

func (p *Provider) onStatus(status channel.Status, err error) {
	switch status {
	case channel.StatusSubscribed:
		p.onSubscribed()
	case channel.StatusError:
		p.onLost(StateErroring, err)
	case channel.StatusTimedOut, channel.StatusClosed:
		p.onLost(StateDisconnected, err)
	default:
		p.logger.Warn("Unknown channel status", log.String("status", status.String()))
	}
}

func (p *Provider) onSubscribed() {
	if p.state == StateConnected {
		return
	}
	p.setState(StateConnected)
	p.logger.Info("Connected")
	p.emit(EventConnect, nil)
	p.emitStatus()

	p.load()
	p.announce()
}

// onLost moves to next after the subscription failed. Peer presence is
// dropped because nothing will refresh or remove it while disconnected.
func (p *Provider) onLost(next ConnectionState, err error) {
	if p.state == next {
		return
	}
	p.setState(next)
	p.loadGen++

	if next == StateErroring {
		p.logger.Error("Channel error", log.Error(err))
		p.emit(EventError, ErrorEvent{Err: err})
	} else {
		p.logger.Info("Disconnected", log.Error(err))
		p.emit(EventDisconnect, nil)
	}
	p.emitStatus()
	p.setSynced(false)
	p.evictPeers()
}

// load fetches the persisted snapshot in the background.
func (p *Provider) load() {
	p.loadGen++
	gen := p.loadGen
	if p.config.Load == nil {
		p.setSynced(true)
		return
	}
	load := p.config.Load
	ctx := p.ctx
	go func() {
		data, err := load(ctx)
		p.box.put(loadDone{gen: gen, snapshot: data, err: err})
	}()
}

func (p *Provider) onLoadDone(m loadDone) {
	if m.err != nil {
		persistenceTotal.WithLabelValues("load", resultError).Inc()
		p.logger.Error("Failed to load document", log.Error(m.err))
		return
	}
	persistenceTotal.WithLabelValues("load", resultOK).Inc()

	if m.snapshot != nil {
		if err := p.doc.ApplyUpdate(m.snapshot, crdt.OriginRemote); err != nil {
			p.logger.Error("Failed to apply persisted snapshot", log.Error(err))
		} else {
			p.version.Add(1)
			p.logger.Debug("Applied persisted snapshot", log.Int("bytes", len(m.snapshot)))
		}
	} else {
		p.logger.Debug("No persisted snapshot")
	}

	if m.gen == p.loadGen && p.state == StateConnected {
		p.setSynced(true)
	}
}
