package provider

import (
	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/crdt"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// onLocalUpdate folds update into the pending buffer and restarts the
// trailing debounce.
func (p *Provider) onLocalUpdate(update []byte) {
	if p.pendingUpdate == nil {
		p.pendingUpdate = update
	} else {
		merged, err := crdt.MergeUpdates(p.pendingUpdate, update)
		if err != nil {
			// The document produced it, so this only happens on a codec bug.
			p.logger.Error("Failed to merge local update", log.Error(err))
			return
		}
		p.pendingUpdate = merged
	}
	p.arm(timerUpdate, p.config.UpdateDebounce)
}

// flushUpdate broadcasts the coalesced update and schedules persistence.
func (p *Provider) flushUpdate() {
	update := p.pendingUpdate
	p.pendingUpdate = nil
	if update == nil {
		return
	}
	flushBytes.Observe(float64(len(update)))
	p.logger.Debug("Broadcasting local update", log.Int("bytes", len(update)), log.Bool("online", p.state == StateConnected))
	p.publish(channel.EventMessage, update)
	p.scheduleSave()
}

func (p *Provider) onRemote(event channel.Event, payload []byte) {
	if p.state != StateConnected {
		remoteTotal.WithLabelValues(string(event), resultIgnored).Inc()
		p.logger.Debug("Not connected, ignoring remote payload", log.String("event", string(event)))
		return
	}

	var err error
	switch event {
	case channel.EventMessage:
		if err = p.doc.ApplyUpdate(payload, crdt.OriginRemote); err == nil {
			p.version.Add(1)
		}
	case channel.EventAwareness:
		err = p.awareness.ApplyUpdate(payload, crdt.OriginRemote)
	default:
		return
	}
	if err != nil {
		remoteTotal.WithLabelValues(string(event), resultMalformed).Inc()
		p.logger.Warn("Dropping malformed remote payload", log.String("event", string(event)), log.Error(err))
		return
	}
	remoteTotal.WithLabelValues(string(event), resultOK).Inc()
}
