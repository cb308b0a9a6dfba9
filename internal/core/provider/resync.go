package provider

import (
	"github.com/zeusync/docsync/internal/core/channel"
)

// resync rebroadcasts the full state on every tick, changed or not. It heals
// peers that missed an incremental update.
func (p *Provider) resync() {
	p.arm(timerResync, p.config.ResyncInterval)
	resyncsTotal.Inc()
	p.logger.Debug("Resyncing")
	p.publish(channel.EventMessage, p.doc.EncodeStateAsUpdate())
}
