package provider

import (
	"time"

	"github.com/zeusync/docsync/pkg/clock"
)

type timerKind int

const (
	timerUpdate timerKind = iota
	timerAwareness
	timerSave
	timerResync
	timerPresence
	timerCount
)

func (k timerKind) String() string {
	switch k {
	case timerUpdate:
		return "update"
	case timerAwareness:
		return "awareness"
	case timerSave:
		return "save"
	case timerResync:
		return "resync"
	case timerPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// timerSlot is one restartable timer. gen invalidates fires that were
// already queued when the timer was restarted or stopped.
type timerSlot struct {
	timer clock.Timer
	gen   uint64
}

// arm (re)starts the timer of kind.
func (p *Provider) arm(kind timerKind, d time.Duration) {
	slot := &p.timers[kind]
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.gen++
	gen := slot.gen
	slot.timer = p.clock.AfterFunc(d, func() {
		if p.destroyed.Load() {
			return
		}
		p.box.put(timerFired{kind: kind, gen: gen})
	})
}

func (p *Provider) disarm(kind timerKind) {
	slot := &p.timers[kind]
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.gen++
}

func (p *Provider) onTimer(kind timerKind, gen uint64) {
	slot := &p.timers[kind]
	if gen != slot.gen {
		return
	}
	slot.timer = nil

	switch kind {
	case timerUpdate:
		p.flushUpdate()
	case timerAwareness:
		p.flushPresence()
	case timerSave:
		p.requestSave(nil)
	case timerResync:
		p.resync()
	case timerPresence:
		p.checkPresence()
	}
}
