package provider

import (
	"context"

	"github.com/zeusync/docsync/internal/core/observability/log"
)

// scheduleSave restarts the save debounce. Bursts of flushes coalesce into
// one save.
func (p *Provider) scheduleSave() {
	if p.config.Save == nil {
		return
	}
	p.arm(timerSave, p.config.SaveDebounce)
}

// requestSave persists the full state, or marks it dirty when a save is
// already in flight. Only one save runs at a time, so an older snapshot can
// never land after a newer one. waiter, when set, receives the result of the
// save that covers this request.
func (p *Provider) requestSave(waiter chan<- error) {
	if p.config.Save == nil {
		return
	}
	if waiter != nil {
		p.saveWaiters = append(p.saveWaiters, waiter)
	}
	if p.saving {
		p.saveDirty = true
		return
	}
	p.startSave()
}

func (p *Provider) startSave() {
	data, version := p.doc.EncodeStateAsUpdate(), p.version.Load()
	waiters := p.saveWaiters
	p.saveWaiters = nil
	p.saveDirty = false
	p.saving = true

	save := p.config.Save
	ctx := p.ctx
	go func() {
		err := ctx.Err()
		if err == nil {
			err = save(ctx, data)
		}
		p.box.put(saveDone{version: version, err: err, waiters: waiters})
	}()
}

func (p *Provider) onSaveDone(m saveDone) {
	p.saving = false
	for _, w := range m.waiters {
		w <- m.err
	}

	if m.err != nil {
		persistenceTotal.WithLabelValues("save", resultError).Inc()
		p.logger.Error("Failed to save document", log.Uint64("version", m.version), log.Error(m.err))
	} else {
		persistenceTotal.WithLabelValues("save", resultOK).Inc()
		p.logger.Debug("Document saved", log.Uint64("version", m.version))
		p.emit(EventSave, SaveEvent{Version: m.version})
	}

	if p.saveDirty {
		p.logger.Debug("Document changed during save, saving again")
		p.startSave()
	}
}

func (p *Provider) onSaveRequest(m saveRequest) {
	p.disarm(timerSave)
	p.requestSave(m.reply)
}

// Save persists the full state now, superseding a pending debounced save.
// When a save is already running, Save waits for it and then for a fresh
// save of the state at the time of the call. The save itself is not bounded
// by ctx; ctx only bounds the wait.
func (p *Provider) Save(ctx context.Context) error {
	if p.config.Save == nil {
		return ErrNoSaveHook
	}
	reply := make(chan error, 1)
	if p.destroyed.Load() || !p.box.put(saveRequest{reply: reply}) {
		return ErrDestroyed
	}

	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}
