package provider

import (
	"github.com/zeusync/docsync/internal/core/events/bus"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// Event types published on the provider's event bus.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
	EventStatus     = "status"
	EventSync       = "sync"
	EventSynced     = "synced"
	EventSave       = "save"
)

// StatusEvent is the data of EventStatus.
type StatusEvent struct {
	Status ConnectionState
}

// SyncEvent is the data of EventSync and EventSynced.
type SyncEvent struct {
	Synced bool
}

// SaveEvent is the data of EventSave.
type SaveEvent struct {
	Version uint64
}

// ErrorEvent is the data of EventError.
type ErrorEvent struct {
	Err error
}

// Topic returns the event bus topic the provider publishes on.
func (p *Provider) Topic() string { return p.topic }

// On subscribes handler to one event type of this provider. Handlers run on
// the provider goroutine: they must return quickly and must not call Destroy.
func (p *Provider) On(eventType string, handler bus.EventHandler) (bus.Subscription, error) {
	return p.events.SubscribeTopic(p.topic, eventType, handler)
}

// handlerCount reports how many handlers are still subscribed to this
// provider's events.
func (p *Provider) handlerCount() int {
	for _, info := range p.events.GetTopics() {
		if info.Name == p.topic {
			return info.Subs
		}
	}
	return 0
}

func (p *Provider) emit(eventType string, data any) {
	if err := p.events.PublishToTopic(p.topic, bus.NewEvent(eventType, p.source, data)); err != nil {
		p.logger.Warn("Event handler failed", log.String("event", eventType), log.Error(err))
	}
}

func (p *Provider) emitStatus() {
	p.emit(EventStatus, StatusEvent{Status: p.state})
}

func (p *Provider) setSynced(synced bool) {
	if p.synced.Load() == synced {
		return
	}
	p.synced.Store(synced)
	p.logger.Debug("Sync state changed", log.Bool("synced", synced))
	p.emit(EventSynced, SyncEvent{Synced: synced})
	p.emit(EventSync, SyncEvent{Synced: synced})
}
