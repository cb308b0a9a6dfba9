package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/events/bus"
	"github.com/zeusync/docsync/internal/core/observability/log"
	"github.com/zeusync/docsync/internal/core/presence"
	"github.com/zeusync/docsync/internal/core/shutdown"
	"github.com/zeusync/docsync/pkg/clock"
)

const (
	DefaultResyncInterval    = 5 * time.Second
	MinResyncInterval        = 3 * time.Second
	DefaultUpdateDebounce    = 500 * time.Millisecond
	DefaultAwarenessDebounce = time.Second
	DefaultSaveDebounce      = time.Second
	DefaultPresenceTimeout   = presence.OutdatedTimeout
)

// LoadFunc returns the persisted snapshot of the document, or nil when there
// is none.
type LoadFunc func(ctx context.Context) ([]byte, error)

// SaveFunc persists a full snapshot of the document.
type SaveFunc func(ctx context.Context, snapshot []byte) error

// Option is a function that configures a provider.
type Option func(*Config)

// Config holds the configuration of a provider.
type Config struct {
	Channel channel.Channel // Transport for the document, required

	ResyncInterval    time.Duration // Period of full-state rebroadcasts, zero means default
	DisableResync     bool          // Turns the periodic rebroadcast off
	UpdateDebounce    time.Duration // Coalescing window for local document updates
	AwarenessDebounce time.Duration // Coalescing window for local presence changes
	SaveDebounce      time.Duration // Coalescing window for persistence
	PresenceTimeout   time.Duration // Peers not renewed within it are dropped; the local state renews at half

	Load LoadFunc // Optional
	Save SaveFunc // Optional

	Logger   log.Log
	Clock    clock.Clock
	Shutdown *shutdown.Registry // Exit hooks; nil means shutdown.Default()
	Events   bus.EventBus       // Receives lifecycle events; nil creates a private bus
}

// DefaultConfig returns the configuration used for fields left zero.
func DefaultConfig() Config {
	return Config{
		ResyncInterval:    DefaultResyncInterval,
		UpdateDebounce:    DefaultUpdateDebounce,
		AwarenessDebounce: DefaultAwarenessDebounce,
		SaveDebounce:      DefaultSaveDebounce,
		PresenceTimeout:   DefaultPresenceTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ResyncInterval == 0 {
		c.ResyncInterval = d.ResyncInterval
	}
	if c.UpdateDebounce == 0 {
		c.UpdateDebounce = d.UpdateDebounce
	}
	if c.AwarenessDebounce == 0 {
		c.AwarenessDebounce = d.AwarenessDebounce
	}
	if c.SaveDebounce == 0 {
		c.SaveDebounce = d.SaveDebounce
	}
	if c.PresenceTimeout == 0 {
		c.PresenceTimeout = d.PresenceTimeout
	}
	if c.Logger == nil {
		c.Logger = log.Provide()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Shutdown == nil {
		c.Shutdown = shutdown.Default()
	}
	if c.Events == nil {
		c.Events = bus.New()
	}
}

// Validate checks a configuration with defaults applied.
func (c *Config) Validate() error {
	if c.Channel == nil {
		return fmt.Errorf("%w: channel is required", ErrInvalidConfig)
	}
	if !c.DisableResync && c.ResyncInterval < MinResyncInterval {
		return ErrResyncIntervalTooShort
	}
	if c.UpdateDebounce < 0 || c.AwarenessDebounce < 0 || c.SaveDebounce < 0 {
		return fmt.Errorf("%w: negative debounce", ErrInvalidConfig)
	}
	if c.PresenceTimeout < 0 {
		return fmt.Errorf("%w: negative presence timeout", ErrInvalidConfig)
	}
	return nil
}

// WithResyncInterval sets the period of full-state rebroadcasts.
func WithResyncInterval(d time.Duration) Option {
	return func(c *Config) { c.ResyncInterval = d; c.DisableResync = false }
}

// WithoutResync disables the periodic full-state rebroadcast.
func WithoutResync() Option {
	return func(c *Config) { c.DisableResync = true }
}

// WithUpdateDebounce sets the coalescing window for document updates.
func WithUpdateDebounce(d time.Duration) Option {
	return func(c *Config) { c.UpdateDebounce = d }
}

// WithAwarenessDebounce sets the coalescing window for presence changes.
func WithAwarenessDebounce(d time.Duration) Option {
	return func(c *Config) { c.AwarenessDebounce = d }
}

// WithSaveDebounce sets the coalescing window for persistence.
func WithSaveDebounce(d time.Duration) Option {
	return func(c *Config) { c.SaveDebounce = d }
}

// WithPresenceTimeout sets how long peers stay known without renewing.
func WithPresenceTimeout(d time.Duration) Option {
	return func(c *Config) { c.PresenceTimeout = d }
}

// WithLoad sets the hook that fetches the persisted snapshot on connect.
func WithLoad(fn LoadFunc) Option {
	return func(c *Config) { c.Load = fn }
}

// WithSave sets the hook that persists snapshots.
func WithSave(fn SaveFunc) Option {
	return func(c *Config) { c.Save = fn }
}

// WithLogger sets the logger.
func WithLogger(l log.Log) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClock sets the clock driving every timer.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithShutdown sets the registry the exit hook is registered with.
func WithShutdown(r *shutdown.Registry) Option {
	return func(c *Config) { c.Shutdown = r }
}

// WithEventBus routes lifecycle events through b.
func WithEventBus(b bus.EventBus) Option {
	return func(c *Config) { c.Events = b }
}
