package provider

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid provider config")
	// ErrResyncIntervalTooShort is returned by New for a resync interval
	// below MinResyncInterval.
	ErrResyncIntervalTooShort = errors.New("resync interval of less than 3 seconds")
	ErrDestroyed              = errors.New("provider destroyed")
	ErrNoSaveHook             = errors.New("no save hook configured")
)
