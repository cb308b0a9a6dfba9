// Package channel defines the publish/subscribe transport the sync provider
// talks through. A channel carries two logical message kinds for one
// document, identified by an opaque channel id.
package channel

import (
	"context"
	"fmt"
)

// Event names a logical message kind on a channel.
type Event string

const (
	// EventMessage carries a document update, incremental or full state.
	EventMessage Event = "message"
	// EventAwareness carries a presence delta.
	EventAwareness Event = "awareness"
)

// Valid reports whether e is one of the known events.
func (e Event) Valid() bool {
	return e == EventMessage || e == EventAwareness
}

// Status is a subscription state notification.
type Status uint8

const (
	StatusSubscribed Status = iota + 1
	StatusError
	StatusTimedOut
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusError:
		return "error"
	case StatusTimedOut:
		return "timed_out"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

type (
	// Handler receives the payload of one broadcast. The payload must not be
	// retained after the handler returns unless copied.
	Handler func(payload []byte)
	// StatusHandler receives subscription state changes. err is set for
	// StatusError and may be set for StatusClosed.
	StatusHandler func(status Status, err error)
)

// Subscription is a registered handler.
type Subscription interface {
	Unsubscribe()
}

// Channel is a per-document broadcast transport. Broadcasts reach every other
// member of the channel; they are never delivered back to the sender.
// Implementations must be safe for concurrent use.
type Channel interface {
	// ID returns the channel identifier.
	ID() string
	Subscribe(event Event, handler Handler) Subscription
	SubscribeStatus(handler StatusHandler) Subscription
	// Open starts joining the channel. The join is acknowledged
	// asynchronously with StatusSubscribed.
	Open(ctx context.Context) error
	Publish(ctx context.Context, event Event, payload []byte) error
	// Close leaves the channel. After Close no handler is invoked.
	Close() error
}
