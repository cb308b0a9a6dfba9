package provider

import "github.com/zeusync/docsync/internal/core/channel"

type (
	localUpdate struct {
		update []byte
	}
	localPresence struct {
		delta []byte
	}
	remotePayload struct {
		event   channel.Event
		payload []byte
	}
	connecting    struct{}
	statusChanged struct {
		status channel.Status
		err    error
	}
	timerFired struct {
		kind timerKind
		gen  uint64
	}
	loadDone struct {
		gen      uint64
		snapshot []byte
		err      error
	}
	saveDone struct {
		version uint64
		err     error
		waiters []chan<- error
	}
	saveRequest struct {
		reply chan<- error
	}
	leave struct {
		done chan struct{}
	}
	barrier struct {
		done chan struct{}
	}
)
