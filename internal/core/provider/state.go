package provider

import "fmt"

// ConnectionState is the provider's view of its channel subscription.
type ConnectionState uint32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateErroring
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErroring:
		return "erroring"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}
