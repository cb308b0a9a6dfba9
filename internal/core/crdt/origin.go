package crdt

// Origin tags an update with where it came from. It travels alongside an
// update at the call site and is never serialized.
type Origin uint8

const (
	// OriginLocal marks edits made by this replica. Only these are broadcast.
	OriginLocal Origin = iota
	// OriginRemote marks payloads received from the network.
	OriginRemote
	// OriginSelf marks mutations the sync machinery performs on its own
	// behalf, such as applying a persisted snapshot or evicting peers.
	OriginSelf
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginSelf:
		return "self"
	default:
		return "unknown"
	}
}
