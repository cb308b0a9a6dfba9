package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrInvalidConfig        = errors.New("invalid server configuration")
	ErrNotJoined            = errors.New("peer has not joined the channel")
	ErrPeerQueueFull        = errors.New("peer send queue is full")
	ErrPeerClosed           = errors.New("peer is closed")
	ErrMaxPeersReached      = errors.New("maximum peers per channel reached")
)
