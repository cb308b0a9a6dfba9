package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrUnknownTransport = errors.New("unknown transport")
	ErrUnknownStorage   = errors.New("unknown storage driver")
)
