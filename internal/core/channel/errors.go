package channel

import "errors"

var (
	ErrClosed        = errors.New("channel is closed")
	ErrNotOpen       = errors.New("channel is not open")
	ErrAlreadyOpen   = errors.New("channel is already open")
	ErrUnknownEvent  = errors.New("unknown channel event")
	ErrJoinTimeout   = errors.New("timed out waiting for join acknowledgement")
	ErrPayloadTooBig = errors.New("payload exceeds maximum size")
)
