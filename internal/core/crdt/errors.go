package crdt

import "errors"

var (
	ErrMalformedUpdate    = errors.New("malformed update")
	ErrUnsupportedVersion = errors.New("unsupported update version")
)
