// Package frame is the envelope the network transports and the relay exchange.
//
// Layout:
//
//	magic 'D' | version | kind | uvarint len(channel) | channel | uvarint len(event) | event | payload
//
// The payload runs to the end of the frame; stream transports prefix each
// frame with its length (see WriteTo / ReadFrom).
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeusync/docsync/pkg/generic"
)

const (
	magic   byte = 'D'
	version byte = 1

	// MaxSize bounds a single frame on stream transports.
	MaxSize = 16 << 20
)

// Kind is the frame type.
type Kind byte

const (
	// KindJoin asks the relay to add the sender to Channel.
	KindJoin Kind = iota + 1
	// KindAck confirms a join.
	KindAck
	// KindBroadcast carries Event/Payload to every other member of Channel.
	KindBroadcast
	// KindLeave removes the sender from Channel.
	KindLeave
	// KindError reports a relay-side failure; Payload holds the message.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindAck:
		return "ack"
	case KindBroadcast:
		return "broadcast"
	case KindLeave:
		return "leave"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

var (
	ErrInvalidFrame = errors.New("invalid frame")
	ErrFrameTooBig  = errors.New("frame too big")
)

// Frame is one envelope.
type Frame struct {
	Kind    Kind
	Channel string
	Event   string
	Payload []byte
}

var bufPool = generic.NewPool(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 512)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// AppendTo appends the encoding of f to dst.
func (f Frame) AppendTo(dst []byte) []byte {
	dst = append(dst, magic, version, byte(f.Kind))
	dst = binary.AppendUvarint(dst, uint64(len(f.Channel)))
	dst = append(dst, f.Channel...)
	dst = binary.AppendUvarint(dst, uint64(len(f.Event)))
	dst = append(dst, f.Event...)
	return append(dst, f.Payload...)
}

// Marshal returns the encoding of f.
func (f Frame) Marshal() []byte {
	return f.AppendTo(make([]byte, 0, 3+2*binary.MaxVarintLen64+len(f.Channel)+len(f.Event)+len(f.Payload)))
}

// Unmarshal decodes data. Payload aliases data.
func Unmarshal(data []byte) (Frame, error) {
	if len(data) < 3 || data[0] != magic {
		return Frame{}, fmt.Errorf("%w: bad header", ErrInvalidFrame)
	}
	if data[1] != version {
		return Frame{}, fmt.Errorf("%w: version %d", ErrInvalidFrame, data[1])
	}
	f := Frame{Kind: Kind(data[2])}
	if f.Kind < KindJoin || f.Kind > KindError {
		return Frame{}, fmt.Errorf("%w: %s", ErrInvalidFrame, f.Kind)
	}
	rest := data[3:]

	channel, rest, err := readString(rest)
	if err != nil {
		return Frame{}, err
	}
	event, rest, err := readString(rest)
	if err != nil {
		return Frame{}, err
	}
	f.Channel = channel
	f.Event = event
	f.Payload = rest
	return f, nil
}

func readString(b []byte) (string, []byte, error) {
	n, size := binary.Uvarint(b)
	if size <= 0 {
		return "", nil, fmt.Errorf("%w: bad length", ErrInvalidFrame)
	}
	b = b[size:]
	if n > uint64(len(b)) {
		return "", nil, fmt.Errorf("%w: truncated", ErrInvalidFrame)
	}
	return string(b[:n]), b[n:], nil
}

// WriteTo writes f to w prefixed with its 4-byte big-endian length.
func WriteTo(w io.Writer, f Frame) error {
	buf := bufPool.Get()
	defer bufPool.Put(buf)

	var scratch [binary.MaxVarintLen64]byte
	buf.Write([]byte{0, 0, 0, 0, magic, version, byte(f.Kind)})
	buf.Write(binary.AppendUvarint(scratch[:0], uint64(len(f.Channel))))
	buf.WriteString(f.Channel)
	buf.Write(binary.AppendUvarint(scratch[:0], uint64(len(f.Event))))
	buf.WriteString(f.Event)
	buf.Write(f.Payload)

	body := buf.Bytes()
	if len(body)-4 > MaxSize {
		return ErrFrameTooBig
	}
	binary.BigEndian.PutUint32(body[:4], uint32(len(body)-4))
	_, err := w.Write(body)
	return err
}

// ReadFrom reads one length-prefixed frame from r.
func ReadFrom(r io.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxSize {
		return Frame{}, ErrFrameTooBig
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, err
	}
	return Unmarshal(data)
}
