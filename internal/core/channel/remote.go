package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeusync/docsync/internal/core/channel/frame"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// FrameConn is a connection to a relay that exchanges whole frames.
// WriteFrame must be safe for concurrent use; ReadFrame is called from a
// single goroutine.
type FrameConn interface {
	WriteFrame(f frame.Frame) error
	ReadFrame() (frame.Frame, error)
	Close() error
}

// Dialer opens a FrameConn.
type Dialer func(ctx context.Context) (FrameConn, error)

// RemoteConfig tunes a relay-backed channel.
type RemoteConfig struct {
	// JoinTimeout bounds the wait for the relay's join acknowledgement.
	JoinTimeout time.Duration
	// MaxPayload rejects larger publishes locally. Zero means frame.MaxSize.
	MaxPayload int
	Logger     log.Log
}

const DefaultJoinTimeout = 10 * time.Second

// Remote is a Channel joined through a relay over some FrameConn. It is the
// shared implementation behind the websocket and quic transports.
type Remote struct {
	Handlers

	id     string
	dial   Dialer
	config RemoteConfig
	logger log.Log

	mu        sync.Mutex
	conn      FrameConn
	gen       uint64
	joined    bool
	joinTimer *time.Timer
	closed    bool
}

var _ Channel = (*Remote)(nil)

// NewRemote creates a channel that reaches channel id through dial.
func NewRemote(id string, dial Dialer, config RemoteConfig) *Remote {
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}
	if config.MaxPayload <= 0 {
		config.MaxPayload = frame.MaxSize - 1024
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Provide()
	}
	return &Remote{
		id:     id,
		dial:   dial,
		config: config,
		logger: logger.With(log.String("channel", id)),
	}
}

func (r *Remote) ID() string { return r.id }

// Open dials the relay and sends the join request. Open may be called again
// after the connection failed.
func (r *Remote) Open(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case r.conn != nil:
		r.mu.Unlock()
		return ErrAlreadyOpen
	}
	r.mu.Unlock()

	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed || r.conn != nil {
		r.mu.Unlock()
		_ = conn.Close()
		if r.closed {
			return ErrClosed
		}
		return ErrAlreadyOpen
	}
	r.gen++
	gen := r.gen
	r.conn = conn
	r.joined = false
	r.joinTimer = time.AfterFunc(r.config.JoinTimeout, func() {
		r.fail(gen, StatusTimedOut, ErrJoinTimeout)
	})
	r.mu.Unlock()

	go r.readLoop(conn, gen)

	if err := conn.WriteFrame(frame.Frame{Kind: frame.KindJoin, Channel: r.id}); err != nil {
		r.fail(gen, StatusError, err)
		return err
	}
	r.logger.Debug("Join requested")
	return nil
}

func (r *Remote) Publish(_ context.Context, event Event, payload []byte) error {
	if !event.Valid() {
		return ErrUnknownEvent
	}
	if len(payload) > r.config.MaxPayload {
		return ErrPayloadTooBig
	}
	r.mu.Lock()
	conn, joined, closed := r.conn, r.joined, r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil || !joined {
		return ErrNotOpen
	}
	return conn.WriteFrame(frame.Frame{
		Kind:    frame.KindBroadcast,
		Channel: r.id,
		Event:   string(event),
		Payload: payload,
	})
}

func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.joined = false
	if r.joinTimer != nil {
		r.joinTimer.Stop()
	}
	r.mu.Unlock()

	r.Seal(0, nil)
	if conn == nil {
		return nil
	}
	_ = conn.WriteFrame(frame.Frame{Kind: frame.KindLeave, Channel: r.id})
	return conn.Close()
}

func (r *Remote) readLoop(conn FrameConn, gen uint64) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			r.fail(gen, StatusClosed, err)
			return
		}
		if f.Channel != r.id {
			r.logger.Warn("Dropping frame for foreign channel", log.String("frame_channel", f.Channel))
			continue
		}

		switch f.Kind {
		case frame.KindAck:
			r.mu.Lock()
			current := gen == r.gen && r.conn != nil
			if current {
				r.joined = true
				r.joinTimer.Stop()
			}
			r.mu.Unlock()
			if current {
				r.logger.Debug("Join acknowledged")
				r.Notify(StatusSubscribed, nil)
			}
		case frame.KindBroadcast:
			event := Event(f.Event)
			if !event.Valid() {
				r.logger.Warn("Dropping unknown event", log.String("event", f.Event))
				continue
			}
			r.Dispatch(event, f.Payload)
		case frame.KindError:
			r.fail(gen, StatusError, errors.New(string(f.Payload)))
			return
		default:
			r.logger.Warn("Unexpected frame", log.String("kind", f.Kind.String()))
		}
	}
}

// fail tears down the connection of generation gen and reports status.
func (r *Remote) fail(gen uint64, status Status, err error) {
	r.mu.Lock()
	if gen != r.gen || r.conn == nil {
		r.mu.Unlock()
		return
	}
	conn := r.conn
	r.conn = nil
	r.joined = false
	r.joinTimer.Stop()
	r.mu.Unlock()

	_ = conn.Close()
	r.logger.Warn("Channel connection lost", log.String("status", status.String()), log.Error(err))
	r.Notify(status, err)
}
