package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/docsync/internal/core/channel/frame"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// pipeConn is a FrameConn whose peer is the test.
type pipeConn struct {
	in chan frame.Frame

	mu      sync.Mutex
	written []frame.Frame
	closed  bool
	done    chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan frame.Frame, 16), done: make(chan struct{})}
}

func (c *pipeConn) WriteFrame(f frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.written = append(c.written, f)
	return nil
}

func (c *pipeConn) ReadFrame() (frame.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return frame.Frame{}, io.EOF
	}
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *pipeConn) frames() []frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame.Frame(nil), c.written...)
}

func newTestRemote(t *testing.T, conn *pipeConn, joinTimeout time.Duration) *Remote {
	t.Helper()
	dial := func(context.Context) (FrameConn, error) { return conn, nil }
	r := NewRemote("doc-1", dial, RemoteConfig{JoinTimeout: joinTimeout, Logger: log.NewNop()})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func statusRecorder(r *Remote) <-chan Status {
	ch := make(chan Status, 8)
	r.SubscribeStatus(func(status Status, _ error) { ch <- status })
	return ch
}

func expectStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s status", want)
	}
}

func TestRemoteJoinAndDispatch(t *testing.T) {
	conn := newPipeConn()
	r := newTestRemote(t, conn, time.Second)
	statuses := statusRecorder(r)

	payloads := make(chan []byte, 1)
	r.Subscribe(EventMessage, func(p []byte) { payloads <- append([]byte(nil), p...) })

	assert.ErrorIs(t, r.Publish(context.Background(), EventMessage, []byte("x")), ErrNotOpen)
	require.NoError(t, r.Open(context.Background()))
	assert.ErrorIs(t, r.Open(context.Background()), ErrAlreadyOpen)

	written := conn.frames()
	require.Len(t, written, 1)
	assert.Equal(t, frame.KindJoin, written[0].Kind)
	assert.Equal(t, "doc-1", written[0].Channel)

	conn.in <- frame.Frame{Kind: frame.KindAck, Channel: "doc-1"}
	expectStatus(t, statuses, StatusSubscribed)

	require.NoError(t, r.Publish(context.Background(), EventAwareness, []byte("hi")))
	written = conn.frames()
	require.Len(t, written, 2)
	assert.Equal(t, frame.KindBroadcast, written[1].Kind)
	assert.Equal(t, string(EventAwareness), written[1].Event)

	conn.in <- frame.Frame{Kind: frame.KindBroadcast, Channel: "other", Event: "message", Payload: []byte("no")}
	conn.in <- frame.Frame{Kind: frame.KindBroadcast, Channel: "doc-1", Event: "bogus", Payload: []byte("no")}
	conn.in <- frame.Frame{Kind: frame.KindBroadcast, Channel: "doc-1", Event: "message", Payload: []byte("yes")}
	select {
	case p := <-payloads:
		assert.Equal(t, []byte("yes"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not dispatched")
	}
}

func TestRemotePublishValidation(t *testing.T) {
	r := newTestRemote(t, newPipeConn(), time.Second)
	assert.ErrorIs(t, r.Publish(context.Background(), Event("nope"), nil), ErrUnknownEvent)
	assert.ErrorIs(t, r.Publish(context.Background(), EventMessage, make([]byte, frame.MaxSize)), ErrPayloadTooBig)
}

func TestRemoteJoinTimeout(t *testing.T) {
	conn := newPipeConn()
	r := newTestRemote(t, conn, 20*time.Millisecond)
	statuses := statusRecorder(r)

	require.NoError(t, r.Open(context.Background()))
	expectStatus(t, statuses, StatusTimedOut)

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed)
}

func TestRemoteRelayError(t *testing.T) {
	conn := newPipeConn()
	r := newTestRemote(t, conn, time.Second)

	errs := make(chan error, 1)
	r.SubscribeStatus(func(status Status, err error) {
		if status == StatusError {
			errs <- err
		}
	})
	require.NoError(t, r.Open(context.Background()))
	conn.in <- frame.Frame{Kind: frame.KindError, Channel: "doc-1", Payload: []byte("channel full")}

	select {
	case err := <-errs:
		assert.EqualError(t, err, "channel full")
	case <-time.After(2 * time.Second):
		t.Fatal("no error status")
	}
}

func TestRemoteReopenAfterLoss(t *testing.T) {
	first, second := newPipeConn(), newPipeConn()
	conns := []*pipeConn{first, second}
	var mu sync.Mutex
	dial := func(context.Context) (FrameConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return nil, errors.New("no more connections")
		}
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}
	r := NewRemote("doc-1", dial, RemoteConfig{Logger: log.NewNop()})
	defer func() { _ = r.Close() }()
	statuses := statusRecorder(r)

	require.NoError(t, r.Open(context.Background()))
	first.in <- frame.Frame{Kind: frame.KindAck, Channel: "doc-1"}
	expectStatus(t, statuses, StatusSubscribed)

	_ = first.Close()
	expectStatus(t, statuses, StatusClosed)

	require.NoError(t, r.Open(context.Background()))
	second.in <- frame.Frame{Kind: frame.KindAck, Channel: "doc-1"}
	expectStatus(t, statuses, StatusSubscribed)
}

func TestRemoteClose(t *testing.T) {
	conn := newPipeConn()
	r := newTestRemote(t, conn, time.Second)
	require.NoError(t, r.Open(context.Background()))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	written := conn.frames()
	require.NotEmpty(t, written)
	assert.Equal(t, frame.KindLeave, written[len(written)-1].Kind)
	assert.ErrorIs(t, r.Open(context.Background()), ErrClosed)
	assert.ErrorIs(t, r.Publish(context.Background(), EventMessage, nil), ErrClosed)
}
