// Package quic joins a channel through a relay over a QUIC stream. Frames are
// length-prefixed on a single bidirectional stream.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/channel/frame"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// ALPN is the application protocol negotiated by client and relay.
const ALPN = "docsync/1"

// Config holds the client settings.
type Config struct {
	// Addr is the relay's host:port.
	Addr            string
	TLSConfig       *tls.Config
	JoinTimeout     time.Duration
	KeepAlivePeriod time.Duration
	MaxIdleTimeout  time.Duration
	Logger          log.Log
}

// QUICConfig returns the quic-go settings shared by client and relay.
func QUICConfig(keepAlive, maxIdle time.Duration) *quic.Config {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	if maxIdle <= 0 {
		maxIdle = time.Minute
	}
	return &quic.Config{
		KeepAlivePeriod:       keepAlive,
		MaxIdleTimeout:        maxIdle,
		MaxIncomingStreams:    4,
		MaxIncomingUniStreams: -1,
	}
}

// New returns a channel for id joined through the relay at config.Addr.
func New(id string, config Config) *channel.Remote {
	logger := config.Logger
	if logger == nil {
		logger = log.Provide()
	}
	logger = logger.With(log.String("transport", "quic"), log.String("addr", config.Addr))

	dial := func(ctx context.Context) (channel.FrameConn, error) {
		tlsConfig := &tls.Config{}
		if config.TLSConfig != nil {
			tlsConfig = config.TLSConfig.Clone()
		}
		tlsConfig.NextProtos = []string{ALPN}
		if tlsConfig.ServerName == "" {
			if host, _, err := net.SplitHostPort(config.Addr); err == nil {
				tlsConfig.ServerName = host
			} else {
				tlsConfig.ServerName = config.Addr
			}
		}

		conn, err := quic.DialAddr(ctx, config.Addr, tlsConfig, QUICConfig(config.KeepAlivePeriod, config.MaxIdleTimeout))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", config.Addr, err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "open stream failed")
			return nil, fmt.Errorf("open stream to %s: %w", config.Addr, err)
		}
		return NewConn(conn, stream), nil
	}

	return channel.NewRemote(id, dial, channel.RemoteConfig{
		JoinTimeout: config.JoinTimeout,
		Logger:      logger,
	})
}

// Conn adapts a QUIC connection and its stream to channel.FrameConn.
type Conn struct {
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
	once    sync.Once
}

var _ channel.FrameConn = (*Conn)(nil)

func NewConn(conn *quic.Conn, stream *quic.Stream) *Conn {
	return &Conn{conn: conn, stream: stream}
}

func (c *Conn) WriteFrame(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := frame.WriteTo(c.stream, f); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Conn) ReadFrame() (frame.Frame, error) {
	return frame.ReadFrom(c.stream)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.stream.Close()
		c.writeMu.Unlock()
		err = c.conn.CloseWithError(0, "closed")
	})
	return err
}
