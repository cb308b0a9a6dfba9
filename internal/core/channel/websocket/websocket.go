// Package websocket joins a channel through a relay over a WebSocket.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/docsync/internal/core/channel"
	"github.com/zeusync/docsync/internal/core/channel/frame"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// Config holds the client settings.
type Config struct {
	// URL of the relay endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL          string
	Header       http.Header
	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval sends keep-alive pings; zero disables them.
	PingInterval   time.Duration
	MaxMessageSize int64
	Dialer         *websocket.Dialer
	Logger         log.Log
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		JoinTimeout:    channel.DefaultJoinTimeout,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: frame.MaxSize,
	}
}

// New returns a channel for id joined through the relay at config.URL.
func New(id string, config Config) *channel.Remote {
	defaults := DefaultConfig(config.URL)
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Provide()
	}
	logger = logger.With(log.String("transport", "websocket"), log.String("url", config.URL))

	dial := func(ctx context.Context) (channel.FrameConn, error) {
		ws, resp, err := config.Dialer.DialContext(ctx, config.URL, config.Header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %s: %w", config.URL, resp.Status, err)
			}
			return nil, fmt.Errorf("dial %s: %w", config.URL, err)
		}
		return NewConn(ws, config.WriteTimeout, config.MaxMessageSize, config.PingInterval), nil
	}

	return channel.NewRemote(id, dial, channel.RemoteConfig{
		JoinTimeout: config.JoinTimeout,
		Logger:      logger,
	})
}

// Conn adapts a websocket connection to channel.FrameConn. Each frame travels
// as one binary message. The relay uses it for its side of the socket too.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closeMu sync.Once
	done    chan struct{}
}

var _ channel.FrameConn = (*Conn)(nil)

// NewConn wraps ws. When pingInterval is positive a goroutine pings the peer
// until the connection is closed.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration, maxMessageSize int64, pingInterval time.Duration) *Conn {
	if maxMessageSize > 0 {
		ws.SetReadLimit(maxMessageSize)
	}
	c := &Conn{ws: ws, writeTimeout: writeTimeout, done: make(chan struct{})}
	if pingInterval > 0 {
		go c.keepAlive(pingInterval)
	}
	return c
}

func (c *Conn) WriteFrame(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, f.Marshal()); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Conn) ReadFrame() (frame.Frame, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return frame.Frame{}, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return frame.Unmarshal(data)
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeMu.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *Conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
