// Package server is the relay that backs the network channel transports:
// peers join channels by id and every broadcast is forwarded to the other
// members of the channel. The relay never inspects payloads.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	dsquic "github.com/zeusync/docsync/internal/core/channel/quic"
	dsws "github.com/zeusync/docsync/internal/core/channel/websocket"
	"github.com/zeusync/docsync/internal/core/observability/log"
)

// Config holds server configuration
type Config struct {
	// Network settings. An empty address disables that listener.
	WebSocketAddr string
	QUICAddr      string

	// Peer settings
	MaxPeersPerChannel int
	PeerQueueSize      int
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxMessageSize     int64

	// HTTP surface
	WebSocketPath  string
	MetricsPath    string
	AllowedOrigins []string

	// TLS for QUIC. When TLSConfig is nil the key pair files are loaded, and
	// when those are empty a self-signed certificate is generated.
	TLSConfig *tls.Config
	CertFile  string
	KeyFile   string

	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		WebSocketAddr:      "127.0.0.1:8080",
		QUICAddr:           "",
		MaxPeersPerChannel: 256,
		PeerQueueSize:      256,
		WriteTimeout:       10 * time.Second,
		PingInterval:       30 * time.Second,
		MaxMessageSize:     16 << 20,
		WebSocketPath:      "/ws",
		MetricsPath:        "/metrics",
		ShutdownTimeout:    5 * time.Second,
	}
}

func (c Config) validate() error {
	if c.WebSocketAddr == "" && c.QUICAddr == "" {
		return fmt.Errorf("%w: no listener configured", ErrInvalidConfig)
	}
	if c.PeerQueueSize <= 0 {
		return fmt.Errorf("%w: peer queue size must be positive", ErrInvalidConfig)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("%w: cert and key files must be set together", ErrInvalidConfig)
	}
	return nil
}

// Server represents a relay server
type Server struct {
	config Config
	hub    *Hub
	logger log.Log

	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	httpLn     net.Listener
	quicLn     *quic.Listener
	group      *errgroup.Group
	cancel     context.CancelFunc

	peers   sync.Map // map[string]*peer
	running atomic.Bool
	closed  atomic.Bool
}

// NewServer creates a relay. Zero fields of config fall back to DefaultServerConfig.
func NewServer(config Config, hub *Hub, logger log.Log) (*Server, error) {
	defaults := DefaultServerConfig()
	if config.PeerQueueSize == 0 {
		config.PeerQueueSize = defaults.PeerQueueSize
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.WebSocketPath == "" {
		config.WebSocketPath = defaults.WebSocketPath
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if hub == nil {
		hub = NewHub(config.MaxPeersPerChannel)
	}
	if logger == nil {
		logger = log.Provide()
	}

	s := &Server{
		config: config,
		hub:    hub,
		logger: logger.With(log.String("component", "relay")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Hub returns the room registry.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP surface: the websocket endpoint, health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.config.MetricsPath != "" {
		mux.Handle(s.config.MetricsPath, promhttp.Handler())
	}
	return mux
}

// Start binds the configured listeners and serves them in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	s.group = group

	if s.config.WebSocketAddr != "" {
		ln, err := net.Listen("tcp", s.config.WebSocketAddr)
		if err != nil {
			cancel()
			s.running.Store(false)
			return fmt.Errorf("listen websocket %s: %w", s.config.WebSocketAddr, err)
		}
		s.httpLn = ln
		s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		s.logger.Info("WebSocket relay listening", log.String("addr", ln.Addr().String()))
		group.Go(func() error {
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if s.config.QUICAddr != "" {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			cancel()
			s.running.Store(false)
			return err
		}
		ln, err := quic.ListenAddr(s.config.QUICAddr, tlsConfig, dsquic.QUICConfig(0, 0))
		if err != nil {
			cancel()
			s.running.Store(false)
			return fmt.Errorf("listen quic %s: %w", s.config.QUICAddr, err)
		}
		s.quicLn = ln
		s.logger.Info("QUIC relay listening", log.String("addr", ln.Addr().String()))
		group.Go(func() error { return s.acceptQUIC(ctx, ln) })
	}

	return nil
}

// Wait blocks until every listener has stopped.
func (s *Server) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// WebSocketAddr returns the bound websocket address, or nil.
func (s *Server) WebSocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// QUICAddr returns the bound QUIC address, or nil.
func (s *Server) QUICAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quicLn == nil {
		return nil
	}
	return s.quicLn.Addr()
}

// Stop closes the listeners and every connected peer.
func (s *Server) Stop() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	cancel, httpServer, quicLn := s.cancel, s.httpServer, s.quicLn
	s.mu.Unlock()

	var errs error
	if cancel != nil {
		cancel()
	}
	if httpServer != nil {
		ctx, done := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		errs = errors.Join(errs, httpServer.Shutdown(ctx))
		done()
	}
	if quicLn != nil {
		errs = errors.Join(errs, quicLn.Close())
	}
	s.peers.Range(func(_, value any) bool {
		value.(*peer).close()
		return true
	})
	errs = errors.Join(errs, s.Wait())
	s.logger.Info("Relay stopped")
	return errs
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		return
	}
	conn := dsws.NewConn(ws, s.config.WriteTimeout, s.config.MaxMessageSize, s.config.PingInterval)
	s.servePeer(newPeer(conn, "websocket", s.hub, s.config.PeerQueueSize,
		s.logger.With(log.String("remote_addr", r.RemoteAddr))))
}

func (s *Server) acceptQUIC(ctx context.Context, ln *quic.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept quic: %w", err)
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				s.logger.Warn("QUIC stream accept failed", log.String("remote_addr", conn.RemoteAddr().String()), log.Error(err))
				_ = conn.CloseWithError(1, "no stream")
				return
			}
			s.servePeer(newPeer(dsquic.NewConn(conn, stream), "quic", s.hub, s.config.PeerQueueSize,
				s.logger.With(log.String("remote_addr", conn.RemoteAddr().String()))))
		}()
	}
}

func (s *Server) servePeer(p *peer) {
	s.peers.Store(p.id, p)
	defer s.peers.Delete(p.id)
	if s.closed.Load() {
		p.close()
		return
	}
	p.serve()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.config.TLSConfig != nil {
		cfg := s.config.TLSConfig.Clone()
		cfg.NextProtos = []string{dsquic.ALPN}
		return cfg, nil
	}
	if s.config.CertFile != "" {
		return loadTLSConfig(s.config.CertFile, s.config.KeyFile)
	}
	host, _, err := net.SplitHostPort(s.config.QUICAddr)
	if err != nil || host == "" {
		host = "localhost"
	}
	s.logger.Warn("No TLS certificate configured, generating a self-signed one", log.String("host", host))
	cfg, _, err := SelfSignedTLSConfig(host)
	return cfg, err
}
