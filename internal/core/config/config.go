// Package config loads the YAML configuration shared by the relay and the
// peer command.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/docsync/internal/core/observability/log"
)

var ErrInvalid = errors.New("invalid config")

// File is the on-disk configuration.
type File struct {
	LogLevel string `yaml:"log_level"`
	Server   Server `yaml:"server"`
	Peer     Peer   `yaml:"peer"`
}

// Server configures the relay.
type Server struct {
	WebSocketAddr      string        `yaml:"websocket_addr"`
	QUICAddr           string        `yaml:"quic_addr"`
	MaxPeersPerChannel int           `yaml:"max_peers_per_channel"`
	PeerQueueSize      int           `yaml:"peer_queue_size"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	MaxMessageSize     int64         `yaml:"max_message_size"`
	MetricsPath        string        `yaml:"metrics_path"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	CertFile           string        `yaml:"cert_file"`
	KeyFile            string        `yaml:"key_file"`
}

// Transport names accepted by Peer.Transport.
const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

// Storage drivers accepted by Storage.Driver.
const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverBadger = "badger"
)

// Peer configures a document peer.
type Peer struct {
	Channel            string        `yaml:"channel"`
	ClientID           uint32        `yaml:"client_id"`
	Transport          string        `yaml:"transport"`
	URL                string        `yaml:"url"`
	QUICAddr           string        `yaml:"quic_addr"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	JoinTimeout        time.Duration `yaml:"join_timeout"`
	ResyncInterval     time.Duration `yaml:"resync_interval"`
	DisableResync      bool          `yaml:"disable_resync"`
	UpdateDebounce     time.Duration `yaml:"update_debounce"`
	AwarenessDebounce  time.Duration `yaml:"awareness_debounce"`
	SaveDebounce       time.Duration `yaml:"save_debounce"`
	PresenceTimeout    time.Duration `yaml:"presence_timeout"`
	Storage            Storage       `yaml:"storage"`
}

// Storage selects where a peer persists snapshots.
type Storage struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	return File{
		LogLevel: "info",
		Server: Server{
			WebSocketAddr:      "127.0.0.1:8080",
			MaxPeersPerChannel: 256,
			PeerQueueSize:      256,
			WriteTimeout:       10 * time.Second,
			PingInterval:       30 * time.Second,
			MaxMessageSize:     16 << 20,
			MetricsPath:        "/metrics",
		},
		Peer: Peer{
			Transport:         TransportWebSocket,
			URL:               "ws://127.0.0.1:8080/ws",
			JoinTimeout:       10 * time.Second,
			ResyncInterval:    5 * time.Second,
			UpdateDebounce:    500 * time.Millisecond,
			AwarenessDebounce: time.Second,
			SaveDebounce:      time.Second,
			PresenceTimeout:   30 * time.Second,
			Storage:           Storage{Driver: DriverNone},
		},
	}
}

// Load decodes YAML from r over the defaults and validates the result.
func Load(r io.Reader) (*File, error) {
	f := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile is Load on the file at path.
func LoadFile(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fd.Close()
	return Load(fd)
}

// Level returns the parsed log level.
func (f *File) Level() log.Level {
	level, err := log.ParseLevel(f.LogLevel)
	if err != nil {
		return log.LevelInfo
	}
	return level
}

func (f *File) Validate() error {
	if _, err := log.ParseLevel(f.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if f.Server.PeerQueueSize < 0 || f.Server.MaxPeersPerChannel < 0 {
		return fmt.Errorf("%w: server limits must not be negative", ErrInvalid)
	}
	switch f.Peer.Transport {
	case TransportWebSocket, TransportQUIC:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, f.Peer.Transport)
	}
	switch f.Peer.Storage.Driver {
	case DriverNone, DriverMemory:
	case DriverBadger:
		if f.Peer.Storage.Path == "" {
			return fmt.Errorf("%w: badger storage needs a path", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, f.Peer.Storage.Driver)
	}
	if !f.Peer.DisableResync && f.Peer.ResyncInterval != 0 && f.Peer.ResyncInterval < 3*time.Second {
		return fmt.Errorf("%w: resync interval of less than 3 seconds", ErrInvalid)
	}
	if f.Peer.PresenceTimeout < 0 {
		return fmt.Errorf("%w: negative presence timeout", ErrInvalid)
	}
	return nil
}
