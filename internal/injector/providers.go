// Package injector assembles the relay from its configuration file.
package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/docsync/internal/core/config"
	"github.com/zeusync/docsync/internal/core/observability/log"
	"github.com/zeusync/docsync/internal/server"
)

// ServerSet provides a relay server from a *config.File.
var ServerSet = wire.NewSet(
	ProvideLogger,
	ProvideServerConfig,
	ProvideHub,
	server.NewServer,
)

// ProvideLogger builds and installs the process logger.
func ProvideLogger(file *config.File) log.Log {
	return log.New(file.Level())
}

func ProvideServerConfig(file *config.File) server.Config {
	c := server.DefaultServerConfig()
	s := file.Server
	c.WebSocketAddr = s.WebSocketAddr
	c.QUICAddr = s.QUICAddr
	c.CertFile = s.CertFile
	c.KeyFile = s.KeyFile
	c.AllowedOrigins = s.AllowedOrigins
	if s.MaxPeersPerChannel > 0 {
		c.MaxPeersPerChannel = s.MaxPeersPerChannel
	}
	if s.PeerQueueSize > 0 {
		c.PeerQueueSize = s.PeerQueueSize
	}
	if s.WriteTimeout > 0 {
		c.WriteTimeout = s.WriteTimeout
	}
	if s.PingInterval > 0 {
		c.PingInterval = s.PingInterval
	}
	if s.MaxMessageSize > 0 {
		c.MaxMessageSize = s.MaxMessageSize
	}
	if s.MetricsPath != "" {
		c.MetricsPath = s.MetricsPath
	}
	return c
}

func ProvideHub(c server.Config) *server.Hub {
	return server.NewHub(c.MaxPeersPerChannel)
}
