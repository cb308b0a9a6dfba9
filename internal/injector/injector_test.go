package injector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/docsync/internal/core/config"
)

func TestProvideServerConfig(t *testing.T) {
	file := config.Default()
	file.Server.WebSocketAddr = "127.0.0.1:0"
	file.Server.WriteTimeout = 3 * time.Second
	file.Server.PeerQueueSize = 0

	c := ProvideServerConfig(&file)
	assert.Equal(t, "127.0.0.1:0", c.WebSocketAddr)
	assert.Equal(t, 3*time.Second, c.WriteTimeout)
	assert.Equal(t, 256, c.PeerQueueSize, "zero keeps the relay default")
}

func TestInitializeServer(t *testing.T) {
	file := config.Default()
	file.LogLevel = "error"
	file.Server.WebSocketAddr = "127.0.0.1:0"

	srv, err := InitializeServer(&file)
	require.NoError(t, err)
	require.NotNil(t, srv.Hub())

	file.Server.WebSocketAddr = ""
	_, err = InitializeServer(&file)
	assert.Error(t, err)
}
