//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/docsync/internal/core/config"
	"github.com/zeusync/docsync/internal/server"
)

func InitializeServer(file *config.File) (*server.Server, error) {
	wire.Build(ServerSet)
	return nil, nil
}
