//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
	"github.com/penthoy/icotes-sub001/internal/core/ws/service"
)

// BuildService assembles a ready-to-start messaging service from its config.
func BuildService(cfg ws.Config) (*service.Service, error) {
	wire.Build(ProviderSet)
	return nil, nil
}

// BuildRegistry assembles an empty named-service registry.
func BuildRegistry(cfg ws.Config) *service.Registry {
	wire.Build(
		ProvideLogger,
		wire.Bind(new(log.Log), new(*log.Logger)),
		service.NewRegistry,
	)
	return nil
}
