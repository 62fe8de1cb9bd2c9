// Package injector assembles the messaging core with google/wire. The
// generated injectors live in wire_gen.go; rerun the wire tool after
// changing the provider set.
package injector

import (
	"github.com/google/wire"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
	"github.com/penthoy/icotes-sub001/internal/core/ws/connection"
	"github.com/penthoy/icotes-sub001/internal/core/ws/service"
)

// ProviderSet wires the full messaging core: config in, service out.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideDialer,
	service.New,
	wire.Bind(new(log.Log), new(*log.Logger)),
)

// ProvideLogger returns the process-wide logger tuned to the configured level.
func ProvideLogger(cfg ws.Config) *log.Logger {
	lg := log.Provide()
	lg.SetLevel(cfg.LogLevel)
	return lg
}

// ProvideDialer builds the production gorilla dialer with the configured
// handshake timeout.
func ProvideDialer(cfg ws.Config) connection.Dialer {
	return connection.GorillaDialer{HandshakeTimeout: cfg.ConnectTimeout}
}
