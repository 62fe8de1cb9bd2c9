// Package connection owns the live logical connections of the core: it dials
// sockets, serializes writes, runs the read loops, reconnects with
// exponential backoff and emits lifecycle events. One Connection exists per
// (service type, terminal/session) key; the Manager is the only writer of
// connection state.
package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Socket is the slice of a raw WebSocket the manager needs. *websocket.Conn
// satisfies it; tests substitute in-memory fakes.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens sockets. The zero GorillaDialer is the production default.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	// HandshakeTimeout bounds the upgrade handshake; the dial context still
	// applies on top of it.
	HandshakeTimeout time.Duration
}

var _ Dialer = GorillaDialer{}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	sock, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: handshake rejected with %s", url, resp.Status)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return sock, nil
}
