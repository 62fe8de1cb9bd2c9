package ws

import "errors"

// Sentinel errors shared across the connection core. Callers are expected to
// test them with errors.Is; wrapped variants carry call-site context.
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSocketNotOpen      = errors.New("socket is not open")
	ErrManagerClosed      = errors.New("connection manager is closed")
	ErrServiceClosed      = errors.New("service is closed")
	ErrQueueClosed        = errors.New("message queue is closed")
	ErrConnectTimeout     = errors.New("timed out waiting for connection")
	ErrResponseTimeout    = errors.New("timed out waiting for response")
	ErrConnectionClosed   = errors.New("connection closed while waiting")
	ErrDiagnosticsBusy    = errors.New("diagnostics already running for connection")
	ErrTerminalIDRequired = errors.New("terminal service requires a terminal id")
	ErrInvalidServiceType = errors.New("invalid service type")
	ErrInvalidBackendURL  = errors.New("invalid backend url")
)
