// Package ws holds the shared vocabulary of the WebSocket connection core:
// service types, connection statuses, message priorities, frame and event
// definitions, configuration and sentinel errors. The behavioural packages
// (connection, queue, health, classify, service) all build on it.
package ws

import "github.com/pkg/errors"

// ServiceType identifies the logical channel a connection serves. Each
// service type maps to its own backend endpoint and reconnects independently.
type ServiceType string

const (
	ServiceMain     ServiceType = "main"
	ServiceChat     ServiceType = "chat"
	ServiceTerminal ServiceType = "terminal"
)

// Valid reports whether the service type is one of the known channels.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceMain, ServiceChat, ServiceTerminal:
		return true
	}
	return false
}

func (s ServiceType) String() string { return string(s) }

// Status is the lifecycle state of a managed connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Live reports whether the status counts against the one-connection-per-key
// invariant: a live connection short-circuits duplicate connect calls.
func (s Status) Live() bool {
	return s == StatusConnecting || s == StatusConnected
}

// Priority orders outbound messages in the queue. Critical outranks high,
// high outranks normal, normal outranks low.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric weight of the priority; larger dequeues first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1 // unknown priorities behave as normal
}

// Valid reports whether the priority is one of the four defined tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority converts a wire/config string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", errors.Errorf("unknown priority '%s'", s)
	}
	return p, nil
}
