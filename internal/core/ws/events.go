package ws

import "time"

// EventType enumerates the lifecycle and traffic notifications the manager
// emits and the service republishes.
type EventType string

const (
	EventConnectionCreated EventType = "connection_created"
	EventConnectionOpened  EventType = "connection_opened"
	EventConnectionClosed  EventType = "connection_closed"
	EventConnectionError   EventType = "connection_error"
	EventConnectionRemoved EventType = "connection_removed"
	EventReconnecting      EventType = "reconnecting"
	EventMessage           EventType = "message"
	EventError             EventType = "error"
)

// Event is a single notification. Raw carries the wire payload on manager
// message events; Frame carries the decoded form once the service has
// processed it. Err is set on error events only.
type Event struct {
	Type         EventType      `json:"type"`
	ConnectionID string         `json:"connection_id,omitempty"`
	ServiceType  ServiceType    `json:"service_type,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Raw          []byte         `json:"-"`
	Frame        *Frame         `json:"frame,omitempty"`
	Err          error          `json:"-"`
	CloseCode    int            `json:"close_code,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// EventHandler consumes events. Handlers wired as the manager's sink run on
// the emitting goroutine and must not block.
type EventHandler func(Event)
