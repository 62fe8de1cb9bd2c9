// Package classify maps raw socket close and error events onto the
// structured error taxonomy the rest of the core acts on: ten error kinds,
// a recoverability flag, an optional retry-after hint and a recovery
// strategy. Classification itself is stateless; the classifier only keeps a
// bounded history for statistics export.
package classify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
)

// Kind partitions every failure the core can observe.
type Kind string

const (
	KindConnectionFailed   Kind = "connection_failed"
	KindAuthFailed         Kind = "auth_failed"
	KindServiceUnavailable Kind = "service_unavailable"
	KindProtocolError      Kind = "protocol_error"
	KindTimeout            Kind = "timeout"
	KindNetworkError       Kind = "network_error"
	KindInvalidMessage     Kind = "invalid_message"
	KindRateLimited        Kind = "rate_limited"
	KindPermissionDenied   Kind = "permission_denied"
	KindResourceNotFound   Kind = "resource_not_found"
)

// Application close codes the backend uses beyond the RFC 6455 range.
const (
	CloseUnauthorized     = 4001
	CloseForbidden        = 4002
	CloseNotFound         = 4003
	CloseOperationTimeout = 4004
)

// WebSocketError is an immutable classification record.
type WebSocketError struct {
	Kind         Kind           `json:"kind"`
	Message      string         `json:"message"`
	Code         int            `json:"code,omitempty"`
	Recoverable  bool           `json:"recoverable"`
	RetryAfter   time.Duration  `json:"retry_after,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	ConnectionID string         `json:"connection_id,omitempty"`
	ServiceType  ws.ServiceType `json:"service_type,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func (e *WebSocketError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Origin names the connection a raw event belongs to.
type Origin struct {
	ConnectionID string
	ServiceType  ws.ServiceType
}

type classification struct {
	kind        Kind
	message     string
	recoverable bool
	retryAfter  time.Duration
}

// closeCodeTable drives close-event dispatch. Codes missing from the table
// classify as connection_failed/recoverable.
var closeCodeTable = map[int]classification{
	websocket.CloseNormalClosure:           {KindConnectionFailed, "connection closed normally", true, 0},
	websocket.CloseGoingAway:               {KindConnectionFailed, "server is going away", true, 5 * time.Second},
	websocket.CloseProtocolError:           {KindProtocolError, "protocol error", false, 0},
	websocket.CloseUnsupportedData:         {KindInvalidMessage, "unsupported message data", false, 0},
	websocket.CloseAbnormalClosure:         {KindConnectionFailed, "connection closed abnormally", true, 5 * time.Second},
	websocket.CloseInvalidFramePayloadData: {KindInvalidMessage, "invalid frame payload", false, 0},
	websocket.ClosePolicyViolation:         {KindPermissionDenied, "policy violation", false, 0},
	websocket.CloseMessageTooBig:           {KindInvalidMessage, "message too big", false, 0},
	websocket.CloseInternalServerErr:       {KindServiceUnavailable, "internal server error", true, 10 * time.Second},
	websocket.CloseServiceRestart:          {KindServiceUnavailable, "service is restarting", true, 5 * time.Second},
	websocket.CloseTryAgainLater:           {KindRateLimited, "rate limited, try again later", true, 30 * time.Second},
	1014:                                   {KindServiceUnavailable, "bad gateway", true, 10 * time.Second},
	websocket.CloseTLSHandshake:            {KindNetworkError, "tls handshake failure", false, 0},
	CloseUnauthorized:                      {KindAuthFailed, "authentication failed", false, 0},
	CloseForbidden:                         {KindPermissionDenied, "permission denied", false, 0},
	CloseNotFound:                          {KindResourceNotFound, "resource not found", false, 0},
	CloseOperationTimeout:                  {KindTimeout, "operation timed out", true, 5 * time.Second},
}

var fallbackClassification = classification{KindConnectionFailed, "connection failed", true, 0}

// Classifier produces WebSocketError records and retains a bounded history
// of them for statistics export.
type Classifier struct {
	mu      sync.Mutex
	history []*WebSocketError
	limit   int

	log log.Log
	now func() time.Time
}

// New builds a classifier keeping at most historyLimit records.
func New(historyLimit int, lg log.Log) *Classifier {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Classifier{
		history: make([]*WebSocketError, 0, historyLimit),
		limit:   historyLimit,
		log:     lg,
		now:     time.Now,
	}
}

// CategorizeClose classifies a close event by its numeric code.
func (c *Classifier) CategorizeClose(code int, reason string, origin Origin) *WebSocketError {
	cls, ok := closeCodeTable[code]
	if !ok {
		cls = fallbackClassification
	}
	e := c.build(cls, code, reason, origin)
	c.record(e)
	return e
}

// Categorize classifies an arbitrary transport error. Close errors unwrap to
// their code path; everything else is a recoverable network error.
func (c *Classifier) Categorize(err error, origin Origin) *WebSocketError {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return c.CategorizeClose(closeErr.Code, closeErr.Text, origin)
	}
	e := c.build(classification{KindNetworkError, "network error", true, 0}, 0, err.Error(), origin)
	c.record(e)
	return e
}

func (c *Classifier) build(cls classification, code int, reason string, origin Origin) *WebSocketError {
	e := &WebSocketError{
		Kind:         cls.kind,
		Message:      cls.message,
		Code:         code,
		Recoverable:  cls.recoverable,
		RetryAfter:   cls.retryAfter,
		Timestamp:    c.now(),
		ConnectionID: origin.ConnectionID,
		ServiceType:  origin.ServiceType,
	}
	if reason != "" {
		e.Details = map[string]any{"reason": reason}
	}
	return e
}

// record appends to the history ring and logs with severity tied to the
// recoverable flag.
func (c *Classifier) record(e *WebSocketError) {
	c.mu.Lock()
	c.history = append(c.history, e)
	if len(c.history) > c.limit {
		c.history = c.history[len(c.history)-c.limit:]
	}
	c.mu.Unlock()

	fields := []log.Field{
		log.String("kind", string(e.Kind)),
		log.Int("code", e.Code),
		log.Bool("recoverable", e.Recoverable),
		log.String("connection_id", e.ConnectionID),
	}
	if e.Recoverable {
		c.log.Warn(e.Message, fields...)
	} else {
		c.log.Error(e.Message, fields...)
	}
}

// History returns a copy of the retained records, oldest first.
func (c *Classifier) History() []*WebSocketError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*WebSocketError, len(c.history))
	copy(out, c.history)
	return out
}

// Stats summarizes the retained history for the diagnostics export.
type Stats struct {
	Total         int             `json:"total"`
	Recoverable   int             `json:"recoverable"`
	Unrecoverable int             `json:"unrecoverable"`
	ByKind        map[Kind]int    `json:"by_kind"`
	ByCode        map[int]int     `json:"by_code"`
	Last          *WebSocketError `json:"last,omitempty"`
}

// Stats aggregates the current history ring.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		ByKind: make(map[Kind]int),
		ByCode: make(map[int]int),
	}
	for _, e := range c.history {
		s.Total++
		if e.Recoverable {
			s.Recoverable++
		} else {
			s.Unrecoverable++
		}
		s.ByKind[e.Kind]++
		if e.Code != 0 {
			s.ByCode[e.Code]++
		}
	}
	if n := len(c.history); n > 0 {
		s.Last = c.history[n-1]
	}
	return s
}
