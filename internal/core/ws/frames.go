package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameType tags a decoded inbound frame. The set mirrors what the backend
// emits; anything else decodes as FrameUnknown and passes through untouched.
type FrameType string

const (
	FrameMessage          FrameType = "message"
	FrameMessageStream    FrameType = "message_stream"
	FrameStreamStart      FrameType = "stream_start"
	FrameStreamChunk      FrameType = "stream_chunk"
	FrameStreamEnd        FrameType = "stream_end"
	FrameStreamStopped    FrameType = "stream_stopped"
	FrameTyping           FrameType = "typing"
	FrameAgentStatus      FrameType = "agent_status"
	FrameError            FrameType = "error"
	FrameConnected        FrameType = "connected"
	FrameConfig           FrameType = "config"
	FrameToolCallStart    FrameType = "tool_call_start"
	FrameToolCallProgress FrameType = "tool_call_progress"
	FrameToolCallComplete FrameType = "tool_call_complete"
	FrameToolCallError    FrameType = "tool_call_error"
	FramePing             FrameType = "ping"
	FramePong             FrameType = "pong"
	FrameHeartbeat        FrameType = "heartbeat"
	FrameWelcome          FrameType = "welcome"
	FrameSubscribed       FrameType = "subscribed"
	FrameUnsubscribed     FrameType = "unsubscribed"
	FrameFilesystemEvent  FrameType = "filesystem_event"
	FrameHopEvent         FrameType = "hop_event"
	FrameBatch            FrameType = "batch"

	// FrameRawData wraps payloads that are not JSON, e.g. terminal output.
	FrameRawData FrameType = "raw_data"
	// FrameUnknown carries well-formed JSON with an unrecognized type tag.
	FrameUnknown FrameType = "unknown"
)

var knownFrameTypes = map[FrameType]struct{}{
	FrameMessage: {}, FrameMessageStream: {}, FrameStreamStart: {},
	FrameStreamChunk: {}, FrameStreamEnd: {}, FrameStreamStopped: {},
	FrameTyping: {}, FrameAgentStatus: {}, FrameError: {}, FrameConnected: {},
	FrameConfig: {}, FrameToolCallStart: {}, FrameToolCallProgress: {},
	FrameToolCallComplete: {}, FrameToolCallError: {}, FramePing: {},
	FramePong: {}, FrameHeartbeat: {}, FrameWelcome: {}, FrameSubscribed: {},
	FrameUnsubscribed: {}, FrameFilesystemEvent: {}, FrameHopEvent: {},
	FrameBatch: {},
}

// Known reports whether the type is part of the recognized backend set.
func (t FrameType) Known() bool {
	_, ok := knownFrameTypes[t]
	return ok
}

// Frame is an inbound payload after decoding. Raw always holds the original
// bytes so consumers needing exact wire content never re-serialize.
type Frame struct {
	Type      FrameType      `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Raw       []byte         `json:"-"`
}

// DecodeFrame parses an inbound payload. Non-JSON input becomes a raw_data
// pseudo-frame carrying the payload verbatim; JSON without a recognized type
// becomes FrameUnknown but keeps every parsed field.
func DecodeFrame(raw []byte) Frame {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Frame{
			Type:   FrameRawData,
			Fields: map[string]any{"type": string(FrameRawData), "data": string(raw)},
			Raw:    raw,
		}
	}
	f := Frame{Type: FrameUnknown, Fields: fields, Raw: raw}
	if s, ok := fields["type"].(string); ok && FrameType(s).Known() {
		f.Type = FrameType(s)
	}
	if s, ok := fields["id"].(string); ok {
		f.ID = s
	}
	if n, ok := fields["timestamp"].(float64); ok {
		f.Timestamp = int64(n)
	}
	return f
}

// Envelope copies the payload and merges in a generated message id and a
// millisecond timestamp, returning the stamped copy and the id.
func Envelope(payload map[string]any) (map[string]any, string) {
	id := uuid.New().String()
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["id"] = id
	out["timestamp"] = time.Now().UnixMilli()
	return out, id
}

// EncodePayload turns an outbound payload into wire bytes: byte slices and
// strings pass through untouched, everything else marshals as JSON.
func EncodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

// BatchItem is one queued message inside a batch envelope.
type BatchItem struct {
	ID        string   `json:"id"`
	Data      any      `json:"data"`
	Timestamp int64    `json:"timestamp"`
	Priority  Priority `json:"priority"`
}

// BatchEnvelope wraps multiple queued messages into a single wire frame.
type BatchEnvelope struct {
	Type       string      `json:"type"`
	Messages   []BatchItem `json:"messages"`
	Timestamp  int64       `json:"timestamp"`
	Compressed bool        `json:"compressed"`
}

// NewBatchEnvelope builds the batch frame for a group of queued messages.
func NewBatchEnvelope(items []BatchItem, compressed bool) BatchEnvelope {
	return BatchEnvelope{
		Type:       string(FrameBatch),
		Messages:   items,
		Timestamp:  time.Now().UnixMilli(),
		Compressed: compressed,
	}
}

// PingFrame is the health ping sent on every connected socket.
type PingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPingFrame stamps a ping with the current millisecond timestamp.
func NewPingFrame() PingFrame {
	return PingFrame{Type: string(FramePing), Timestamp: time.Now().UnixMilli()}
}
