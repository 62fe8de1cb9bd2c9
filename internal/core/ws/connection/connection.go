package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/penthoy/icotes-sub001/internal/core/ws"
)

// ConnectOptions identify the logical channel a connection serves. Terminal
// connections require TerminalID; SessionID only contributes to the dedupe
// key so parallel sessions of one service type stay distinct.
type ConnectOptions struct {
	ServiceType ws.ServiceType
	TerminalID  string
	SessionID   string
}

// Connection is one managed logical connection. The socket handle is owned by
// the Manager; all writes serialize through writeMu. Counters are atomics so
// snapshots never block the read loop.
type Connection struct {
	id          string
	serviceType ws.ServiceType
	terminalID  string
	sessionID   string
	url         string
	key         uint64
	createdAt   time.Time

	mu          sync.RWMutex
	sock        Socket
	status      ws.Status
	gen         uint64 // bumps on every socket attach; stale read loops check it
	connectedAt time.Time

	lastActivity int64 // unix milli, atomic
	reconnects   int32
	sendFailures uint64

	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func newConnection(parent context.Context, opts ConnectOptions, url string, key uint64) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		id:          string(opts.ServiceType) + "-" + uuid.New().String(),
		serviceType: opts.ServiceType,
		terminalID:  opts.TerminalID,
		sessionID:   opts.SessionID,
		url:         url,
		key:         key,
		createdAt:   time.Now(),
		status:      ws.StatusConnecting,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// ServiceType returns the logical channel this connection serves.
func (c *Connection) ServiceType() ws.ServiceType { return c.serviceType }

// Status returns the current lifecycle state.
func (c *Connection) Status() ws.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) setStatus(s ws.Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// attach swaps in a freshly dialed socket, marks the connection connected and
// returns the new read-loop generation. The reconnect counter resets: a
// successful open starts the budget over.
func (c *Connection) attach(sock Socket) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sock = sock
	c.status = ws.StatusConnected
	c.connectedAt = time.Now()
	c.gen++
	atomic.StoreInt32(&c.reconnects, 0)
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixMilli())
	return c.gen
}

// generation returns the current socket generation.
func (c *Connection) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// socket returns the live socket, or nil when not connected.
func (c *Connection) socket() Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != ws.StatusConnected {
		return nil
	}
	return c.sock
}

// send writes one text frame, serialized against concurrent writers. The
// write deadline comes from timeout or, when earlier, the context deadline.
func (c *Connection) send(ctx context.Context, data []byte, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "send aborted")
	}
	sock := c.socket()
	if sock == nil {
		return errors.Wrapf(ws.ErrSocketNotOpen, "connection %s is %s", c.id, c.Status())
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = sock.SetWriteDeadline(deadline)
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		atomic.AddUint64(&c.sendFailures, 1)
		return errors.Wrapf(err, "write to connection %s", c.id)
	}

	atomic.AddUint64(&c.messagesSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(len(data)))
	c.touch()
	return nil
}

// noteReceived updates the inbound counters and activity stamp.
func (c *Connection) noteReceived(n int) {
	atomic.AddUint64(&c.messagesReceived, 1)
	atomic.AddUint64(&c.bytesReceived, uint64(n))
	c.touch()
}

func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixMilli())
}

// LastActivity returns the time of the last send or receive, or the creation
// time when the connection never carried traffic.
func (c *Connection) LastActivity() time.Time {
	ts := atomic.LoadInt64(&c.lastActivity)
	if ts == 0 {
		return c.createdAt
	}
	return time.UnixMilli(ts)
}

// Reconnects returns the count of reconnect attempts since the last
// successful open.
func (c *Connection) Reconnects() int {
	return int(atomic.LoadInt32(&c.reconnects))
}

func (c *Connection) bumpReconnects() int {
	return int(atomic.AddInt32(&c.reconnects, 1))
}

// takeSocket claims the live socket of generation gen for teardown. Exactly
// one caller wins; later claims (a racing read loop, Disconnect, manager
// close) get nil and skip their teardown work.
func (c *Connection) takeSocket(gen uint64) Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.status != ws.StatusConnected || c.sock == nil {
		return nil
	}
	sock := c.sock
	c.sock = nil
	return sock
}

// Info is the JSON-serializable snapshot of one connection.
type Info struct {
	ID                string         `json:"id"`
	ServiceType       ws.ServiceType `json:"service_type"`
	TerminalID        string         `json:"terminal_id,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	URL               string         `json:"url"`
	Status            ws.Status      `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	ConnectedAt       time.Time      `json:"connected_at,omitempty"`
	LastActivity      time.Time      `json:"last_activity"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	MessagesSent      uint64         `json:"messages_sent"`
	MessagesReceived  uint64         `json:"messages_received"`
	BytesSent         uint64         `json:"bytes_sent"`
	BytesReceived     uint64         `json:"bytes_received"`
	SendFailures      uint64         `json:"send_failures"`
}

// Info snapshots the connection.
func (c *Connection) Info() Info {
	c.mu.RLock()
	status := c.status
	connectedAt := c.connectedAt
	c.mu.RUnlock()

	return Info{
		ID:                c.id,
		ServiceType:       c.serviceType,
		TerminalID:        c.terminalID,
		SessionID:         c.sessionID,
		URL:               c.url,
		Status:            status,
		CreatedAt:         c.createdAt,
		ConnectedAt:       connectedAt,
		LastActivity:      c.LastActivity(),
		ReconnectAttempts: c.Reconnects(),
		MessagesSent:      atomic.LoadUint64(&c.messagesSent),
		MessagesReceived:  atomic.LoadUint64(&c.messagesReceived),
		BytesSent:         atomic.LoadUint64(&c.bytesSent),
		BytesReceived:     atomic.LoadUint64(&c.bytesReceived),
		SendFailures:      atomic.LoadUint64(&c.sendFailures),
	}
}
