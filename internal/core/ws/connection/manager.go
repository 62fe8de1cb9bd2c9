package connection

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
	"github.com/penthoy/icotes-sub001/pkg/concurrent"
	"github.com/penthoy/icotes-sub001/pkg/sequence"
)

// Manager owns every live connection. It emits lifecycle and message events
// to a single sink handler; the handler runs on manager goroutines and must
// not block.
type Manager struct {
	cfg     ws.Config
	dialer  Dialer
	handler ws.EventHandler
	log     log.Log

	mu    sync.RWMutex
	conns map[string]*Connection
	index map[uint64]string // dedupe key -> connection id

	created uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// New builds a manager. handler may be nil; dialer defaults to gorilla when
// nil. Periodic ping and stale-sweep tasks start with Start.
func New(cfg ws.Config, dialer Dialer, handler ws.EventHandler, lg log.Log) *Manager {
	if dialer == nil {
		dialer = GorillaDialer{HandshakeTimeout: cfg.ConnectTimeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		log:     lg.With(log.String("component", "connection-manager")),
		conns:   make(map[string]*Connection),
		index:   make(map[uint64]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the ping and stale-sweep tickers. Idempotent.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(2)
	go m.pingLoop()
	go m.sweepLoop()
}

// dedupeKey hashes the logical identity of a connection. Two Connect calls
// with the same key share one socket.
func dedupeKey(opts ConnectOptions) uint64 {
	return xxhash.Sum64String(string(opts.ServiceType) + "|" + opts.TerminalID + "|" + opts.SessionID)
}

// Connect registers a connection for the given options and starts opening its
// socket in the background, returning the connection id immediately. A live
// connection (connecting or connected) with the same key is reused.
func (m *Manager) Connect(opts ConnectOptions) (string, error) {
	if m.closed.Load() {
		return "", ws.ErrManagerClosed
	}
	url, err := m.cfg.Endpoint(opts.ServiceType, opts.TerminalID)
	if err != nil {
		return "", err
	}

	key := dedupeKey(opts)
	m.mu.Lock()
	if id, ok := m.index[key]; ok {
		if existing, tracked := m.conns[id]; tracked && existing.Status().Live() {
			m.mu.Unlock()
			m.log.Debug("reusing live connection",
				log.String("connection_id", id),
				log.String("service_type", opts.ServiceType.String()))
			return id, nil
		}
	}
	c := newConnection(m.ctx, opts, url, key)
	m.conns[c.id] = c
	m.index[key] = c.id
	m.mu.Unlock()
	atomic.AddUint64(&m.created, 1)

	m.log.Info("connection created",
		log.String("connection_id", c.id),
		log.String("service_type", opts.ServiceType.String()),
		log.String("url", url))
	m.emit(ws.Event{Type: ws.EventConnectionCreated, ConnectionID: c.id, ServiceType: c.serviceType})

	m.wg.Add(1)
	go m.open(c)
	return c.id, nil
}

// open performs the initial dial. Failure emits connection_error and hands
// over to the reconnect loop.
func (m *Manager) open(c *Connection) {
	defer m.wg.Done()
	sock, err := m.dial(c)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		m.log.Warn("connection failed to open",
			log.String("connection_id", c.id),
			log.Error(err))
		m.emit(ws.Event{Type: ws.EventConnectionError, ConnectionID: c.id, ServiceType: c.serviceType, Err: err})
		m.runReconnect(c)
		return
	}
	m.adopt(c, sock)
}

func (m *Manager) dial(c *Connection) (Socket, error) {
	ctx, cancel := context.WithTimeout(c.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	return m.dialer.Dial(ctx, c.url)
}

// adopt attaches a freshly dialed socket and starts its read loop.
func (m *Manager) adopt(c *Connection, sock Socket) {
	gen := c.attach(sock)
	if c.ctx.Err() != nil {
		// Torn down while the dial was in flight.
		if s := c.takeSocket(gen); s != nil {
			_ = s.Close()
		}
		c.setStatus(ws.StatusDisconnected)
		return
	}

	m.log.Info("connection opened",
		log.String("connection_id", c.id),
		log.String("service_type", c.serviceType.String()))
	m.emit(ws.Event{Type: ws.EventConnectionOpened, ConnectionID: c.id, ServiceType: c.serviceType})

	m.wg.Add(1)
	go m.readLoop(c, sock, gen)
}

// readLoop pumps inbound frames until the socket dies, then routes teardown
// through handleClose. A generation mismatch means the socket was replaced
// and this loop's close is already handled elsewhere.
func (m *Manager) readLoop(c *Connection, sock Socket, gen uint64) {
	defer m.wg.Done()
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleClose(c, gen, err)
			return
		}
		c.noteReceived(len(data))
		m.emit(ws.Event{Type: ws.EventMessage, ConnectionID: c.id, ServiceType: c.serviceType, Raw: data})
	}
}

// handleClose claims the dead socket, reports the close and decides between
// reconnecting and settling. Exactly one path (read loop, Disconnect, Close)
// wins the claim for any given socket.
func (m *Manager) handleClose(c *Connection, gen uint64, cause error) {
	sock := c.takeSocket(gen)
	if sock == nil {
		return
	}
	_ = sock.Close()

	code, reason := closeInfo(cause)
	m.log.Warn("connection closed",
		log.String("connection_id", c.id),
		log.Int("code", code),
		log.String("reason", reason))
	m.emit(ws.Event{
		Type:         ws.EventConnectionClosed,
		ConnectionID: c.id,
		ServiceType:  c.serviceType,
		CloseCode:    code,
		Reason:       reason,
	})

	if c.ctx.Err() != nil || m.closed.Load() {
		c.setStatus(ws.StatusDisconnected)
		return
	}
	if code == websocket.CloseNormalClosure {
		c.setStatus(ws.StatusDisconnected)
		return
	}
	m.runReconnect(c)
}

// closeInfo extracts the close code and reason; errors that are not close
// frames count as abnormal closure, matching browser semantics.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// runReconnect drives the backoff dial sequence until the socket reopens,
// the budget runs out, or the connection is torn down. The attempt counter
// increments before each scheduled retry and resets only on a successful
// open, so an exhausted connection reports exactly MaxAttempts.
func (m *Manager) runReconnect(c *Connection) {
	rc := m.cfg.Reconnect
	if !rc.AutoReconnect || rc.MaxAttempts <= 0 {
		m.giveUp(c, errors.Wrapf(ws.ErrSocketNotOpen, "automatic reconnection disabled for %s", c.id))
		return
	}
	remaining := rc.MaxAttempts - c.Reconnects()
	if remaining <= 0 {
		m.giveUp(c, errors.Errorf("reconnect attempts exhausted for %s", c.id))
		return
	}
	c.setStatus(ws.StatusConnecting)

	first := c.bumpReconnects()
	m.noteReconnecting(c, first)
	select {
	case <-time.After(Delay(rc, first-1)):
	case <-c.ctx.Done():
		return
	}

	err := retry.Do(
		func() error {
			sock, err := m.dial(c)
			if err != nil {
				return err
			}
			m.adopt(c, sock)
			return nil
		},
		retry.Attempts(uint(remaining)),
		retry.Context(c.ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.log.Warn("reconnect attempt failed",
				log.String("connection_id", c.id),
				log.Int("attempt", c.Reconnects()),
				log.Error(err))
			if int(n) < remaining-1 {
				m.noteReconnecting(c, c.bumpReconnects())
			}
		}),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return Delay(rc, first+int(n))
		}),
	)
	if err == nil || c.ctx.Err() != nil {
		return
	}
	m.giveUp(c, errors.Wrap(err, "reconnect attempts exhausted"))
}

func (m *Manager) noteReconnecting(c *Connection, attempt int) {
	m.log.Info("reconnecting",
		log.String("connection_id", c.id),
		log.Int("attempt", attempt),
		log.Int("max_attempts", m.cfg.Reconnect.MaxAttempts))
	m.emit(ws.Event{
		Type:         ws.EventReconnecting,
		ConnectionID: c.id,
		ServiceType:  c.serviceType,
		Data:         map[string]any{"attempt": attempt, "max_attempts": m.cfg.Reconnect.MaxAttempts},
	})
}

// giveUp parks the connection in error state; only the stale sweep or an
// explicit Disconnect removes it from there.
func (m *Manager) giveUp(c *Connection, cause error) {
	c.setStatus(ws.StatusError)
	m.log.Error("connection unrecoverable",
		log.String("connection_id", c.id),
		log.Error(cause))
	m.emit(ws.Event{Type: ws.EventConnectionError, ConnectionID: c.id, ServiceType: c.serviceType, Err: cause})
}

// Disconnect closes a connection with the normal-closure code and removes it.
// Unknown ids log a warning and return.
func (m *Manager) Disconnect(id, reason string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
		if m.index[c.key] == id {
			delete(m.index, c.key)
		}
	}
	m.mu.Unlock()
	if !ok {
		m.log.Warn("disconnect of unknown connection", log.String("connection_id", id))
		return
	}

	c.cancel()
	gen := c.generation()
	sock := c.takeSocket(gen)
	c.setStatus(ws.StatusDisconnected)
	if sock != nil {
		m.sendCloseFrame(c, sock, reason)
		m.emit(ws.Event{
			Type:         ws.EventConnectionClosed,
			ConnectionID: id,
			ServiceType:  c.serviceType,
			CloseCode:    websocket.CloseNormalClosure,
			Reason:       reason,
		})
	}
	m.log.Info("connection removed",
		log.String("connection_id", id),
		log.String("reason", reason))
	m.emit(ws.Event{Type: ws.EventConnectionRemoved, ConnectionID: id, ServiceType: c.serviceType, Reason: reason})
}

func (m *Manager) sendCloseFrame(c *Connection, sock Socket, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = sock.SetWriteDeadline(time.Now().Add(time.Second))
	_ = sock.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	_ = sock.Close()
}

// Send writes already-serialized bytes to a connection.
func (m *Manager) Send(ctx context.Context, id string, data []byte) error {
	c, ok := m.get(id)
	if !ok {
		return errors.Wrapf(ws.ErrConnectionNotFound, "%s", id)
	}
	return c.send(ctx, data, m.cfg.MessageTimeout)
}

// SendPayload serializes the payload (strings and byte slices pass through)
// and sends it.
func (m *Manager) SendPayload(ctx context.Context, id string, payload any) error {
	data, err := ws.EncodePayload(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	return m.Send(ctx, id, data)
}

// pingLoop sends the health ping on every connected socket.
func (m *Manager) pingLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Health.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pingAll()
		case <-m.ctx.Done():
			return
		}
	}
}

// pingAll is best-effort: failures bump the connection's failure counter and
// nothing else; the read loop notices a genuinely dead socket soon after.
func (m *Manager) pingAll() {
	data, err := json.Marshal(ws.NewPingFrame())
	if err != nil {
		return
	}
	for _, c := range m.snapshot() {
		if c.Status() != ws.StatusConnected {
			continue
		}
		if err := c.send(m.ctx, data, m.cfg.MessageTimeout); err != nil {
			m.log.Debug("ping failed",
				log.String("connection_id", c.id),
				log.Error(err))
		}
	}
}

// sweepLoop purges error-state connections that went quiet.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Health.StaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepStale()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepStale() {
	cutoff := time.Now().Add(-m.cfg.Health.StaleThreshold)
	for _, c := range m.snapshot() {
		if c.Status() != ws.StatusError || !c.LastActivity().Before(cutoff) {
			continue
		}
		m.log.Info("purging stale connection",
			log.String("connection_id", c.id),
			log.Duration("idle", time.Since(c.LastActivity())))
		m.Disconnect(c.id, "stale connection purged")
	}
}

// Status reports the lifecycle state of a connection.
func (m *Manager) Status(id string) (ws.Status, bool) {
	c, ok := m.get(id)
	if !ok {
		return "", false
	}
	return c.Status(), true
}

// Info snapshots one connection.
func (m *Manager) Info(id string) (Info, bool) {
	c, ok := m.get(id)
	if !ok {
		return Info{}, false
	}
	return c.Info(), true
}

// Infos snapshots every connection, sorted by id.
func (m *Manager) Infos() []Info {
	conns := m.snapshot()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDsByService lists connection ids serving the given channel.
func (m *Manager) IDsByService(st ws.ServiceType) []string {
	ids := sequence.ToArray(
		sequence.From(m.snapshot()).Filter(func(c *Connection) bool { return c.serviceType == st }),
		func(c *Connection) string { return c.id })
	sort.Strings(ids)
	return ids
}

// Stats aggregates the manager's population counters.
type Stats struct {
	Active   int               `json:"active"`
	Created  uint64            `json:"created"`
	ByStatus map[ws.Status]int `json:"by_status"`
}

// Stats snapshots the population counters.
func (m *Manager) Stats() Stats {
	s := Stats{Created: atomic.LoadUint64(&m.created), ByStatus: make(map[ws.Status]int)}
	for _, c := range m.snapshot() {
		s.Active++
		s.ByStatus[c.Status()]++
	}
	return s
}

func (m *Manager) get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) emit(e ws.Event) {
	if m.handler == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.handler(e)
}

// Close tears the manager down: stops the tickers, cancels in-flight dials
// and reconnect loops, closes every socket in parallel and waits for the
// read loops to drain. Idempotent.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.index = make(map[uint64]string)
	m.mu.Unlock()

	concurrent.ParallelMute(sequence.From(conns), func(c *Connection) error {
		if sock := c.takeSocket(c.generation()); sock != nil {
			m.sendCloseFrame(c, sock, "manager shutting down")
		}
		c.setStatus(ws.StatusDisconnected)
		return nil
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("connection manager closed")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for connection workers")
	}
}
