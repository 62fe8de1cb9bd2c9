// Package service is the orchestration layer of the connection core. A
// Service owns the connection manager, one outbound queue per service type,
// the health monitor, the error classifier and the outward event bus, and
// exposes the API applications consume: connect with an event-driven wait,
// enveloped sends with queue or direct routing, response-correlated
// requests, subscriptions, health export and a single shutdown path.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/penthoy/icotes-sub001/internal/core/events/bus"
	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
	"github.com/penthoy/icotes-sub001/internal/core/ws/classify"
	"github.com/penthoy/icotes-sub001/internal/core/ws/connection"
	"github.com/penthoy/icotes-sub001/internal/core/ws/health"
	"github.com/penthoy/icotes-sub001/internal/core/ws/queue"
)

// ConnectOptions selects the channel to open and how long Connect waits for
// the socket. Timeout zero applies the configured connect timeout.
type ConnectOptions struct {
	ServiceType ws.ServiceType
	TerminalID  string
	SessionID   string
	Timeout     time.Duration
}

// SendOptions shape one outbound message. Priority zero value behaves as
// normal. MaxRetries zero applies the configured queue budget; a negative
// value disables retries. Timeout bounds the response wait of Request only.
type SendOptions struct {
	Priority   ws.Priority
	MaxRetries int
	Timeout    time.Duration
}

// Service is the unified front of the connection core. Safe for concurrent
// use; construct with New, start with Start, tear down with Shutdown.
type Service struct {
	cfg ws.Config
	log log.Log

	manager    *connection.Manager
	monitor    *health.Monitor
	classifier *classify.Classifier
	bus        *bus.Bus
	queues     map[ws.ServiceType]*queue.Queue

	connectMu      sync.Mutex
	connectWaiters map[string][]chan error

	pendMu  sync.Mutex
	pending map[string]map[string]chan response

	started atomic.Bool
	closed  atomic.Bool
}

// New validates the configuration and assembles the component graph. dialer
// may be nil for the gorilla default. The service is inert until Start.
func New(cfg ws.Config, dialer connection.Dialer, lg log.Log) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid service config")
	}
	s := &Service{
		cfg:            cfg,
		log:            lg.With(log.String("component", "ws-service")),
		connectWaiters: make(map[string][]chan error),
		pending:        make(map[string]map[string]chan response),
	}
	s.classifier = classify.New(cfg.Health.ErrorHistoryLimit, lg)
	s.bus = bus.New()
	s.manager = connection.New(cfg, dialer, s.handleEvent, lg)
	s.monitor = health.New(cfg.Health, s.manager, lg)
	s.queues = make(map[ws.ServiceType]*queue.Queue, 3)
	for _, st := range []ws.ServiceType{ws.ServiceMain, ws.ServiceChat, ws.ServiceTerminal} {
		s.queues[st] = queue.New(cfg.Queue, s.queueSend(st), lg.With(log.String("queue", st.String())))
	}
	return s, nil
}

// Start launches the periodic tasks (ping, stale sweep, health tick).
// Idempotent.
func (s *Service) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.manager.Start()
	s.monitor.Start()
	s.log.Info("service started", log.String("backend", s.cfg.BackendURL))
}

// Connect opens (or reuses) the connection for the given options and waits
// until it is connected, fails, or the timeout passes. The returned id is
// valid even when err is non-nil: the record persists and may transition
// independently, so the caller can inspect or disconnect it later.
func (s *Service) Connect(ctx context.Context, opts ConnectOptions) (string, error) {
	if s.closed.Load() {
		return "", ws.ErrServiceClosed
	}
	id, err := s.manager.Connect(connection.ConnectOptions{
		ServiceType: opts.ServiceType,
		TerminalID:  opts.TerminalID,
		SessionID:   opts.SessionID,
	})
	if err != nil {
		return "", err
	}

	ch := s.armConnectWait(id)
	defer s.disarmConnectWait(id, ch)

	// The open may settle between Connect returning and the waiter arming;
	// the status double-check closes that window.
	st, ok := s.manager.Status(id)
	switch {
	case !ok:
		return id, errors.Wrapf(ws.ErrConnectionNotFound, "%s", id)
	case st == ws.StatusConnected:
		return id, nil
	case st == ws.StatusError:
		return id, errors.Wrapf(ws.ErrSocketNotOpen, "connection %s failed while opening", id)
	case st == ws.StatusDisconnected:
		return id, errors.Wrapf(ws.ErrConnectionClosed, "%s", id)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.ConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return id, err
	case <-timer.C:
		return id, errors.Wrapf(ws.ErrConnectTimeout, "connection %s after %s", id, timeout)
	case <-ctx.Done():
		return id, errors.Wrap(ctx.Err(), "waiting for connection")
	}
}

// Disconnect tears the connection down, clears its queued messages and
// rejects its pending response waiters. Unknown ids only log.
func (s *Service) Disconnect(id, reason string) {
	s.manager.Disconnect(id, reason)
}

// Send envelopes the message with a generated id and timestamp and routes it:
// critical priority or disabled queueing go straight out, everything else
// batches through the service-type queue. Returns the message id.
func (s *Service) Send(ctx context.Context, connectionID string, message map[string]any, opts SendOptions) (string, error) {
	if s.closed.Load() {
		return "", ws.ErrServiceClosed
	}
	info, ok := s.manager.Info(connectionID)
	if !ok {
		return "", errors.Wrapf(ws.ErrConnectionNotFound, "%s", connectionID)
	}
	stamped, msgID := ws.Envelope(message)
	if err := s.route(ctx, info, stamped, opts); err != nil {
		return "", err
	}
	return msgID, nil
}

// SendRaw writes bytes verbatim: no envelope, no queue. Terminal byte
// streams use this path.
func (s *Service) SendRaw(ctx context.Context, connectionID string, data []byte) error {
	if s.closed.Load() {
		return ws.ErrServiceClosed
	}
	info, ok := s.manager.Info(connectionID)
	if !ok {
		return errors.Wrapf(ws.ErrConnectionNotFound, "%s", connectionID)
	}
	return s.sendDirect(ctx, info.ID, info.ServiceType, data)
}

// Request sends an enveloped message and blocks until a reply frame carrying
// the same message id arrives, the timeout passes, or the connection goes
// away. Correlated replies are consumed here and never re-emitted.
func (s *Service) Request(ctx context.Context, connectionID string, message map[string]any, opts SendOptions) (ws.Frame, error) {
	if s.closed.Load() {
		return ws.Frame{}, ws.ErrServiceClosed
	}
	info, ok := s.manager.Info(connectionID)
	if !ok {
		return ws.Frame{}, errors.Wrapf(ws.ErrConnectionNotFound, "%s", connectionID)
	}
	stamped, msgID := ws.Envelope(message)

	ch := s.armPending(connectionID, msgID)
	defer s.disarmPending(connectionID, msgID)

	if err := s.route(ctx, info, stamped, opts); err != nil {
		return ws.Frame{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.MessageTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return ws.Frame{}, res.err
		}
		return res.frame, nil
	case <-timer.C:
		return ws.Frame{}, errors.Wrapf(ws.ErrResponseTimeout, "message %s on %s", msgID, connectionID)
	case <-ctx.Done():
		return ws.Frame{}, errors.Wrap(ctx.Err(), "waiting for response")
	}
}

// route picks the queue or the direct path for one stamped message.
func (s *Service) route(ctx context.Context, info connection.Info, payload map[string]any, opts SendOptions) error {
	prio := opts.Priority
	if !prio.Valid() {
		prio = ws.PriorityNormal
	}
	if s.cfg.EnableQueueing && prio != ws.PriorityCritical {
		_, err := s.queueFor(info.ServiceType).Enqueue(payload, info.ID, info.ServiceType, prio, retryBudget(opts.MaxRetries))
		return err
	}
	return s.sendDirect(ctx, info.ID, info.ServiceType, payload)
}

// retryBudget maps the option onto the queue contract: zero applies the
// configured default, negative disables retries.
func retryBudget(n int) int {
	switch {
	case n == 0:
		return queue.DefaultRetries
	case n < 0:
		return 0
	default:
		return n
	}
}

// sendDirect delivers one payload through the manager. On failure the error
// is classified and surfaced; if it is retryable and auto-recovery is on,
// the send is retried exactly once after the strategy's cooldown.
func (s *Service) sendDirect(ctx context.Context, connectionID string, st ws.ServiceType, payload any) error {
	data, err := ws.EncodePayload(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	if err = s.deliver(ctx, connectionID, st, data); err == nil {
		return nil
	}
	werr := s.surfaceSendError(err, connectionID, st)
	if !s.cfg.AutoRecovery || !s.classifier.ShouldRetry(werr) {
		return err
	}
	if wait := recoveryDelay(werr); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting out recovery delay")
		}
	}
	if err = s.deliver(ctx, connectionID, st, data); err != nil {
		s.surfaceSendError(err, connectionID, st)
		return err
	}
	return nil
}

// recoveryDelay returns how long the in-band retry holds off. Only the wait
// strategy (rate limiting) carries its delay into the resend; reconnect-style
// recovery belongs to the manager and the retry goes out as soon as the
// socket allows.
func recoveryDelay(e *classify.WebSocketError) time.Duration {
	if st := classify.StrategyFor(e); st.Action == classify.ActionWait {
		return st.Delay
	}
	return 0
}

// deliver is the single spot where outbound bytes hit the manager; success
// feeds the health monitor's throughput counters.
func (s *Service) deliver(ctx context.Context, connectionID string, st ws.ServiceType, data []byte) error {
	if err := s.manager.Send(ctx, connectionID, data); err != nil {
		return err
	}
	s.monitor.Record(connectionID, health.Sample{MessagesSent: 1, BytesSent: uint64(len(data))})
	return nil
}

// surfaceSendError classifies a failed send, bumps the error metric and
// emits an error event, returning the classified record.
func (s *Service) surfaceSendError(err error, connectionID string, st ws.ServiceType) *classify.WebSocketError {
	werr := s.classifier.Categorize(err, classify.Origin{ConnectionID: connectionID, ServiceType: st})
	s.monitor.Record(connectionID, health.Sample{Errors: 1})
	s.bus.Publish(ws.Event{
		Type:         ws.EventError,
		ConnectionID: connectionID,
		ServiceType:  st,
		Timestamp:    time.Now(),
		Err:          werr,
	})
	return werr
}

// queueSend builds the delivery callback for one service-type queue. The
// queue owns the retry budget, so failures surface but do not re-send here.
func (s *Service) queueSend(st ws.ServiceType) queue.SendFunc {
	return func(ctx context.Context, connectionID string, data []byte) error {
		if err := s.deliver(ctx, connectionID, st, data); err != nil {
			s.surfaceSendError(err, connectionID, st)
			return err
		}
		return nil
	}
}

func (s *Service) queueFor(st ws.ServiceType) *queue.Queue {
	return s.queues[st]
}

// Subscribe registers an event handler on the outward bus. With no types the
// handler sees everything the service emits.
func (s *Service) Subscribe(handler ws.EventHandler, types ...ws.EventType) *bus.Subscription {
	return s.bus.Subscribe(handler, types...)
}

// Status reports the lifecycle state of a connection.
func (s *Service) Status(id string) (ws.Status, bool) {
	return s.manager.Status(id)
}

// RunDiagnostics executes the four health probes for one connection.
func (s *Service) RunDiagnostics(ctx context.Context, id string) (health.DiagnosticsReport, error) {
	return s.monitor.RunDiagnostics(ctx, id)
}

// Recommendations lists threshold-derived operator suggestions for one
// connection.
func (s *Service) Recommendations(id string) ([]string, error) {
	return s.monitor.Recommendations(id)
}

// HealthInfo is the JSON-serializable diagnostics export: configuration,
// connection population, queue counters, per-connection health with scores,
// classified-error statistics and bus counters.
type HealthInfo struct {
	CapturedAt  time.Time                      `json:"captured_at"`
	Config      ws.Config                      `json:"config"`
	Connections connection.Stats               `json:"connections"`
	Details     []connection.Info              `json:"connection_details"`
	Queues      map[ws.ServiceType]queue.Stats `json:"queues"`
	Health      []health.Metrics               `json:"health"`
	Scores      map[string]health.Score        `json:"scores"`
	Errors      classify.Stats                 `json:"errors"`
	Events      bus.Metrics                    `json:"events"`
}

// HealthInfo snapshots the whole core.
func (s *Service) HealthInfo() HealthInfo {
	info := HealthInfo{
		CapturedAt:  time.Now(),
		Config:      s.cfg,
		Connections: s.manager.Stats(),
		Details:     s.manager.Infos(),
		Queues:      make(map[ws.ServiceType]queue.Stats, len(s.queues)),
		Health:      s.monitor.SnapshotAll(),
		Scores:      make(map[string]health.Score),
		Errors:      s.classifier.Stats(),
		Events:      s.bus.Metrics(),
	}
	for st, q := range s.queues {
		info.Queues[st] = q.Stats()
	}
	for _, m := range info.Health {
		if score, err := s.monitor.Score(m.ConnectionID); err == nil {
			info.Scores[m.ConnectionID] = score
		}
	}
	return info
}

// Shutdown tears the core down in dependency order: queues flush while the
// manager still sends, then the manager closes its sockets, the monitor
// stops, remaining waiters reject and the bus drains. Idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("service shutting down")

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range s.queues {
		q := q
		g.Go(func() error { return q.Close(gctx) })
	}
	err := g.Wait()

	if merr := s.manager.Close(ctx); err == nil {
		err = merr
	}
	s.monitor.Close()

	s.rejectAllPending(ws.ErrServiceClosed)
	s.rejectAllConnectWaits(ws.ErrServiceClosed)
	s.bus.Close()
	s.log.Info("service shut down")
	return err
}
