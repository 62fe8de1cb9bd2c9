package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
	"github.com/penthoy/icotes-sub001/internal/core/ws/connection"
)

// spySocket is an in-memory socket: writes are recorded, inbound frames and
// read errors are injected through channels, and the first failWrites write
// calls fail.
type spySocket struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	readErr chan error
	done    chan struct{}
	once    sync.Once

	failWrites int32
}

func newSpySocket() *spySocket {
	return &spySocket{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (s *spySocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.inbound:
		return websocket.TextMessage, data, nil
	case err := <-s.readErr:
		return 0, nil, err
	case <-s.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *spySocket) WriteMessage(messageType int, data []byte) error {
	if atomic.AddInt32(&s.failWrites, -1) >= 0 {
		return errors.New("write: broken pipe")
	}
	if messageType != websocket.TextMessage {
		return nil // close frames are not interesting here
	}
	s.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, cp)
	s.mu.Unlock()
	return nil
}

func (s *spySocket) SetWriteDeadline(time.Time) error { return nil }

func (s *spySocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *spySocket) serve(data []byte) { s.inbound <- data }

func (s *spySocket) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// waitWrites polls until the socket holds at least n recorded writes.
func (s *spySocket) waitWrites(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := s.written(); len(w) >= n {
			return w
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("socket never saw %d writes (have %d)", n, len(s.written()))
	return nil
}

// spyDialer hands out planned sockets in order; with a gate set, every dial
// blocks until the gate closes. dialErr makes every dial fail instead.
type spyDialer struct {
	mu      sync.Mutex
	sockets []*spySocket
	gate    chan struct{}
	dialErr error
	dials   int32
}

func (d *spyDialer) Dial(ctx context.Context, _ string) (connection.Socket, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return newSpySocket(), nil
	}
	sock := d.sockets[0]
	if len(d.sockets) > 1 {
		d.sockets = d.sockets[1:]
	}
	return sock, nil
}

// events collects bus deliveries for assertions.
type events struct {
	ch chan ws.Event
}

func newEvents() *events { return &events{ch: make(chan ws.Event, 128)} }

func (c *events) handle(e ws.Event) { c.ch <- e }

func (c *events) next(t *testing.T, want ws.EventType) ws.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-c.ch:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// none asserts no event of the given type arrives within the window.
func (c *events) none(t *testing.T, reject ws.EventType, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case e := <-c.ch:
			if e.Type == reject {
				t.Fatalf("unexpected %s event", reject)
			}
		case <-deadline:
			return
		}
	}
}

func svcConfig() ws.Config {
	cfg := ws.DefaultConfig()
	cfg.BackendURL = "http://backend.test"
	cfg.ConnectTimeout = 300 * time.Millisecond
	cfg.MessageTimeout = 300 * time.Millisecond
	cfg.EnableQueueing = false
	cfg.AutoRecovery = false
	cfg.Reconnect = ws.ReconnectConfig{
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		MaxAttempts: 2,
	}
	cfg.Queue.MaxSize = 10
	cfg.Queue.MaxWait = 20 * time.Millisecond
	cfg.Queue.MaxRetries = 1
	cfg.Health.PingInterval = time.Hour
	cfg.Health.StaleSweepInterval = time.Hour
	cfg.Health.ScoreInterval = time.Hour
	return cfg
}

func newTestService(t *testing.T, cfg ws.Config, d connection.Dialer) *Service {
	t.Helper()
	svc, err := New(cfg, d, log.Nop())
	require.NoError(t, err, "config must validate")
	svc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func connectChat(t *testing.T, svc *Service) string {
	t.Helper()
	id, err := svc.Connect(context.Background(), ConnectOptions{ServiceType: ws.ServiceChat})
	require.NoError(t, err, "connect must succeed against the fake dialer")
	return id
}

func decodeWrite(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m), "outbound frames are JSON")
	return m
}

func TestConnectWaitsForOpenEvent(t *testing.T) {
	gate := make(chan struct{})
	dialer := &spyDialer{gate: gate}
	svc := newTestService(t, svcConfig(), dialer)

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := svc.Connect(context.Background(), ConnectOptions{ServiceType: ws.ServiceChat})
		done <- result{id, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("connect returned before the socket opened: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}

	close(gate)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		st, ok := svc.Status(r.id)
		require.True(t, ok)
		assert.Equal(t, ws.StatusConnected, st)
	case <-time.After(time.Second):
		t.Fatal("connect never resolved after the open")
	}
}

func TestConnectTimeoutKeepsRecord(t *testing.T) {
	dialer := &spyDialer{gate: make(chan struct{})} // never opens
	svc := newTestService(t, svcConfig(), dialer)

	start := time.Now()
	id, err := svc.Connect(context.Background(), ConnectOptions{
		ServiceType: ws.ServiceChat,
		Timeout:     50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ws.ErrConnectTimeout)
	assert.InDelta(t, 50, time.Since(start).Milliseconds(), 45, "timeout honored")

	require.NotEmpty(t, id, "the id stays valid so the caller can inspect the record")
	st, ok := svc.Status(id)
	require.True(t, ok, "the record persists past the timed-out wait")
	assert.Equal(t, ws.StatusConnecting, st)
}

func TestConnectFailureResolvesWithoutWaitingForTimeout(t *testing.T) {
	dialer := &spyDialer{dialErr: errors.New("connection refused")}
	svc := newTestService(t, svcConfig(), dialer)

	start := time.Now()
	id, err := svc.Connect(context.Background(), ConnectOptions{
		ServiceType: ws.ServiceChat,
		Timeout:     2 * time.Second,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ws.ErrConnectTimeout, "failure must resolve the wait, not time it out")
	assert.Less(t, time.Since(start), time.Second)
	assert.NotEmpty(t, id)

	assert.Eventually(t, func() bool {
		st, ok := svc.Status(id)
		return ok && st == ws.StatusError
	}, time.Second, 5*time.Millisecond)
}

func TestConnectReusesLiveConnection(t *testing.T) {
	dialer := &spyDialer{}
	svc := newTestService(t, svcConfig(), dialer)

	first := connectChat(t, svc)
	second := connectChat(t, svc)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.dials), "one socket per key")
}

func TestSendDirectStampsEnvelope(t *testing.T) {
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, svcConfig(), dialer)
	id := connectChat(t, svc)

	msgID, err := svc.Send(context.Background(), id, map[string]any{
		"type": "message",
		"text": "hello",
	}, SendOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	writes := sock.waitWrites(t, 1)
	frame := decodeWrite(t, writes[0])
	assert.Equal(t, "message", frame["type"])
	assert.Equal(t, "hello", frame["text"])
	assert.Equal(t, msgID, frame["id"], "the returned message id rides in the envelope")
	ts, ok := frame["timestamp"].(float64)
	require.True(t, ok, "timestamp merged in")
	assert.InDelta(t, time.Now().UnixMilli(), int64(ts), 5000)
}

func TestSendUnknownConnection(t *testing.T) {
	svc := newTestService(t, svcConfig(), &spyDialer{})
	_, err := svc.Send(context.Background(), "ghost", map[string]any{"type": "message"}, SendOptions{})
	assert.ErrorIs(t, err, ws.ErrConnectionNotFound)
}

func TestSendRoutesThroughQueueWhenEnabled(t *testing.T) {
	cfg := svcConfig()
	cfg.EnableQueueing = true
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, cfg, dialer)
	id := connectChat(t, svc)

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.Send(context.Background(), id, map[string]any{"type": "message", "text": text}, SendOptions{})
		require.NoError(t, err)
	}
	assert.Empty(t, sock.written(), "normal traffic waits for the batch timer")

	writes := sock.waitWrites(t, 1)
	batch := decodeWrite(t, writes[0])
	assert.Equal(t, "batch", batch["type"])
	messages, ok := batch["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 3, "one timed flush carries the whole batch")
	assert.Equal(t, false, batch["compressed"])
}

func TestCriticalSendBypassesQueue(t *testing.T) {
	cfg := svcConfig()
	cfg.EnableQueueing = true
	cfg.Queue.MaxWait = time.Hour // the timer must not be what delivers
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, cfg, dialer)
	id := connectChat(t, svc)

	_, err := svc.Send(context.Background(), id, map[string]any{"type": "message", "text": "now"},
		SendOptions{Priority: ws.PriorityCritical})
	require.NoError(t, err)

	writes := sock.waitWrites(t, 1)
	frame := decodeWrite(t, writes[0])
	assert.Equal(t, "now", frame["text"], "critical goes straight to the socket")
}

func TestRequestCorrelatesReply(t *testing.T) {
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, svcConfig(), dialer)
	id := connectChat(t, svc)

	collected := newEvents()
	svc.Subscribe(collected.handle, ws.EventMessage)

	go func() {
		writes := sock.waitWrites(t, 1)
		sent := decodeWrite(t, writes[0])
		reply, _ := json.Marshal(map[string]any{
			"type":   "message",
			"id":     sent["id"],
			"result": "ok",
		})
		sock.serve(reply)
	}()

	frame, err := svc.Request(context.Background(), id, map[string]any{"type": "message", "ask": "ping"},
		SendOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, ws.FrameMessage, frame.Type)
	assert.Equal(t, "ok", frame.Fields["result"])

	collected.none(t, ws.EventMessage, 50*time.Millisecond)
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	svc := newTestService(t, svcConfig(), &spyDialer{})
	id := connectChat(t, svc)

	start := time.Now()
	_, err := svc.Request(context.Background(), id, map[string]any{"type": "message"},
		SendOptions{Timeout: 40 * time.Millisecond})
	assert.ErrorIs(t, err, ws.ErrResponseTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPongSwallowedAndLatencyRecorded(t *testing.T) {
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, svcConfig(), dialer)
	id := connectChat(t, svc)

	collected := newEvents()
	svc.Subscribe(collected.handle, ws.EventMessage)

	pong, _ := json.Marshal(map[string]any{
		"type":      "pong",
		"timestamp": time.Now().Add(-40 * time.Millisecond).UnixMilli(),
	})
	sock.serve(pong)

	assert.Eventually(t, func() bool {
		for _, m := range svc.HealthInfo().Health {
			if m.ConnectionID == id && m.Latency.Samples == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "pong round-trip feeds the latency window")

	collected.none(t, ws.EventMessage, 50*time.Millisecond)
}

func TestRawDataPassthrough(t *testing.T) {
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, svcConfig(), dialer)
	connectChat(t, svc)

	collected := newEvents()
	svc.Subscribe(collected.handle, ws.EventMessage)

	payload := []byte("\x1b[1mboot\x1b[0m$ ")
	sock.serve(payload)

	e := collected.next(t, ws.EventMessage)
	require.NotNil(t, e.Frame)
	assert.Equal(t, ws.FrameRawData, e.Frame.Type)
	assert.Equal(t, payload, e.Raw, "original bytes survive untouched")
	assert.Equal(t, string(payload), e.Frame.Fields["data"])
}

func TestUnknownFrameTypeReEmits(t *testing.T) {
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, svcConfig(), dialer)
	connectChat(t, svc)

	collected := newEvents()
	svc.Subscribe(collected.handle, ws.EventMessage)

	sock.serve([]byte(`{"type":"totally_new_thing","x":1}`))

	e := collected.next(t, ws.EventMessage)
	require.NotNil(t, e.Frame)
	assert.Equal(t, ws.FrameUnknown, e.Frame.Type)
	assert.Equal(t, float64(1), e.Frame.Fields["x"])
}

func TestSendRecoveryRetriesOnce(t *testing.T) {
	cfg := svcConfig()
	cfg.AutoRecovery = true
	sock := newSpySocket()
	sock.failWrites = 1
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, cfg, dialer)
	id := connectChat(t, svc)

	collected := newEvents()
	svc.Subscribe(collected.handle, ws.EventError)

	_, err := svc.Send(context.Background(), id, map[string]any{"type": "message", "text": "retry me"}, SendOptions{})
	require.NoError(t, err, "one recovery retry covers a transient write failure")

	writes := sock.waitWrites(t, 1)
	frame := decodeWrite(t, writes[0])
	assert.Equal(t, "retry me", frame["text"])

	e := collected.next(t, ws.EventError)
	assert.Error(t, e.Err, "the first failure still surfaces as an error event")
}

func TestSendFailurePropagatesWithoutRecovery(t *testing.T) {
	cfg := svcConfig()
	cfg.AutoRecovery = false
	sock := newSpySocket()
	sock.failWrites = 1
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, cfg, dialer)
	id := connectChat(t, svc)

	_, err := svc.Send(context.Background(), id, map[string]any{"type": "message"}, SendOptions{})
	require.Error(t, err)
	assert.Empty(t, sock.written(), "no second attempt with recovery disabled")
}

func TestDisconnectRejectsOnlyItsOwnWaiters(t *testing.T) {
	chatSock := newSpySocket()
	mainSock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{chatSock, mainSock}}
	svc := newTestService(t, svcConfig(), dialer)

	chatID := connectChat(t, svc)
	mainID, err := svc.Connect(context.Background(), ConnectOptions{ServiceType: ws.ServiceMain})
	require.NoError(t, err)

	chatErr := make(chan error, 1)
	mainRes := make(chan error, 1)
	go func() {
		_, err := svc.Request(context.Background(), chatID, map[string]any{"type": "message"},
			SendOptions{Timeout: 2 * time.Second})
		chatErr <- err
	}()
	go func() {
		_, err := svc.Request(context.Background(), mainID, map[string]any{"type": "message"},
			SendOptions{Timeout: 2 * time.Second})
		mainRes <- err
	}()

	chatSock.waitWrites(t, 1)
	mainWrites := mainSock.waitWrites(t, 1)

	svc.Disconnect(chatID, "user logout")

	select {
	case err := <-chatErr:
		assert.ErrorIs(t, err, ws.ErrConnectionClosed, "the closing connection rejects its waiter")
	case <-time.After(time.Second):
		t.Fatal("chat waiter was not rejected")
	}

	select {
	case err := <-mainRes:
		t.Fatalf("main waiter must survive the chat disconnect, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	sent := decodeWrite(t, mainWrites[0])
	reply, _ := json.Marshal(map[string]any{"type": "message", "id": sent["id"], "ok": true})
	mainSock.serve(reply)
	select {
	case err := <-mainRes:
		assert.NoError(t, err, "the other connection's request still completes")
	case <-time.After(time.Second):
		t.Fatal("main request never resolved")
	}
}

func TestShutdownFlushesQueuesAndRejectsWaiters(t *testing.T) {
	cfg := svcConfig()
	cfg.EnableQueueing = true
	cfg.Queue.MaxWait = 10 * time.Second // only the shutdown flush can deliver
	cfg.MessageTimeout = 5 * time.Second
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}

	svc, err := New(cfg, dialer, log.Nop())
	require.NoError(t, err)
	svc.Start()

	id, err := svc.Connect(context.Background(), ConnectOptions{ServiceType: ws.ServiceChat})
	require.NoError(t, err)

	msgID, err := svc.Send(context.Background(), id, map[string]any{"type": "message", "text": "parting"}, SendOptions{})
	require.NoError(t, err)
	assert.Empty(t, sock.written(), "still queued")

	pending := make(chan error, 1)
	go func() {
		_, err := svc.Request(context.Background(), id, map[string]any{"type": "message"},
			SendOptions{Priority: ws.PriorityCritical})
		pending <- err
	}()
	sock.waitWrites(t, 1) // critical bypasses the queue; the batched send is still parked

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	require.NoError(t, svc.Shutdown(ctx), "second shutdown is a no-op")

	select {
	case err := <-pending:
		assert.ErrorIs(t, err, ws.ErrServiceClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected on shutdown")
	}

	var flushed bool
	for _, w := range sock.written() {
		if frame := decodeWrite(t, w); frame["id"] == msgID {
			flushed = true
		}
	}
	assert.True(t, flushed, "the queued message went out during the final flush")

	_, err = svc.Connect(context.Background(), ConnectOptions{ServiceType: ws.ServiceChat})
	assert.ErrorIs(t, err, ws.ErrServiceClosed)
	_, err = svc.Send(context.Background(), id, map[string]any{"type": "message"}, SendOptions{})
	assert.ErrorIs(t, err, ws.ErrServiceClosed)
}

func TestHealthInfoExportsEverySection(t *testing.T) {
	sock := newSpySocket()
	dialer := &spyDialer{sockets: []*spySocket{sock}}
	svc := newTestService(t, svcConfig(), dialer)
	id := connectChat(t, svc)

	_, err := svc.Send(context.Background(), id, map[string]any{"type": "message", "text": "traffic"}, SendOptions{})
	require.NoError(t, err)
	sock.waitWrites(t, 1)

	info := svc.HealthInfo()
	assert.Equal(t, 1, info.Connections.Active)
	assert.Len(t, info.Queues, 3, "one queue per service type")
	require.Len(t, info.Health, 1)
	assert.Equal(t, id, info.Health[0].ConnectionID)
	assert.Contains(t, info.Scores, id)
	assert.NotZero(t, info.Health[0].Throughput.MessagesSent)

	data, err := json.Marshal(info)
	require.NoError(t, err, "the export is JSON-serializable")
	assert.Contains(t, string(data), `"connection_details"`)
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	dialer := &spyDialer{}
	svc := newTestService(t, svcConfig(), dialer)

	collected := newEvents()
	svc.Subscribe(collected.handle, ws.EventConnectionCreated, ws.EventConnectionOpened)

	id := connectChat(t, svc)
	created := collected.next(t, ws.EventConnectionCreated)
	assert.Equal(t, id, created.ConnectionID)
	opened := collected.next(t, ws.EventConnectionOpened)
	assert.Equal(t, id, opened.ConnectionID)
}

func TestRunDiagnosticsThroughService(t *testing.T) {
	dialer := &spyDialer{}
	svc := newTestService(t, svcConfig(), dialer)
	id := connectChat(t, svc)

	report, err := svc.RunDiagnostics(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, report.ConnectionID)
	assert.True(t, report.Checks.NetworkReachable, "a connected socket is reachable")

	recs, err := svc.Recommendations(id)
	require.NoError(t, err)
	assert.Empty(t, recs, "a fresh healthy connection needs no advice")
}
