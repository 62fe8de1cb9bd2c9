package service

import (
	"time"

	"github.com/pkg/errors"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
	"github.com/penthoy/icotes-sub001/internal/core/ws/classify"
	"github.com/penthoy/icotes-sub001/internal/core/ws/health"
)

// handleEvent is the manager's sink. It runs on manager goroutines and must
// not block: everything here is bookkeeping plus non-blocking bus publishes.
func (s *Service) handleEvent(e ws.Event) {
	origin := classify.Origin{ConnectionID: e.ConnectionID, ServiceType: e.ServiceType}

	switch e.Type {
	case ws.EventConnectionOpened:
		connectedAt := time.Now()
		if info, ok := s.manager.Info(e.ConnectionID); ok && !info.ConnectedAt.IsZero() {
			connectedAt = info.ConnectedAt
		}
		s.monitor.Register(e.ConnectionID, e.ServiceType, connectedAt)
		s.resolveConnectWait(e.ConnectionID, nil)

	case ws.EventConnectionError:
		s.monitor.Record(e.ConnectionID, health.Sample{Errors: 1})
		cause := e.Err
		if cause == nil {
			cause = errors.Wrapf(ws.ErrSocketNotOpen, "connection %s failed while opening", e.ConnectionID)
		}
		s.classifier.Categorize(cause, origin)
		s.resolveConnectWait(e.ConnectionID, cause)

	case ws.EventConnectionClosed:
		s.classifier.CategorizeClose(e.CloseCode, e.Reason, origin)
		s.rejectPending(e.ConnectionID, errors.Wrapf(ws.ErrConnectionClosed, "%s", e.ConnectionID))

	case ws.EventReconnecting:
		s.monitor.Record(e.ConnectionID, health.Sample{Reconnects: 1})

	case ws.EventConnectionRemoved:
		s.monitor.Unregister(e.ConnectionID)
		if q := s.queueFor(e.ServiceType); q != nil {
			if n := q.ClearConnection(e.ConnectionID); n > 0 {
				s.log.Debug("dropped queued messages of removed connection",
					log.String("connection_id", e.ConnectionID),
					log.Int("dropped", n))
			}
		}
		s.rejectPending(e.ConnectionID, errors.Wrapf(ws.ErrConnectionClosed, "%s", e.ConnectionID))
		s.resolveConnectWait(e.ConnectionID, errors.Wrapf(ws.ErrConnectionClosed, "%s removed", e.ConnectionID))

	case ws.EventMessage:
		// handleInbound decides what reaches the bus.
		s.handleInbound(e)
		return
	}

	s.bus.Publish(e)
}

// handleInbound decodes one wire payload. Correlated replies resolve their
// waiter and stop here; pongs feed the latency window and stop here;
// everything else, raw_data pseudo-frames included, re-emits on the bus with
// both the decoded frame and the original bytes.
func (s *Service) handleInbound(e ws.Event) {
	frame := ws.DecodeFrame(e.Raw)
	s.monitor.Record(e.ConnectionID, health.Sample{
		MessagesReceived: 1,
		BytesReceived:    uint64(len(e.Raw)),
	})

	// Correlation outranks the pong swallow: a reply that happens to be a
	// pong still resolves its waiter.
	if frame.ID != "" && s.resolvePending(e.ConnectionID, frame.ID, frame) {
		return
	}
	if frame.Type == ws.FramePong {
		if frame.Timestamp > 0 {
			if rtt := time.Since(time.UnixMilli(frame.Timestamp)); rtt > 0 {
				s.monitor.Record(e.ConnectionID, health.Sample{Latency: rtt})
			}
		}
		return
	}

	e.Frame = &frame
	s.bus.Publish(e)
}

// armConnectWait registers a one-shot waiter for a connection's open/fail
// outcome. Several concurrent Connect calls may wait on the same id.
func (s *Service) armConnectWait(id string) chan error {
	ch := make(chan error, 1)
	s.connectMu.Lock()
	s.connectWaiters[id] = append(s.connectWaiters[id], ch)
	s.connectMu.Unlock()
	return ch
}

func (s *Service) disarmConnectWait(id string, ch chan error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	waiters := s.connectWaiters[id]
	for i, w := range waiters {
		if w == ch {
			s.connectWaiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.connectWaiters[id]) == 0 {
		delete(s.connectWaiters, id)
	}
}

// resolveConnectWait wakes every waiter of one connection. A nil err means
// the socket opened.
func (s *Service) resolveConnectWait(id string, err error) {
	s.connectMu.Lock()
	waiters := s.connectWaiters[id]
	delete(s.connectWaiters, id)
	s.connectMu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}

func (s *Service) rejectAllConnectWaits(err error) {
	s.connectMu.Lock()
	all := s.connectWaiters
	s.connectWaiters = make(map[string][]chan error)
	s.connectMu.Unlock()
	for _, waiters := range all {
		for _, ch := range waiters {
			ch <- err
		}
	}
}

// response carries a correlated reply or the rejection that ended the wait.
type response struct {
	frame ws.Frame
	err   error
}

// armPending registers a response waiter keyed by connection and message id.
func (s *Service) armPending(connectionID, messageID string) chan response {
	ch := make(chan response, 1)
	s.pendMu.Lock()
	inner := s.pending[connectionID]
	if inner == nil {
		inner = make(map[string]chan response)
		s.pending[connectionID] = inner
	}
	inner[messageID] = ch
	s.pendMu.Unlock()
	return ch
}

func (s *Service) disarmPending(connectionID, messageID string) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if inner, ok := s.pending[connectionID]; ok {
		delete(inner, messageID)
		if len(inner) == 0 {
			delete(s.pending, connectionID)
		}
	}
}

// resolvePending hands a reply frame to its waiter, reporting whether one was
// armed for the id.
func (s *Service) resolvePending(connectionID, messageID string, frame ws.Frame) bool {
	s.pendMu.Lock()
	inner, ok := s.pending[connectionID]
	if !ok {
		s.pendMu.Unlock()
		return false
	}
	ch, ok := inner[messageID]
	if !ok {
		s.pendMu.Unlock()
		return false
	}
	delete(inner, messageID)
	if len(inner) == 0 {
		delete(s.pending, connectionID)
	}
	s.pendMu.Unlock()
	ch <- response{frame: frame}
	return true
}

// rejectPending fails every waiter of one connection. Waiters on other
// connections are untouched.
func (s *Service) rejectPending(connectionID string, err error) {
	s.pendMu.Lock()
	inner := s.pending[connectionID]
	delete(s.pending, connectionID)
	s.pendMu.Unlock()
	for _, ch := range inner {
		ch <- response{err: err}
	}
}

func (s *Service) rejectAllPending(err error) {
	s.pendMu.Lock()
	all := s.pending
	s.pending = make(map[string]map[string]chan response)
	s.pendMu.Unlock()
	for _, inner := range all {
		for _, ch := range inner {
			ch <- response{err: err}
		}
	}
}
