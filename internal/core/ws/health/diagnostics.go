package health

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
)

// loadResponsiveCeiling is the average latency above which the load probe
// reports the connection as unresponsive.
const loadResponsiveCeiling = time.Second

// RunDiagnostics probes one connection and bundles the results with its
// current score and metrics. Probes run concurrently and are best-effort: a
// probe that cannot decide reports false rather than failing the run. At most
// one run per connection is in flight; a concurrent second call returns
// ws.ErrDiagnosticsBusy instead of queueing behind the first.
func (m *Monitor) RunDiagnostics(ctx context.Context, id string) (DiagnosticsReport, error) {
	if !m.beginDiag(id) {
		return DiagnosticsReport{}, errors.Wrapf(ws.ErrDiagnosticsBusy, "%s", id)
	}
	defer m.endDiag(id)

	metrics, ok := m.Snapshot(id)
	if !ok {
		return DiagnosticsReport{}, errors.Wrapf(ws.ErrConnectionNotFound, "%s", id)
	}
	score, err := m.Score(id)
	if err != nil {
		return DiagnosticsReport{}, err
	}

	var checks Checks
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checks.NetworkReachable = m.probeNetwork(ctx, id)
		return nil
	})
	g.Go(func() error {
		checks.ProtocolCompliant = m.probeProtocol(ctx, id)
		return nil
	})
	g.Go(func() error {
		checks.Authenticated = m.probeAuth(ctx, id)
		return nil
	})
	g.Go(func() error {
		checks.LoadResponsive = probeLoad(metrics)
		return nil
	})
	if err = g.Wait(); err != nil {
		return DiagnosticsReport{}, errors.Wrap(err, "run diagnostics")
	}

	report := DiagnosticsReport{
		ConnectionID: id,
		Status:       statusFor(score.Overall),
		Score:        score,
		Checks:       checks,
		Metrics:      metrics,
		RanAt:        m.now(),
	}
	m.log.Debug("diagnostics complete",
		log.String("connection_id", id),
		log.String("status", string(report.Status)),
		log.Int("overall", score.Overall))
	return report, nil
}

// beginDiag claims the per-connection diagnostics slot.
func (m *Monitor) beginDiag(id string) bool {
	m.diagMu.Lock()
	defer m.diagMu.Unlock()
	if _, busy := m.running[id]; busy {
		return false
	}
	m.running[id] = struct{}{}
	return true
}

func (m *Monitor) endDiag(id string) {
	m.diagMu.Lock()
	defer m.diagMu.Unlock()
	delete(m.running, id)
}

// probeNetwork reports whether the socket is currently open.
func (m *Monitor) probeNetwork(ctx context.Context, id string) bool {
	if ctx.Err() != nil || m.source == nil {
		return false
	}
	st, ok := m.source.Status(id)
	return ok && st == ws.StatusConnected
}

// probeProtocol reports whether the connection completed a handshake at some
// point: the status source still tracks it in a non-error state.
func (m *Monitor) probeProtocol(ctx context.Context, id string) bool {
	if ctx.Err() != nil || m.source == nil {
		return false
	}
	st, ok := m.source.Status(id)
	return ok && st != ws.StatusError
}

// probeAuth treats an open socket as authenticated; the backend closes
// unauthenticated sockets with a 4001 during the handshake.
func (m *Monitor) probeAuth(ctx context.Context, id string) bool {
	return m.probeNetwork(ctx, id)
}

// probeLoad reports whether the connection keeps up with its traffic: an
// average latency under a second, or no samples yet to judge by.
func probeLoad(metrics Metrics) bool {
	if metrics.Latency.Samples == 0 {
		return true
	}
	return metrics.Latency.Average < loadResponsiveCeiling
}

func statusFor(overall int) DiagStatus {
	switch {
	case overall >= 80:
		return DiagHealthy
	case overall >= 60:
		return DiagWarning
	default:
		return DiagCritical
	}
}

// Recommendations derives operator-facing suggestions from the current
// metrics and score. An empty slice means nothing stands out.
func (m *Monitor) Recommendations(id string) ([]string, error) {
	m.mu.Lock()
	e, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.Wrapf(ws.ErrConnectionNotFound, "%s", id)
	}
	metrics := m.snapshotLocked(e)
	score := m.scoreLocked(e)
	m.mu.Unlock()

	recs := make([]string, 0, 4)
	if metrics.Latency.Average > time.Second {
		recs = append(recs, "high latency: consider a closer server region or CDN")
	}
	if metrics.Reliability.ReconnectCount > 5 {
		recs = append(recs, "frequent reconnections: check network stability")
	}
	total := metrics.Throughput.MessagesSent + metrics.Throughput.MessagesReceived
	if total > 0 && float64(metrics.Reliability.ErrorCount)/float64(total) > 0.05 {
		recs = append(recs, "elevated error rate: inspect recent close codes and server logs")
	}
	if score.Trend == TrendDegrading {
		recs = append(recs, "health trending down: run diagnostics before the next deploy")
	}
	return recs, nil
}
