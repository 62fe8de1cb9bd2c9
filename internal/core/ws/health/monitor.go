// Package health scores connection health from rolling latency, throughput
// and reliability samples, and surfaces diagnostics and recommendations for
// operators. The monitor never touches sockets itself; the connection layer
// feeds it samples and it answers questions.
package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
)

// StatusSource reports the live status of a connection. The connection
// manager implements it; diagnostics probes consult it.
type StatusSource interface {
	Status(id string) (ws.Status, bool)
}

// Sample carries incremental metric updates. Zero-valued fields are no-ops;
// a positive Latency appends one observation to the window.
type Sample struct {
	Latency          time.Duration
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Errors           uint64
	Reconnects       uint64
}

// Trend describes where a connection's health is heading.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Score is the weighted health composite. Every component is an integer in
// [0, 100].
type Score struct {
	Overall     int   `json:"overall"`
	Latency     int   `json:"latency"`
	Throughput  int   `json:"throughput"`
	Reliability int   `json:"reliability"`
	Trend       Trend `json:"trend"`
}

// HistoryPoint is one historical overall score captured by the scoring tick.
type HistoryPoint struct {
	At      time.Time `json:"at"`
	Overall int       `json:"overall"`
}

// LatencyMetrics summarize the bounded sample window.
type LatencyMetrics struct {
	Current time.Duration `json:"current"`
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	P95     time.Duration `json:"p95"`
	Samples int           `json:"samples"`
}

// ThroughputMetrics accumulate traffic counters and derived rates measured
// from the connection's connect time.
type ThroughputMetrics struct {
	MessagesPerSecond float64 `json:"messages_per_second"`
	BytesPerSecond    float64 `json:"bytes_per_second"`
	MessagesSent      uint64  `json:"messages_sent"`
	MessagesReceived  uint64  `json:"messages_received"`
	BytesSent         uint64  `json:"bytes_sent"`
	BytesReceived     uint64  `json:"bytes_received"`
}

// ReliabilityMetrics cover uptime and failure counts.
type ReliabilityMetrics struct {
	Uptime         time.Duration `json:"uptime"`
	ErrorCount     uint64        `json:"error_count"`
	ReconnectCount uint64        `json:"reconnect_count"`
}

// Metrics is the exported per-connection snapshot.
type Metrics struct {
	ConnectionID string             `json:"connection_id"`
	ServiceType  ws.ServiceType     `json:"service_type"`
	ConnectedAt  time.Time          `json:"connected_at"`
	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Reliability  ReliabilityMetrics `json:"reliability"`
}

// DiagStatus classifies a diagnostics run by overall score.
type DiagStatus string

const (
	DiagHealthy  DiagStatus = "healthy"  // score >= 80
	DiagWarning  DiagStatus = "warning"  // score >= 60
	DiagCritical DiagStatus = "critical" // score < 60
)

// Checks are the four best-effort diagnostic probes.
type Checks struct {
	NetworkReachable  bool `json:"network_reachable"`
	ProtocolCompliant bool `json:"protocol_compliant"`
	Authenticated     bool `json:"authenticated"`
	LoadResponsive    bool `json:"load_responsive"`
}

// DiagnosticsReport bundles probe results with the current score and metrics.
type DiagnosticsReport struct {
	ConnectionID string     `json:"connection_id"`
	Status       DiagStatus `json:"status"`
	Score        Score      `json:"score"`
	Checks       Checks     `json:"checks"`
	Metrics      Metrics    `json:"metrics"`
	RanAt        time.Time  `json:"ran_at"`
}

// entry is the per-connection metric state. Guarded by the monitor's mutex.
type entry struct {
	id          string
	serviceType ws.ServiceType
	connectedAt time.Time

	latencies  []time.Duration
	latencyCur time.Duration
	latencyAvg time.Duration
	latencyMin time.Duration
	latencyMax time.Duration

	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64
	errorCount       uint64
	reconnectCount   uint64

	history []HistoryPoint
}

// Monitor tracks every registered connection. Safe for concurrent use.
type Monitor struct {
	cfg    ws.HealthConfig
	source StatusSource
	log    log.Log

	mu    sync.Mutex
	conns map[string]*entry

	diagMu  sync.Mutex
	running map[string]struct{}

	done    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
	now     func() time.Time
}

// New builds a monitor. source may be nil; status-dependent probes then
// report false.
func New(cfg ws.HealthConfig, source StatusSource, lg log.Log) *Monitor {
	return &Monitor{
		cfg:     cfg,
		source:  source,
		log:     lg,
		conns:   make(map[string]*entry),
		running: make(map[string]struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the periodic scoring tick. Idempotent.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ScoreInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.captureScores()
		case <-m.done:
			return
		}
	}
}

// Close stops the scoring tick and waits for it. Idempotent.
func (m *Monitor) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.done)
	m.wg.Wait()
}

// Register starts tracking a connection. Re-registering an id resets nothing;
// the existing metrics survive reconnects.
func (m *Monitor) Register(id string, st ws.ServiceType, connectedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; ok {
		return
	}
	m.conns[id] = &entry{
		id:          id,
		serviceType: st,
		connectedAt: connectedAt,
	}
	m.log.Debug("connection registered for monitoring",
		log.String("connection_id", id),
		log.String("service_type", st.String()))
}

// Unregister drops a connection's metrics.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

// Record folds a sample into the connection's metrics. Unknown ids are
// dropped silently; traffic can race connection removal.
func (m *Monitor) Record(id string, s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return
	}
	if s.Latency > 0 {
		e.appendLatency(s.Latency, m.cfg.LatencyWindow)
	}
	e.messagesSent += s.MessagesSent
	e.messagesReceived += s.MessagesReceived
	e.bytesSent += s.BytesSent
	e.bytesReceived += s.BytesReceived
	e.errorCount += s.Errors
	e.reconnectCount += s.Reconnects
}

// appendLatency keeps the bounded window (FIFO eviction) and recomputes the
// aggregate figures over the surviving samples.
func (e *entry) appendLatency(d time.Duration, window int) {
	if window <= 0 {
		window = 100
	}
	e.latencies = append(e.latencies, d)
	if len(e.latencies) > window {
		e.latencies = e.latencies[len(e.latencies)-window:]
	}
	e.latencyCur = d

	var sum time.Duration
	e.latencyMin = e.latencies[0]
	e.latencyMax = e.latencies[0]
	for _, v := range e.latencies {
		sum += v
		if v < e.latencyMin {
			e.latencyMin = v
		}
		if v > e.latencyMax {
			e.latencyMax = v
		}
	}
	e.latencyAvg = sum / time.Duration(len(e.latencies))
}

// Snapshot exports the current metrics for one connection.
func (m *Monitor) Snapshot(id string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return Metrics{}, false
	}
	return m.snapshotLocked(e), true
}

// SnapshotAll exports metrics for every tracked connection.
func (m *Monitor) SnapshotAll() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metrics, 0, len(m.conns))
	for _, e := range m.conns {
		out = append(out, m.snapshotLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func (m *Monitor) snapshotLocked(e *entry) Metrics {
	uptime := m.now().Sub(e.connectedAt)
	if uptime < 0 {
		uptime = 0
	}
	secs := uptime.Seconds()

	var msgRate, byteRate float64
	totalMsgs := e.messagesSent + e.messagesReceived
	totalBytes := e.bytesSent + e.bytesReceived
	if secs > 0 {
		msgRate = float64(totalMsgs) / secs
		byteRate = float64(totalBytes) / secs
	}

	return Metrics{
		ConnectionID: e.id,
		ServiceType:  e.serviceType,
		ConnectedAt:  e.connectedAt,
		Latency: LatencyMetrics{
			Current: e.latencyCur,
			Average: e.latencyAvg,
			Min:     e.latencyMin,
			Max:     e.latencyMax,
			P95:     percentile(e.latencies, 0.95),
			Samples: len(e.latencies),
		},
		Throughput: ThroughputMetrics{
			MessagesPerSecond: msgRate,
			BytesPerSecond:    byteRate,
			MessagesSent:      e.messagesSent,
			MessagesReceived:  e.messagesReceived,
			BytesSent:         e.bytesSent,
			BytesReceived:     e.bytesReceived,
		},
		Reliability: ReliabilityMetrics{
			Uptime:         uptime,
			ErrorCount:     e.errorCount,
			ReconnectCount: e.reconnectCount,
		},
	}
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// Score computes the weighted composite for a connection:
// overall = latency*0.3 + throughput*0.3 + reliability*0.4.
func (m *Monitor) Score(id string) (Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return Score{}, errors.Wrapf(ws.ErrConnectionNotFound, "%s", id)
	}
	return m.scoreLocked(e), nil
}

func (m *Monitor) scoreLocked(e *entry) Score {
	metrics := m.snapshotLocked(e)

	lat := latencyScore(metrics.Latency.Average)
	thr := throughputScore(metrics.Throughput.MessagesPerSecond)
	rel := m.reliabilityScore(metrics)
	overall := int(float64(lat)*0.3 + float64(thr)*0.3 + float64(rel)*0.4 + 0.5)

	return Score{
		Overall:     clamp(overall),
		Latency:     lat,
		Throughput:  thr,
		Reliability: rel,
		Trend:       trend(overall, e.history),
	}
}

// latencyScore steps down through bands: 100 below 50ms, 0 at or past 2s.
func latencyScore(avg time.Duration) int {
	ms := avg.Milliseconds()
	switch {
	case ms < 50:
		return 100
	case ms < 100:
		return 90
	case ms < 200:
		return 80
	case ms < 500:
		return 60
	case ms < 1000:
		return 40
	case ms < 2000:
		return 20
	default:
		return 0
	}
}

// throughputScore steps down with message rate; any nonzero traffic floors at
// 30, and an idle connection scores a neutral 50 rather than failing.
func throughputScore(msgPerSec float64) int {
	switch {
	case msgPerSec > 100:
		return 100
	case msgPerSec > 50:
		return 90
	case msgPerSec > 20:
		return 80
	case msgPerSec > 10:
		return 70
	case msgPerSec > 5:
		return 60
	case msgPerSec > 1:
		return 50
	case msgPerSec > 0:
		return 30
	default:
		return 50
	}
}

// reliabilityScore blends uptime (against the reference window), cumulative
// error rate (-10 per 1%) and reconnections (-10 each).
func (m *Monitor) reliabilityScore(metrics Metrics) int {
	ref := m.cfg.UptimeReference
	if ref <= 0 {
		ref = 24 * time.Hour
	}
	uptimeScore := float64(metrics.Reliability.Uptime) / float64(ref) * 100
	if uptimeScore > 100 {
		uptimeScore = 100
	}

	errorScore := 100.0
	total := metrics.Throughput.MessagesSent + metrics.Throughput.MessagesReceived
	if total > 0 {
		rate := float64(metrics.Reliability.ErrorCount) / float64(total) * 100
		errorScore -= rate * 10
		if errorScore < 0 {
			errorScore = 0
		}
	}

	reconnectScore := 100.0 - float64(metrics.Reliability.ReconnectCount)*10
	if reconnectScore < 0 {
		reconnectScore = 0
	}

	return clamp(int(uptimeScore*0.5 + errorScore*0.3 + reconnectScore*0.2 + 0.5))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// trend compares the current score against the mean of the last three
// historical points, with a five-point hysteresis band to avoid flapping.
func trend(current int, history []HistoryPoint) Trend {
	if len(history) == 0 {
		return TrendStable
	}
	n := 3
	if len(history) < n {
		n = len(history)
	}
	var sum int
	for _, p := range history[len(history)-n:] {
		sum += p.Overall
	}
	avg := float64(sum) / float64(n)
	diff := float64(current) - avg
	switch {
	case diff > 5:
		return TrendImproving
	case diff < -5:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// captureScores appends the current overall score of every connection to its
// bounded history ring. Runs on every scoring tick.
func (m *Monitor) captureScores() {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now()
	limit := m.cfg.HistoryLimit
	if limit <= 0 {
		limit = 1000
	}
	for _, e := range m.conns {
		s := m.scoreLocked(e)
		e.history = append(e.history, HistoryPoint{At: at, Overall: s.Overall})
		if len(e.history) > limit {
			e.history = e.history[len(e.history)-limit:]
		}
	}
}

// History returns a copy of the captured score history, oldest first.
func (m *Monitor) History(id string) []HistoryPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	if !ok {
		return nil
	}
	out := make([]HistoryPoint, len(e.history))
	copy(out, e.history)
	return out
}
