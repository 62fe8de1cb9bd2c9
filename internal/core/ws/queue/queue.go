// Package queue batches outbound messages per logical connection to amortize
// per-frame overhead. Messages are held in a stable priority order and
// flushed when the queue fills, when the wait timer fires, or immediately for
// critical traffic, which bypasses the shared timer entirely.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
	"github.com/penthoy/icotes-sub001/internal/core/ws"
	"github.com/penthoy/icotes-sub001/pkg/sequence"
)

// DefaultRetries asks Enqueue to apply the configured retry budget.
const DefaultRetries = -1

// ErrUnknownMessage is returned by Retry for ids that are not queued.
var ErrUnknownMessage = errors.New("message is not queued")

// SendFunc delivers one serialized frame to a connection. The queue calls it
// outside its own locks; implementations may block on IO.
type SendFunc func(ctx context.Context, connectionID string, data []byte) error

// Message is one enqueued outbound payload.
type Message struct {
	ID           string
	Payload      any
	EnqueuedAt   time.Time
	Priority     ws.Priority
	ConnectionID string
	ServiceType  ws.ServiceType
	Retries      int
	MaxRetries   int
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	TotalEnqueued    uint64  `json:"total_enqueued"`
	Queued           int     `json:"queued"`
	Sent             uint64  `json:"sent"`
	Failed           uint64  `json:"failed"`
	BatchesSent      uint64  `json:"batches_sent"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Queue is the per-service-type outbound message queue. All methods are safe
// for concurrent use.
type Queue struct {
	cfg        ws.QueueConfig
	send       SendFunc
	compressor Compressor
	log        log.Log

	mu       sync.Mutex
	pending  *sequence.PriorityQueue[*Message]
	critical []*Message
	byID     map[string]*Message
	timer    *time.Timer

	// flushMu serializes flush passes so grouped sends never interleave.
	flushMu sync.Mutex

	totalEnqueued uint64
	sent          uint64
	failed        uint64
	batchesSent   uint64

	statMu           sync.Mutex
	avgLatencyMs     float64
	compressionRatio float64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New builds a queue delivering through send. The no-op compressor is
// installed by default; UseCompressor swaps it before traffic starts.
func New(cfg ws.QueueConfig, send SendFunc, lg log.Log) *Queue {
	return &Queue{
		cfg:        cfg,
		send:       send,
		compressor: NopCompressor{},
		log:        lg,
		pending:    sequence.NewPriorityQueue[*Message](),
		byID:       make(map[string]*Message),
	}
}

// UseCompressor replaces the batch compressor. Call before the first enqueue.
func (q *Queue) UseCompressor(c Compressor) {
	if c != nil {
		q.compressor = c
	}
}

// Enqueue adds a payload for connectionID and returns the generated message
// id. Critical messages flush immediately on their own tick; a full queue
// flushes everything; anything else waits for the batch timer. maxRetries
// below zero applies the configured default.
func (q *Queue) Enqueue(payload any, connectionID string, st ws.ServiceType, prio ws.Priority, maxRetries int) (string, error) {
	if q.closed.Load() {
		return "", ws.ErrQueueClosed
	}
	if !prio.Valid() {
		prio = ws.PriorityNormal
	}
	if maxRetries < 0 {
		maxRetries = q.cfg.MaxRetries
	}
	m := &Message{
		ID:           uuid.New().String(),
		Payload:      payload,
		EnqueuedAt:   time.Now(),
		Priority:     prio,
		ConnectionID: connectionID,
		ServiceType:  st,
		MaxRetries:   maxRetries,
	}

	atomic.AddUint64(&q.totalEnqueued, 1)

	q.mu.Lock()
	q.byID[m.ID] = m
	if prio == ws.PriorityCritical {
		q.critical = append(q.critical, m)
		q.mu.Unlock()
		q.kick(q.flushCritical)
		return m.ID, nil
	}
	q.pending.Enqueue(m, prio.Rank())
	full := q.pending.Len() >= q.cfg.MaxSize
	if !full && q.timer == nil {
		q.timer = time.AfterFunc(q.cfg.MaxWait, q.timedFlush)
	}
	q.mu.Unlock()

	if full {
		q.kick(func(ctx context.Context) { q.Flush(ctx) })
	}
	return m.ID, nil
}

// kick runs fn on its own goroutine so enqueueing never blocks on IO.
func (q *Queue) kick(fn func(context.Context)) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn(context.Background())
	}()
}

func (q *Queue) timedFlush() {
	q.Flush(context.Background())
}

// Flush drains everything currently queued, critical side channel first, and
// delivers it grouped by connection.
func (q *Queue) Flush(ctx context.Context) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.takeCriticalLocked()
	drained := q.pending.Drain()
	for _, m := range drained {
		delete(q.byID, m.ID)
	}
	batch = append(batch, drained...)
	q.stopTimerLocked()
	q.mu.Unlock()

	q.deliver(ctx, batch)
}

// flushCritical drains only the critical side channel so urgent traffic is
// not held behind lower-priority batches.
func (q *Queue) flushCritical(ctx context.Context) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.takeCriticalLocked()
	q.mu.Unlock()

	q.deliver(ctx, batch)
}

func (q *Queue) takeCriticalLocked() []*Message {
	batch := q.critical
	q.critical = nil
	for _, m := range batch {
		delete(q.byID, m.ID)
	}
	return batch
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// deliver groups the batch by connection id, preserving order, and sends each
// group as a single frame or a batch envelope.
func (q *Queue) deliver(ctx context.Context, batch []*Message) {
	if len(batch) == 0 {
		return
	}
	groups := make(map[string][]*Message)
	order := make([]string, 0, len(batch))
	for _, m := range batch {
		if _, ok := groups[m.ConnectionID]; !ok {
			order = append(order, m.ConnectionID)
		}
		groups[m.ConnectionID] = append(groups[m.ConnectionID], m)
	}
	for _, connID := range order {
		q.sendGroup(ctx, connID, groups[connID])
	}
}

func (q *Queue) sendGroup(ctx context.Context, connID string, group []*Message) {
	data, plainLen, compressed, err := q.encodeGroup(group)
	if err != nil {
		q.log.Error("failed to encode outbound group",
			log.String("connection_id", connID),
			log.Int("size", len(group)),
			log.Error(err))
		atomic.AddUint64(&q.failed, uint64(len(group)))
		return
	}

	if err = q.send(ctx, connID, data); err != nil {
		q.log.Warn("send failed, requeueing",
			log.String("connection_id", connID),
			log.Int("size", len(group)),
			log.Error(err))
		q.requeue(group)
		return
	}

	atomic.AddUint64(&q.sent, uint64(len(group)))
	atomic.AddUint64(&q.batchesSent, 1)
	q.blendLatency(group)
	if compressed {
		q.blendCompression(len(data), plainLen)
	}
}

// encodeGroup serializes a group: a single message goes out directly, larger
// groups wrap into one batch envelope and pass through the compressor.
func (q *Queue) encodeGroup(group []*Message) ([]byte, int, bool, error) {
	if len(group) == 1 {
		data, err := ws.EncodePayload(group[0].Payload)
		if err != nil {
			return nil, 0, false, errors.Wrap(err, "marshal payload")
		}
		return data, len(data), false, nil
	}
	items := make([]ws.BatchItem, len(group))
	for i, m := range group {
		items[i] = ws.BatchItem{
			ID:        m.ID,
			Data:      batchData(m.Payload),
			Timestamp: m.EnqueuedAt.UnixMilli(),
			Priority:  m.Priority,
		}
	}
	plain, err := json.Marshal(ws.NewBatchEnvelope(items, false))
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "marshal batch envelope")
	}
	packed, applied, err := q.compressor.Compress(plain)
	if err != nil {
		// Compression is best-effort; fall back to the plain envelope.
		q.log.Warn("batch compression failed", log.Error(err))
		return plain, len(plain), false, nil
	}
	if !applied {
		return plain, len(plain), false, nil
	}
	return packed, len(plain), true, nil
}

// batchData normalizes payload representations for embedding in a batch item.
func batchData(payload any) any {
	switch v := payload.(type) {
	case []byte:
		return string(v)
	case json.RawMessage:
		return v
	default:
		return v
	}
}

// requeue puts failed messages back at the head of their priority tier;
// messages out of retries count as failed and drop.
func (q *Queue) requeue(group []*Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		atomic.AddUint64(&q.failed, uint64(len(group)))
		return
	}
	requeued := false
	for _, m := range group {
		m.Retries++
		if m.Retries > m.MaxRetries {
			atomic.AddUint64(&q.failed, 1)
			continue
		}
		q.pending.EnqueueFront(m, m.Priority.Rank())
		q.byID[m.ID] = m
		requeued = true
	}
	// Retries ride the timed path; an immediate re-flush against a dead
	// connection would spin.
	if requeued && q.timer == nil {
		q.timer = time.AfterFunc(q.cfg.MaxWait, q.timedFlush)
	}
}

// Retry moves a queued message to the head of its tier with an incremented
// retry count, or drops it as failed when the budget is exhausted.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.byID[id]
	if !ok {
		return errors.Wrapf(ErrUnknownMessage, "%s", id)
	}
	q.pending.Filter(func(c *Message) bool { return c.ID != id })
	q.dropCriticalLocked(id)

	m.Retries++
	if m.Retries > m.MaxRetries {
		delete(q.byID, id)
		atomic.AddUint64(&q.failed, 1)
		return nil
	}
	q.pending.EnqueueFront(m, m.Priority.Rank())
	if q.timer == nil {
		q.timer = time.AfterFunc(q.cfg.MaxWait, q.timedFlush)
	}
	return nil
}

func (q *Queue) dropCriticalLocked(id string) {
	for i, m := range q.critical {
		if m.ID == id {
			q.critical = append(q.critical[:i], q.critical[i+1:]...)
			return
		}
	}
}

// ClearConnection removes every queued message owned by connectionID and
// returns how many were dropped. Cleared messages are neither sent nor
// counted as failed.
func (q *Queue) ClearConnection(connectionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.pending.Filter(func(m *Message) bool { return m.ConnectionID != connectionID })
	kept := q.critical[:0]
	for _, m := range q.critical {
		if m.ConnectionID == connectionID {
			removed = append(removed, m)
		} else {
			kept = append(kept, m)
		}
	}
	q.critical = kept
	for _, m := range removed {
		delete(q.byID, m.ID)
	}
	return len(removed)
}

// Len reports how many messages are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() + len(q.critical)
}

// Stats snapshots the queue counters.
func (q *Queue) Stats() Stats {
	q.statMu.Lock()
	avg, ratio := q.avgLatencyMs, q.compressionRatio
	q.statMu.Unlock()
	return Stats{
		TotalEnqueued:    atomic.LoadUint64(&q.totalEnqueued),
		Queued:           q.Len(),
		Sent:             atomic.LoadUint64(&q.sent),
		Failed:           atomic.LoadUint64(&q.failed),
		BatchesSent:      atomic.LoadUint64(&q.batchesSent),
		AvgLatencyMs:     avg,
		CompressionRatio: ratio,
	}
}

// blendLatency folds the batch's average enqueue-to-send latency into the
// running figure: avg = (avg + batchAvg) / 2.
func (q *Queue) blendLatency(group []*Message) {
	now := time.Now()
	var total float64
	for _, m := range group {
		total += float64(now.Sub(m.EnqueuedAt).Microseconds()) / 1000.0
	}
	batchAvg := total / float64(len(group))

	q.statMu.Lock()
	if q.avgLatencyMs == 0 {
		q.avgLatencyMs = batchAvg
	} else {
		q.avgLatencyMs = (q.avgLatencyMs + batchAvg) / 2
	}
	q.statMu.Unlock()
}

func (q *Queue) blendCompression(packedLen, plainLen int) {
	if plainLen == 0 {
		return
	}
	ratio := float64(packedLen) / float64(plainLen)

	q.statMu.Lock()
	if q.compressionRatio == 0 {
		q.compressionRatio = ratio
	} else {
		q.compressionRatio = (q.compressionRatio + ratio) / 2
	}
	q.statMu.Unlock()
}

// Close flushes whatever is queued, stops the timer and waits for in-flight
// deliveries. Enqueue calls after Close fail with ErrQueueClosed.
func (q *Queue) Close(ctx context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.Flush(ctx)
	q.mu.Lock()
	q.stopTimerLocked()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for queue deliveries")
	}
}
