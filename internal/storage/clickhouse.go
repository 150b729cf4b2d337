package storage

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultQueueSize     = 10_000
	defaultBatchSize     = 1000
	defaultFlushInterval = 100 * time.Millisecond
	drainTimeout         = 2 * time.Second
	insertTimeout        = 5 * time.Second
)

const insertToolCallEvents = `
	INSERT INTO tool_call_events (
		request_id, call_id, timestamp, agent_id, agent_tool_id, tool_name, session_id,
		outcome, reason, rule_id, decision_source, blocked_by,
		treatment, label, residual, tainted, session_state,
		target_kind, target, attempts, error_kind,
		arguments_json, latency_ms, metadata
	)
`

// batchConn is the part of driver.Conn the writer uses.
type batchConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ClickHouseWriter inserts tool call events in batches from a background
// goroutine. Write never blocks: when the queue is full the event is
// dropped and counted.
type ClickHouseWriter struct {
	conn          batchConn
	queue         chan *ToolCallEvent
	stop          chan struct{}
	stopped       chan struct{}
	batchSize     int
	flushInterval time.Duration
	drainTimeout  time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// WriterOption configures a ClickHouseWriter.
type WriterOption func(*ClickHouseWriter)

// WithMetrics counts written, dropped and failed events.
func WithMetrics(m *metrics.Metrics) WriterOption {
	return func(w *ClickHouseWriter) { w.metrics = m }
}

// WithBatchSize caps the rows of one INSERT.
func WithBatchSize(n int) WriterOption {
	return func(w *ClickHouseWriter) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait.
func WithFlushInterval(d time.Duration) WriterOption {
	return func(w *ClickHouseWriter) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// NewClickHouseWriter connects to dsn (secure=true enables TLS) and starts
// the flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger, opts ...WriterOption) (*ClickHouseWriter, error) {
	chOpts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newClickHouseWriter(conn, logger, opts...), nil
}

func newClickHouseWriter(conn batchConn, logger *zap.Logger, opts ...WriterOption) *ClickHouseWriter {
	w := &ClickHouseWriter{
		conn:          conn,
		queue:         make(chan *ToolCallEvent, defaultQueueSize),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		drainTimeout:  drainTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

func (w *ClickHouseWriter) Write(event *ToolCallEvent) {
	select {
	case w.queue <- event:
	default:
		w.metrics.AuditEvents("dropped", 1)
		w.logger.Warn("audit queue full, dropping tool call event",
			zap.String("request_id", event.RequestID),
			zap.String("agent_tool_id", event.AgentToolID),
			zap.String("outcome", event.Outcome),
		)
	}
}

// Close flushes what is queued, waiting at most the drain timeout, then closes
// the connection.
func (w *ClickHouseWriter) Close() {
	close(w.stop)
	<-w.stopped
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	pending := make([]*ToolCallEvent, 0, w.batchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		w.insert(pending)
		pending = pending[:0]
	}

	for {
		select {
		case event := <-w.queue:
			pending = append(pending, event)
			if len(pending) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stop:
			w.drain(&pending, flush)
			flush()
			return
		}
	}
}

// drain moves queued events into pending until the queue is empty. Writers
// that keep adding events after Close can hold it for at most
// w.drainTimeout.
func (w *ClickHouseWriter) drain(pending *[]*ToolCallEvent, flush func()) {
	deadline := time.Now().Add(w.drainTimeout)
	for time.Now().Before(deadline) {
		select {
		case event := <-w.queue:
			*pending = append(*pending, event)
			if len(*pending) >= w.batchSize {
				flush()
			}
		default:
			return
		}
	}
	w.logger.Warn("audit drain timed out, events still queued", zap.Int("queued", len(w.queue)))
}

func (w *ClickHouseWriter) insert(events []*ToolCallEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertToolCallEvents)
	if err != nil {
		w.metrics.AuditEvents("failed", len(events))
		w.logger.Error("clickhouse prepare batch failed", zap.Int("batch_size", len(events)), zap.Error(err))
		return
	}

	appended := 0
	for _, e := range events {
		if err := batch.Append(row(e)...); err != nil {
			w.metrics.AuditEvents("failed", 1)
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
			continue
		}
		appended++
	}

	if err := batch.Send(); err != nil {
		w.metrics.AuditEvents("failed", appended)
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", appended),
			zap.Error(err),
		)
		return
	}
	w.metrics.AuditEvents("written", appended)
}

// row lays e out in insertToolCallEvents column order.
func row(e *ToolCallEvent) []any {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return []any{
		e.RequestID, e.CallID, e.Timestamp, e.AgentID, e.AgentToolID, e.ToolName, e.SessionID,
		e.Outcome, e.Reason, e.RuleID, e.DecisionSource, e.BlockedBy,
		e.Treatment, e.Label, flag(e.Residual), flag(e.Tainted), e.SessionState,
		e.TargetKind, e.Target, e.Attempts, e.ErrorKind,
		e.ArgumentsJSON, e.LatencyMs, metadata,
	}
}

// flag encodes a bool for a ClickHouse UInt8 column.
func flag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// LogWriter logs events instead of storing them. Used when no ClickHouse
// DSN is configured.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *ToolCallEvent) {
	w.logger.Info("tool_call_event",
		zap.String("request_id", event.RequestID),
		zap.String("agent_id", event.AgentID),
		zap.String("agent_tool_id", event.AgentToolID),
		zap.String("tool_name", event.ToolName),
		zap.String("session_id", event.SessionID),
		zap.String("outcome", event.Outcome),
		zap.String("reason", event.Reason),
		zap.String("blocked_by", event.BlockedBy),
		zap.String("treatment", event.Treatment),
		zap.String("label", event.Label),
		zap.Bool("tainted", event.Tainted),
		zap.String("target", event.Target),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
