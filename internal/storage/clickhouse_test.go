package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeBatch records appended rows. Unused driver.Batch methods panic.
type fakeBatch struct {
	driver.Batch
	conn *fakeConn
	rows [][]any
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	if b.conn.sendDelay > 0 {
		time.Sleep(b.conn.sendDelay)
	}
	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	if b.conn.sendErr != nil {
		return b.conn.sendErr
	}
	b.conn.sent = append(b.conn.sent, b.rows...)
	return nil
}

type fakeConn struct {
	mu        sync.Mutex
	queries   []string
	sent      [][]any
	sendErr   error
	sendDelay time.Duration
	closed    bool
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	c.mu.Unlock()
	return &fakeBatch{conn: c}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentRows() [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]any(nil), c.sent...)
}

func TestClickHouseWriter_FlushesOnTick(t *testing.T) {
	conn := &fakeConn{}
	w := newClickHouseWriter(conn, zap.NewNop())
	defer w.Close()

	w.Write(&ToolCallEvent{RequestID: "req-1", AgentToolID: "at-1", Outcome: OutcomeDelivered, Tainted: true})

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.sentRows()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event was not flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	row := conn.sentRows()[0]
	if len(row) != 24 {
		t.Fatalf("expected 24 columns, got %d", len(row))
	}
	if row[0] != "req-1" || row[4] != "at-1" || row[7] != OutcomeDelivered {
		t.Fatalf("unexpected row %v", row)
	}
	if row[15] != uint8(1) {
		t.Fatalf("expected tainted=1, got %v", row[15])
	}
	if m, ok := row[23].(map[string]string); !ok || m == nil {
		t.Fatalf("expected non-nil metadata map, got %#v", row[23])
	}
}

func TestClickHouseWriter_CloseDrains(t *testing.T) {
	conn := &fakeConn{}
	w := newClickHouseWriter(conn, zap.NewNop())

	for i := 0; i < 50; i++ {
		w.Write(&ToolCallEvent{RequestID: fmt.Sprintf("req-%d", i)})
	}
	w.Close()

	if got := len(conn.sentRows()); got != 50 {
		t.Fatalf("expected 50 events after drain, got %d", got)
	}
	if !conn.closed {
		t.Fatal("expected connection to be closed")
	}
}

func TestClickHouseWriter_SendFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	conn := &fakeConn{sendErr: fmt.Errorf("table tool_call_events does not exist")}
	w := newClickHouseWriter(conn, zap.New(core))

	w.Write(&ToolCallEvent{RequestID: "req-1"})
	w.Close()

	if logs.FilterMessage("clickhouse batch send failed").Len() != 1 {
		t.Fatalf("expected send failure to be logged, got %v", logs.All())
	}
}

func TestLogWriter_Write(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))
	defer w.Close()

	w.Write(&ToolCallEvent{RequestID: "req-1", AgentToolID: "at-1", Outcome: OutcomeDenied, BlockedBy: "policy"})

	entries := logs.FilterMessage("tool_call_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["outcome"] != OutcomeDenied || fields["blocked_by"] != "policy" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestClickHouseWriter_FlushesFullBatch(t *testing.T) {
	conn := &fakeConn{}
	reg := prometheus.NewRegistry()
	w := newClickHouseWriter(conn, zap.NewNop(),
		WithBatchSize(5),
		WithFlushInterval(time.Hour),
		WithMetrics(metrics.New(reg)),
	)
	defer w.Close()

	for i := 0; i < 5; i++ {
		w.Write(&ToolCallEvent{RequestID: fmt.Sprintf("req-%d", i)})
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.sentRows()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a full batch to flush without a tick, got %d rows", len(conn.sentRows()))
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for counterValue(t, reg, "written") != 5 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 5 written events, got %v", counterValue(t, reg, "written"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClickHouseWriter_CountsFailedSends(t *testing.T) {
	conn := &fakeConn{sendErr: fmt.Errorf("connection reset")}
	reg := prometheus.NewRegistry()
	w := newClickHouseWriter(conn, zap.NewNop(), WithMetrics(metrics.New(reg)))

	w.Write(&ToolCallEvent{RequestID: "req-1"})
	w.Write(&ToolCallEvent{RequestID: "req-2"})
	w.Close()

	if got := counterValue(t, reg, "failed"); got != 2 {
		t.Fatalf("expected 2 failed events, got %v", got)
	}
	if got := counterValue(t, reg, "written"); got != 0 {
		t.Fatalf("expected no written events, got %v", got)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "trust_gateway_audit_events_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestClickHouseWriter_DrainIsBounded(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	conn := &fakeConn{sendDelay: 5 * time.Millisecond}
	w := newClickHouseWriter(conn, zap.New(core), WithBatchSize(1), WithFlushInterval(time.Hour))
	w.drainTimeout = 50 * time.Millisecond

	// Each insert takes 5ms, so 500 queued events outlast the drain deadline.
	for i := 0; i < 500; i++ {
		w.Write(&ToolCallEvent{RequestID: fmt.Sprintf("req-%d", i)})
	}

	start := time.Now()
	w.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close took %v, drain should stop near its deadline", elapsed)
	}
	if logs.FilterMessage("audit drain timed out, events still queued").Len() != 1 {
		t.Fatalf("expected drain timeout to be logged, got %v", logs.All())
	}
	if got := len(conn.sentRows()); got == 0 || got == 500 {
		t.Fatalf("expected a partial drain, got %d rows", got)
	}
}
