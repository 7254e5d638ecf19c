package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/allocator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type fakePool struct {
	stats allocator.PoolStats
}

func (p *fakePool) Stats() allocator.PoolStats {
	return p.stats
}

func TestNew(t *testing.T) {
	m := New(nil, zap.NewNop())

	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}
	if m.radiusRequests == nil {
		t.Error("radiusRequests not initialized")
	}
	if m.sessionActive == nil {
		t.Error("sessionActive not initialized")
	}
	if m.coaCommands == nil {
		t.Error("coaCommands not initialized")
	}
	if m.fupEvaluations == nil {
		t.Error("fupEvaluations not initialized")
	}
	if m.poolUtilization == nil {
		t.Error("poolUtilization not initialized")
	}
}

func TestRegister(t *testing.T) {
	// Use a new registry for isolation
	reg := prometheus.NewRegistry()
	oldDefault := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = oldDefault }()

	m := New(nil, zap.NewNop())

	if err := m.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Register again should not fail (already registered is ignored)
	if err := m.Register(); err != nil {
		t.Fatalf("Register() second call error = %v", err)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	// Should not panic
	m.RecordRADIUSRequest("auth", "accept", "aaa", time.Millisecond)
	m.RecordRADIUSTimeout("aaa")
	m.RecordAuthenticatorMismatch("aaa")
	m.RecordSessionCreated()
	m.RecordSessionTerminated(time.Minute, 1, 2)
	m.RecordAccountingUndelivered("stop")
	m.RecordCoA("speed_change", "success")
	m.RecordFUPEvaluation("applied")
	m.RecordFUPRun(time.Second, 3)
	m.Collect()
}

func TestRecordRADIUSRequest(t *testing.T) {
	m := New(nil, zap.NewNop())

	m.RecordRADIUSRequest("auth", "accept", "aaa", 50*time.Millisecond)
	m.RecordRADIUSRequest("auth", "accept", "aaa", 20*time.Millisecond)
	m.RecordRADIUSRequest("acct", "unreachable", "aaa", 9*time.Second)

	if got := testutil.ToFloat64(m.radiusRequests.WithLabelValues("auth", "accept", "aaa")); got != 2 {
		t.Errorf("auth accept = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.radiusRequests.WithLabelValues("acct", "unreachable", "aaa")); got != 1 {
		t.Errorf("acct unreachable = %v, want 1", got)
	}
}

func TestRecordTimeoutsAndMismatches(t *testing.T) {
	m := New(nil, zap.NewNop())

	m.RecordRADIUSTimeout("nas-1")
	m.RecordRADIUSTimeout("nas-1")
	m.RecordAuthenticatorMismatch("nas-1")

	if got := testutil.ToFloat64(m.radiusTimeouts.WithLabelValues("nas-1")); got != 2 {
		t.Errorf("timeouts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.radiusAuthMismatch.WithLabelValues("nas-1")); got != 1 {
		t.Errorf("mismatches = %v, want 1", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := New(nil, zap.NewNop())

	m.RecordSessionCreated()
	m.RecordSessionCreated()
	m.RecordSessionTerminated(2*time.Hour, 2_000_000_000, 3_500_000_000)

	if got := testutil.ToFloat64(m.sessionActive); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionTotal.WithLabelValues("terminated")); got != 1 {
		t.Errorf("terminated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionBytesOut); got != 3_500_000_000 {
		t.Errorf("bytes out = %v, want 3.5e9", got)
	}
}

func TestRecordCoAAndFUP(t *testing.T) {
	m := New(nil, zap.NewNop())

	m.RecordCoA("disconnect", "success")
	m.RecordCoA("speed_change", "failed")
	m.RecordFUPEvaluation("applied")
	m.RecordFUPEvaluation("unchanged")
	m.RecordFUPEvaluation("unchanged")
	m.RecordFUPRun(150*time.Millisecond, 7)

	if got := testutil.ToFloat64(m.coaCommands.WithLabelValues("speed_change", "failed")); got != 1 {
		t.Errorf("coa failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.fupEvaluations.WithLabelValues("unchanged")); got != 2 {
		t.Errorf("unchanged = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.fupApplied); got != 7 {
		t.Errorf("fup applied = %v, want 7", got)
	}
}

func TestCollect(t *testing.T) {
	pool := &fakePool{stats: allocator.PoolStats{Name: "residential", Total: 200, Allocated: 50, Available: 150}}
	m := New(pool, zap.NewNop())

	m.Collect()

	if got := testutil.ToFloat64(m.poolUtilization.WithLabelValues("residential")); got != 0.25 {
		t.Errorf("utilization = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(m.poolAvailable.WithLabelValues("residential")); got != 150 {
		t.Errorf("available = %v, want 150", got)
	}
}

func TestStartCollector(t *testing.T) {
	pool := &fakePool{stats: allocator.PoolStats{Name: "p", Total: 4, Allocated: 1, Available: 3}}
	m := New(pool, zap.NewNop())

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.StartCollector(5*time.Millisecond, stopCh)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(m.poolAllocated.WithLabelValues("p")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("collector never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	oldDefault, oldGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer, prometheus.DefaultGatherer = reg, reg
	defer func() {
		prometheus.DefaultRegisterer, prometheus.DefaultGatherer = oldDefault, oldGatherer
	}()

	m := New(nil, zap.NewNop())
	if err := m.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	m.RecordCoA("quota_update", "success")

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Expected non-nil handler")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `radcore_coa_commands_total{command="quota_update",result="success"} 1`) {
		t.Errorf("metrics output missing CoA counter:\n%s", rec.Body.String())
	}
}
