package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/audit"
	"go.uber.org/zap"
)

func TestEventType_CategoryAndSeverity(t *testing.T) {
	tests := []struct {
		eventType audit.EventType
		category  string
		severity  audit.Severity
	}{
		{audit.EventSessionStart, "session", audit.SeverityInfo},
		{audit.EventSessionUpdate, "session", audit.SeverityDebug},
		{audit.EventAuthSuccess, "auth", audit.SeverityInfo},
		{audit.EventAuthReject, "auth", audit.SeverityWarning},
		{audit.EventAuthFailure, "auth", audit.SeverityError},
		{audit.EventCoAFailure, "coa", audit.SeverityWarning},
		{audit.EventFUPApplied, "fup", audit.SeverityNotice},
		{audit.EventAuthenticatorMismatch, "security", audit.SeverityCritical},
		{audit.EventResourceExhausted, "resource", audit.SeverityWarning},
	}

	for _, tt := range tests {
		if got := tt.eventType.Category(); got != tt.category {
			t.Errorf("EventType(%s).Category() = %s, want %s", tt.eventType, got, tt.category)
		}
		if got := tt.eventType.GetSeverity(); got != tt.severity {
			t.Errorf("EventType(%s).GetSeverity() = %v, want %v", tt.eventType, got, tt.severity)
		}
	}
}

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity audit.Severity
		expected string
	}{
		{audit.SeverityDebug, "DEBUG"},
		{audit.SeverityInfo, "INFO"},
		{audit.SeverityNotice, "NOTICE"},
		{audit.SeverityWarning, "WARNING"},
		{audit.SeverityError, "ERROR"},
		{audit.SeverityCritical, "CRITICAL"},
		{audit.Severity(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.expected {
			t.Errorf("Severity(%d).String() = %s, want %s", tt.severity, got, tt.expected)
		}
	}
}

func newSyncLogger(t *testing.T, storage audit.Storage) *audit.Logger {
	t.Helper()
	config := audit.DefaultConfig()
	config.DeviceID = "test-device"
	config.SyncWrites = true

	l := audit.NewLogger(config, storage, zap.NewNop())
	if err := l.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

func TestLogger_LogEvent(t *testing.T) {
	storage := audit.NewMemoryStorage()
	l := newSyncLogger(t, storage)

	l.LogEvent(&audit.Event{
		Type:      audit.EventSessionStart,
		Username:  "alice",
		SessionID: "sess-456",
		FramedIP:  "10.0.0.5",
	})

	events, err := storage.Query(context.Background(), &audit.Query{
		Types: []audit.EventType{audit.EventSessionStart},
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	e := events[0]
	if e.ID == "" {
		t.Error("Event should have an ID")
	}
	if e.Timestamp.IsZero() {
		t.Error("Event should have a timestamp")
	}
	if e.DeviceID != "test-device" {
		t.Errorf("DeviceID = %s, want test-device", e.DeviceID)
	}
	if e.Username != "alice" {
		t.Errorf("Username = %s, want alice", e.Username)
	}
}

func TestLogger_SeverityAndCategoryFilter(t *testing.T) {
	storage := audit.NewMemoryStorage()
	config := audit.DefaultConfig()
	config.SyncWrites = true
	config.MinSeverity = audit.SeverityNotice
	config.EnabledCategories = []string{"fup", "security"}

	l := audit.NewLogger(config, storage, zap.NewNop())
	defer l.Stop()

	l.LogEvent(&audit.Event{Type: audit.EventSessionStop, Username: "alice"})           // wrong category
	l.LogEvent(&audit.Event{Type: audit.EventFUPApplied, Username: "alice"})            // logged
	l.LogEvent(&audit.Event{Type: audit.EventAuthenticatorMismatch, Username: "alice"}) // logged
	l.LogEvent(&audit.Event{Type: audit.EventSessionUpdate, Username: "alice"})         // below severity

	if got := storage.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
	if got := l.Stats().EventsLogged; got != 2 {
		t.Errorf("EventsLogged = %d, want 2", got)
	}
}

func TestLogger_AsyncFlushOnStop(t *testing.T) {
	storage := audit.NewMemoryStorage()
	config := audit.DefaultConfig()
	config.FlushInterval = time.Hour

	l := audit.NewLogger(config, storage, zap.NewNop())
	if err := l.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := l.Start(); err == nil {
		t.Error("second Start should fail")
	}

	for i := 0; i < 10; i++ {
		l.LogEvent(&audit.Event{Type: audit.EventCoASuccess, Username: "bob"})
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := storage.Count(); got != 10 {
		t.Errorf("Count() = %d, want 10", got)
	}
	if got := l.Stats().EventsLogged; got != 10 {
		t.Errorf("EventsLogged = %d, want 10", got)
	}
}

type failingExporter struct{ calls int }

func (f *failingExporter) Name() string { return "failing" }
func (f *failingExporter) Export(context.Context, *audit.Event) error {
	f.calls++
	return errors.New("boom")
}
func (f *failingExporter) ExportBatch(context.Context, []*audit.Event) error {
	f.calls++
	return errors.New("boom")
}
func (f *failingExporter) Close() error { return nil }

func TestLogger_Exporters(t *testing.T) {
	var buf bytes.Buffer
	l := newSyncLogger(t, nil)
	failing := &failingExporter{}
	l.AddExporter(audit.NewJSONExporter(&buf, nil))
	l.AddExporter(failing)
	l.AddExporter(audit.NewZapExporter(zap.NewNop()))

	l.LogEvent(&audit.Event{
		Type:         audit.EventFUPApplied,
		Username:     "carol",
		ReducedSpeed: "1M/512k",
	})

	var decoded audit.Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("exported line is not JSON: %v", err)
	}
	if decoded.Username != "carol" || decoded.Type != audit.EventFUPApplied {
		t.Errorf("decoded = %+v", decoded)
	}

	stats := l.Stats()
	if stats.ExportErrors != 1 {
		t.Errorf("ExportErrors = %d, want 1", stats.ExportErrors)
	}
	if stats.EventsExported != 2 {
		t.Errorf("EventsExported = %d, want 2", stats.EventsExported)
	}
	if failing.calls != 1 {
		t.Errorf("failing exporter called %d times, want 1", failing.calls)
	}

	if _, err := l.Query(context.Background(), &audit.Query{}); err == nil {
		t.Error("Query without storage should fail")
	}
}

func TestMemoryStorage_Query(t *testing.T) {
	storage := audit.NewMemoryStorage()
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	events := []*audit.Event{
		{ID: "1", Type: audit.EventSessionStart, Username: "alice", SessionID: "s1", Timestamp: base},
		{ID: "2", Type: audit.EventSessionStop, Username: "alice", SessionID: "s1", Timestamp: base.Add(time.Minute)},
		{ID: "3", Type: audit.EventFUPApplied, Username: "alice", Timestamp: base.Add(2 * time.Minute)},
		{ID: "4", Type: audit.EventSessionStart, Username: "bob", SessionID: "s2", Timestamp: base.Add(3 * time.Minute)},
	}
	if err := storage.StoreBatch(ctx, events); err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}

	tests := []struct {
		name  string
		query audit.Query
		want  []string
	}{
		{"all newest first", audit.Query{}, []string{"4", "3", "2", "1"}},
		{"by user ascending", audit.Query{Username: "alice", Ascending: true}, []string{"1", "2", "3"}},
		{"by session", audit.Query{SessionID: "s1"}, []string{"2", "1"}},
		{"by category", audit.Query{Categories: []string{"fup"}}, []string{"3"}},
		{"by type and user", audit.Query{Username: "bob", Types: []audit.EventType{audit.EventSessionStart}}, []string{"4"}},
		{"time range", audit.Query{StartTime: base.Add(30 * time.Second), EndTime: base.Add(2 * time.Minute)}, []string{"3", "2"}},
		{"limit offset", audit.Query{Offset: 1, Limit: 2}, []string{"3", "2"}},
		{"offset past end", audit.Query{Offset: 10}, []string{}},
		{"min severity", audit.Query{MinSeverity: audit.SeverityNotice}, []string{"3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.Query(ctx, &tt.query)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			ids := make([]string, 0, len(got))
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Query() ids = %v, want %v", ids, tt.want)
			}
		})
	}

	if n := len(storage.GetByType(audit.EventSessionStart)); n != 2 {
		t.Errorf("GetByType() = %d events, want 2", n)
	}
	stats := storage.Stats()
	if stats.TotalEvents != 4 || stats.Users != 2 || stats.Sessions != 2 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestFormatSyslog(t *testing.T) {
	event := &audit.Event{
		Type:          audit.EventFUPApplied,
		Timestamp:     time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		DeviceID:      "nas-1",
		Username:      "alice",
		OriginalSpeed: "10M/10M",
		ReducedSpeed:  "1M/1M",
		UsageBytes:    150,
		QuotaBytes:    100,
	}

	msg := audit.FormatSyslog(event)
	for _, want := range []string{
		"device=nas-1",
		"type=FUP_APPLIED",
		"user=alice",
		"speed=10M/10M->1M/1M",
		"usage=150 quota=100",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("FormatSyslog() = %q, missing %q", msg, want)
		}
	}

	data, err := audit.FormatJSON(event)
	if err != nil {
		t.Fatalf("FormatJSON failed: %v", err)
	}
	if !bytes.Contains(data, []byte(`"type":"FUP_APPLIED"`)) {
		t.Errorf("FormatJSON() = %s", data)
	}
}
