package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// JSONExporter writes audit events as JSON Lines to a writer.
type JSONExporter struct {
	w      io.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

// NewJSONExporter creates an exporter writing to w. If w is an io.Closer it
// is closed by Close.
func NewJSONExporter(w io.Writer, logger *zap.Logger) *JSONExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONExporter{w: w, logger: logger}
}

// Name returns the exporter name.
func (e *JSONExporter) Name() string {
	return "json"
}

// Export writes one event.
func (e *JSONExporter) Export(_ context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write JSON: %w", err)
	}
	return nil
}

// ExportBatch writes events in order.
func (e *JSONExporter) ExportBatch(ctx context.Context, events []*Event) error {
	for _, event := range events {
		if err := e.Export(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying writer when it supports closing.
func (e *JSONExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ZapExporter mirrors audit events into the process log.
type ZapExporter struct {
	logger *zap.Logger
}

// NewZapExporter creates an exporter logging through logger.
func NewZapExporter(logger *zap.Logger) *ZapExporter {
	return &ZapExporter{logger: logger.Named("audit")}
}

// Name returns the exporter name.
func (e *ZapExporter) Name() string {
	return "zap"
}

// Export logs one event at a level matching its severity.
func (e *ZapExporter) Export(_ context.Context, event *Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("category", event.Type.Category()),
	}
	if event.Username != "" {
		fields = append(fields, zap.String("username", event.Username))
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if event.ErrorMessage != "" {
		fields = append(fields, zap.String("error", event.ErrorMessage))
	}

	switch sev := event.Type.GetSeverity(); {
	case sev >= SeverityError:
		e.logger.Error("Audit event", fields...)
	case sev >= SeverityWarning:
		e.logger.Warn("Audit event", fields...)
	case sev == SeverityDebug:
		e.logger.Debug("Audit event", fields...)
	default:
		e.logger.Info("Audit event", fields...)
	}
	return nil
}

// ExportBatch logs events in order.
func (e *ZapExporter) ExportBatch(ctx context.Context, events []*Event) error {
	for _, event := range events {
		_ = e.Export(ctx, event)
	}
	return nil
}

// Close flushes nothing; the process logger is owned elsewhere.
func (e *ZapExporter) Close() error {
	return nil
}
