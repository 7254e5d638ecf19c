package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logger records RADIUS session, CoA and fair-usage events.
type Logger struct {
	config Config
	logger *zap.Logger

	mu sync.RWMutex

	storage   Storage
	exporters []Exporter

	// Buffering for async writes
	eventChan chan *Event
	buffer    []*Event

	stats   LoggerStats
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds audit logger configuration.
type Config struct {
	// DeviceID identifies this node in emitted events.
	DeviceID string `yaml:"device_id"`

	// BufferSize is the event buffer size for async processing.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often to flush buffered events.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// EnabledCategories lists which categories to log (empty = all).
	EnabledCategories []string `yaml:"enabled_categories"`

	// MinSeverity is the minimum severity to log.
	MinSeverity Severity `yaml:"min_severity"`

	// SyncWrites stores each event before LogEvent returns.
	SyncWrites bool `yaml:"sync_writes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		FlushInterval: 5 * time.Second,
		MinSeverity:   SeverityDebug,
	}
}

// Storage is the interface for audit event persistence.
type Storage interface {
	Store(ctx context.Context, event *Event) error
	StoreBatch(ctx context.Context, events []*Event) error
	Query(ctx context.Context, query *Query) ([]*Event, error)
	Close() error
}

// Query selects audit events. Zero-valued fields do not filter.
type Query struct {
	StartTime time.Time
	EndTime   time.Time

	Types       []EventType
	Categories  []string
	Username    string
	SessionID   string
	MinSeverity Severity

	Limit     int
	Offset    int
	Ascending bool
}

// Exporter sends audit events to external systems.
type Exporter interface {
	Name() string
	Export(ctx context.Context, event *Event) error
	ExportBatch(ctx context.Context, events []*Event) error
	Close() error
}

// LoggerStats holds audit logger statistics.
type LoggerStats struct {
	EventsLogged   int64
	EventsExported int64
	EventsDropped  int64
	BufferSize     int
	StorageErrors  int64
	ExportErrors   int64
}

// NewLogger creates a new audit logger.
func NewLogger(config Config, storage Storage, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConfig().FlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Logger{
		config:    config,
		logger:    logger,
		storage:   storage,
		eventChan: make(chan *Event, config.BufferSize),
		buffer:    make([]*Event, 0, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins background processing. It is a no-op for SyncWrites loggers.
func (l *Logger) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("audit logger already started")
	}
	l.started = true
	l.mu.Unlock()

	l.logger.Info("Starting audit logger",
		zap.String("device_id", l.config.DeviceID),
		zap.Int("buffer_size", l.config.BufferSize),
		zap.Duration("flush_interval", l.config.FlushInterval),
		zap.Bool("sync_writes", l.config.SyncWrites),
	)

	if l.config.SyncWrites {
		return nil
	}

	l.wg.Add(2)
	go l.processEvents()
	go l.flushLoop()
	return nil
}

// Stop drains buffered events and closes storage and exporters.
func (l *Logger) Stop() error {
	l.logger.Info("Stopping audit logger")

	l.cancel()

	l.mu.Lock()
	started := l.started
	l.started = false
	l.mu.Unlock()

	if started && !l.config.SyncWrites {
		close(l.eventChan)
		l.wg.Wait()
	}
	l.flush()

	for _, exp := range l.exporters {
		if err := exp.Close(); err != nil {
			l.logger.Warn("Error closing exporter",
				zap.String("exporter", exp.Name()),
				zap.Error(err),
			)
		}
	}

	if l.storage != nil {
		if err := l.storage.Close(); err != nil {
			l.logger.Warn("Error closing storage", zap.Error(err))
		}
	}

	l.logger.Info("Audit logger stopped")
	return nil
}

// AddExporter adds an exporter for audit events.
func (l *Logger) AddExporter(exporter Exporter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exporters = append(l.exporters, exporter)
	l.logger.Info("Added audit exporter", zap.String("name", exporter.Name()))
}

// LogEvent logs a single audit event. The event must not be modified by the
// caller afterwards.
func (l *Logger) LogEvent(event *Event) {
	l.prepareEvent(event)

	if !l.shouldLog(event) {
		return
	}

	// The read lock keeps Stop from closing the channel mid-send.
	l.mu.RLock()
	async := l.started && !l.config.SyncWrites
	if async {
		select {
		case l.eventChan <- event:
			l.mu.RUnlock()
			return
		default:
		}
	}
	l.mu.RUnlock()

	if !async {
		l.storeAndExport(event)
		return
	}

	l.mu.Lock()
	l.stats.EventsDropped++
	l.mu.Unlock()
	l.logger.Warn("Audit event dropped - buffer full",
		zap.String("type", string(event.Type)),
	)
}

// prepareEvent fills in default fields.
func (l *Logger) prepareEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.DeviceID == "" {
		event.DeviceID = l.config.DeviceID
	}
}

// shouldLog checks if an event should be logged based on config.
func (l *Logger) shouldLog(event *Event) bool {
	if event.Type.GetSeverity() < l.config.MinSeverity {
		return false
	}
	if len(l.config.EnabledCategories) == 0 {
		return true
	}
	category := event.Type.Category()
	for _, c := range l.config.EnabledCategories {
		if c == category {
			return true
		}
	}
	return false
}

// storeAndExport stores and exports a single event.
func (l *Logger) storeAndExport(event *Event) {
	ctx := context.Background()

	if l.storage != nil {
		if err := l.storage.Store(ctx, event); err != nil {
			l.mu.Lock()
			l.stats.StorageErrors++
			l.mu.Unlock()
			l.logger.Error("Failed to store audit event",
				zap.Error(err),
				zap.String("event_id", event.ID),
			)
		}
	}

	l.mu.RLock()
	exporters := l.exporters
	l.mu.RUnlock()

	for _, exp := range exporters {
		if err := exp.Export(ctx, event); err != nil {
			l.mu.Lock()
			l.stats.ExportErrors++
			l.mu.Unlock()
			l.logger.Warn("Failed to export audit event",
				zap.String("exporter", exp.Name()),
				zap.Error(err),
			)
			continue
		}
		l.mu.Lock()
		l.stats.EventsExported++
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.stats.EventsLogged++
	l.mu.Unlock()
}

// processEvents moves events from the channel into the flush buffer.
func (l *Logger) processEvents() {
	defer l.wg.Done()

	for event := range l.eventChan {
		l.mu.Lock()
		l.buffer = append(l.buffer, event)
		bufLen := len(l.buffer)
		l.mu.Unlock()

		if bufLen >= l.config.BufferSize*80/100 {
			l.flush()
		}
	}
}

// flushLoop periodically flushes the buffer.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// flush writes buffered events to storage and exporters.
func (l *Logger) flush() {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]*Event, 0, l.config.BufferSize)
	exporters := l.exporters
	l.mu.Unlock()

	ctx := context.Background()

	if l.storage != nil {
		if err := l.storage.StoreBatch(ctx, events); err != nil {
			l.mu.Lock()
			l.stats.StorageErrors++
			l.mu.Unlock()
			l.logger.Error("Failed to store audit batch",
				zap.Error(err),
				zap.Int("count", len(events)),
			)
		}
	}

	for _, exp := range exporters {
		if err := exp.ExportBatch(ctx, events); err != nil {
			l.mu.Lock()
			l.stats.ExportErrors++
			l.mu.Unlock()
			l.logger.Warn("Failed to export audit batch",
				zap.String("exporter", exp.Name()),
				zap.Error(err),
			)
			continue
		}
		l.mu.Lock()
		l.stats.EventsExported += int64(len(events))
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.stats.EventsLogged += int64(len(events))
	l.mu.Unlock()
}

// Query searches for audit events.
func (l *Logger) Query(ctx context.Context, query *Query) ([]*Event, error) {
	if l.storage == nil {
		return nil, fmt.Errorf("no storage configured")
	}
	return l.storage.Query(ctx, query)
}

// Stats returns logger statistics.
func (l *Logger) Stats() LoggerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := l.stats
	stats.BufferSize = len(l.buffer)
	return stats
}

// FormatJSON formats an event as JSON.
func FormatJSON(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// FormatSyslog formats an event as a single key=value line.
func FormatSyslog(event *Event) string {
	msg := fmt.Sprintf("[%s] device=%s type=%s",
		event.Timestamp.Format(time.RFC3339),
		event.DeviceID,
		event.Type,
	)

	if event.Username != "" {
		msg += fmt.Sprintf(" user=%s", event.Username)
	}
	if event.SessionID != "" {
		msg += fmt.Sprintf(" session=%s", event.SessionID)
	}
	if event.NASIP != "" {
		msg += fmt.Sprintf(" nas=%s", event.NASIP)
	}
	if event.FramedIP != "" {
		msg += fmt.Sprintf(" framed_ip=%s", event.FramedIP)
	}
	if event.BytesIn > 0 || event.BytesOut > 0 {
		msg += fmt.Sprintf(" bytes_in=%d bytes_out=%d", event.BytesIn, event.BytesOut)
	}
	if event.RADIUSServer != "" {
		msg += fmt.Sprintf(" server=%s", event.RADIUSServer)
	}
	if event.RADIUSCode != "" {
		msg += fmt.Sprintf(" code=%s", event.RADIUSCode)
	}
	if event.Command != "" {
		msg += fmt.Sprintf(" command=%s", event.Command)
	}
	if event.ReducedSpeed != "" {
		msg += fmt.Sprintf(" speed=%s->%s", event.OriginalSpeed, event.ReducedSpeed)
	}
	if event.QuotaBytes > 0 {
		msg += fmt.Sprintf(" usage=%d quota=%d", event.UsageBytes, event.QuotaBytes)
	}
	if event.ErrorMessage != "" {
		msg += fmt.Sprintf(" error=%q", event.ErrorMessage)
	}

	return msg
}
