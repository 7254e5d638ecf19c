package fup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codelaboratoryltd/radcore/pkg/audit"
	"github.com/codelaboratoryltd/radcore/pkg/metrics"
	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/codelaboratoryltd/radcore/pkg/state"
)

// ErrBusy is returned when the subscriber is already being evaluated.
var ErrBusy = errors.New("fup: evaluation already in progress")

// Enforcer compares each subscriber's monthly usage with their quota and
// pushes the reduced or original rate to the NAS.
//
// Transitions are two-phase: the intent is stored as Pending on the day's
// usage record, the CoA is sent, and FUPApplied only flips once the NAS
// acknowledged. A NAK or timeout leaves Pending and LastError set and the
// next cycle retries.
type Enforcer struct {
	config Config
	logger *zap.Logger

	source SubscriberSource
	store  Store
	coa    SpeedChanger

	notifier Notifier
	audit    AuditLogger
	metrics  *metrics.Metrics

	inflight sync.Map // username -> struct{}
}

// NewEnforcer creates an enforcer.
func NewEnforcer(cfg Config, source SubscriberSource, store Store, coa SpeedChanger, logger *zap.Logger) (*Enforcer, error) {
	if source == nil || store == nil || coa == nil {
		return nil, errors.New("fup: subscriber source, store and speed changer are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Enforcer{
		config: cfg,
		logger: logger,
		source: source,
		store:  store,
		coa:    coa,
	}, nil
}

// SetNotifier sets the sink for applied/removed events.
func (e *Enforcer) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetAuditLogger sets the audit sink.
func (e *Enforcer) SetAuditLogger(a AuditLogger) {
	e.audit = a
}

// SetMetrics sets the metrics recorder.
func (e *Enforcer) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Run evaluates all subscribers every interval until ctx is done.
func (e *Enforcer) Run(ctx context.Context) error {
	e.logger.Info("Starting FUP enforcer",
		zap.Duration("interval", e.config.Interval),
		zap.Int("workers", e.config.Workers),
	)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(ctx); err != nil {
			e.logger.Error("FUP cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Stopping FUP enforcer")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce evaluates every eligible subscriber once. Failures of individual
// subscribers are reported in the Report, not returned.
func (e *Enforcer) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()

	subs, err := e.source.Subscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	var (
		mu     sync.Mutex
		report = &Report{}
		g      errgroup.Group
	)
	g.SetLimit(e.config.Workers)

	for _, sub := range subs {
		if !sub.Eligible() {
			continue
		}
		sub := sub
		g.Go(func() error {
			ev, err := e.evaluate(ctx, sub)

			mu.Lock()
			report.add(Result{
				Username:   sub.Username,
				Outcome:    ev.outcome,
				UsageBytes: ev.usage,
				Err:        err,
			}, ev.enforced)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Username < report.Results[j].Username
	})
	report.Duration = time.Since(start)
	e.metrics.RecordFUPRun(report.Duration, report.Enforced)

	e.logger.Info("FUP cycle complete",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("applied", report.Applied),
		zap.Int("removed", report.Removed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

// Evaluate runs one subscriber through the state machine.
func (e *Enforcer) Evaluate(ctx context.Context, sub Subscriber) (Outcome, error) {
	ev, err := e.evaluate(ctx, sub)
	return ev.outcome, err
}

type evaluation struct {
	outcome  Outcome
	usage    uint64
	enforced bool
}

func (e *Enforcer) evaluate(ctx context.Context, sub Subscriber) (ev evaluation, err error) {
	if _, busy := e.inflight.LoadOrStore(sub.Username, struct{}{}); busy {
		ev.outcome = OutcomeSkipped
		e.metrics.RecordFUPEvaluation(string(ev.outcome))
		return ev, fmt.Errorf("%s: %w", sub.Username, ErrBusy)
	}
	defer e.inflight.Delete(sub.Username)

	defer func() {
		e.metrics.RecordFUPEvaluation(string(ev.outcome))
	}()

	now := time.Now()
	ev.outcome = OutcomeFailed

	usage, err := e.store.SumUsageSince(ctx, sub.Username, state.MonthStart(now))
	if err != nil {
		return ev, fmt.Errorf("sum usage for %s: %w", sub.Username, err)
	}
	ev.usage = usage

	rec, err := e.loadRecord(ctx, sub.Username, now)
	if err != nil {
		return ev, err
	}
	rec.TotalBytes = usage
	rec.QuotaBytes = sub.QuotaBytes
	ev.enforced = rec.FUPApplied

	over := usage > sub.QuotaBytes
	switch {
	case over && !rec.FUPApplied:
		return e.transition(ctx, sub, rec, state.PendingApply, ev)
	case !over && rec.FUPApplied:
		return e.transition(ctx, sub, rec, state.PendingRestore, ev)
	}

	if rec.Pending != state.PendingNone {
		e.logger.Info("Clearing stale pending FUP action",
			zap.String("username", sub.Username),
			zap.String("pending", string(rec.Pending)),
		)
		rec.Pending = state.PendingNone
		rec.LastError = ""
	}
	if err := e.store.UpdateUsage(ctx, rec); err != nil {
		return ev, fmt.Errorf("update usage for %s: %w", sub.Username, err)
	}

	ev.outcome = OutcomeUnchanged
	return ev, nil
}

// loadRecord returns today's usage record, creating it from the most recent
// one so the applied state carries across days.
func (e *Enforcer) loadRecord(ctx context.Context, username string, now time.Time) (*state.UsageRecord, error) {
	day := state.DayOf(now)

	rec, err := e.store.GetUsage(ctx, username, day)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("get usage for %s: %w", username, err)
	}

	rec = &state.UsageRecord{Username: username, Day: day}
	prev, err := e.store.LatestUsage(ctx, username)
	switch {
	case err == nil:
		rec.FUPApplied = prev.FUPApplied
		rec.FUPAppliedAt = prev.FUPAppliedAt
		rec.OriginalSpeed = prev.OriginalSpeed
		rec.ReducedSpeed = prev.ReducedSpeed
		rec.Pending = prev.Pending
		rec.LastError = prev.LastError
	case !errors.Is(err, state.ErrNotFound):
		return nil, fmt.Errorf("latest usage for %s: %w", username, err)
	}

	if err := e.store.CreateUsage(ctx, rec); err != nil {
		if !errors.Is(err, state.ErrExists) {
			return nil, fmt.Errorf("create usage for %s: %w", username, err)
		}
		// Lost the race to another writer
		return e.store.GetUsage(ctx, username, day)
	}
	return rec, nil
}

func (e *Enforcer) transition(ctx context.Context, sub Subscriber, rec *state.UsageRecord, action state.PendingAction, ev evaluation) (evaluation, error) {
	speed := sub.FUPSpeed
	if action == state.PendingRestore {
		speed = rec.OriginalSpeed
		if speed == "" {
			speed = sub.PackageSpeed
		}
	}

	rate, err := radius.ParseRateLimit(speed)
	if err != nil {
		rec.LastError = err.Error()
		if uerr := e.store.UpdateUsage(ctx, rec); uerr != nil {
			e.logger.Warn("Failed to record FUP error", zap.String("username", sub.Username), zap.Error(uerr))
		}
		return ev, fmt.Errorf("%s for %s: %w", action, sub.Username, err)
	}

	// Phase one: record the intent. A conflict means another writer owns
	// the record this cycle.
	rec.Pending = action
	if err := e.store.UpdateUsage(ctx, rec); err != nil {
		return ev, fmt.Errorf("mark %s pending for %s: %w", action, sub.Username, err)
	}

	result, err := e.coa.SpeedChange(ctx, sub.Username, rate)
	if err != nil {
		rec.LastError = err.Error()
		if uerr := e.store.UpdateUsage(ctx, rec); uerr != nil {
			e.logger.Warn("Failed to record FUP error", zap.String("username", sub.Username), zap.Error(uerr))
		}

		e.logger.Warn("FUP speed change not acknowledged",
			zap.String("username", sub.Username),
			zap.String("action", string(action)),
			zap.String("speed", speed),
			zap.Error(err),
		)
		e.logAudit(&audit.Event{
			Type:         audit.EventFUPFailure,
			Username:     sub.Username,
			Command:      string(action),
			UsageBytes:   ev.usage,
			QuotaBytes:   sub.QuotaBytes,
			ErrorMessage: err.Error(),
		})
		return ev, fmt.Errorf("%s for %s: %w", action, sub.Username, err)
	}

	// Phase two: the NAS acknowledged.
	now := time.Now()
	event := Event{
		Username:   sub.Username,
		UsageBytes: ev.usage,
		QuotaBytes: sub.QuotaBytes,
		Speed:      rate.String(),
		Timestamp:  now,
	}
	auditEvent := &audit.Event{
		Username:   sub.Username,
		SessionID:  result.SessionID,
		UsageBytes: ev.usage,
		QuotaBytes: sub.QuotaBytes,
	}

	switch action {
	case state.PendingApply:
		rec.FUPApplied = true
		rec.FUPAppliedAt = &now
		rec.OriginalSpeed = sub.PackageSpeed
		rec.ReducedSpeed = sub.FUPSpeed
		event.Type = EventApplied
		auditEvent.Type = audit.EventFUPApplied
		auditEvent.OriginalSpeed = sub.PackageSpeed
		auditEvent.ReducedSpeed = sub.FUPSpeed
		ev.outcome = OutcomeApplied
	case state.PendingRestore:
		auditEvent.OriginalSpeed = speed
		auditEvent.ReducedSpeed = rec.ReducedSpeed
		rec.FUPApplied = false
		rec.FUPAppliedAt = nil
		rec.ReducedSpeed = ""
		event.Type = EventRemoved
		auditEvent.Type = audit.EventFUPRemoved
		ev.outcome = OutcomeRemoved
	}
	rec.Pending = state.PendingNone
	rec.LastError = ""
	ev.enforced = rec.FUPApplied

	if err := e.store.UpdateUsage(ctx, rec); err != nil {
		// The NAS already changed; the record stays Pending and the next
		// cycle re-sends the same rate.
		ev.outcome = OutcomeFailed
		ev.enforced = !rec.FUPApplied
		return ev, fmt.Errorf("commit %s for %s: %w", action, sub.Username, err)
	}

	e.logger.Info("FUP state changed",
		zap.String("username", sub.Username),
		zap.String("outcome", string(ev.outcome)),
		zap.Uint64("usage_bytes", ev.usage),
		zap.Uint64("quota_bytes", sub.QuotaBytes),
		zap.String("speed", rate.String()),
		zap.String("nas", result.NASAddr),
	)
	e.logAudit(auditEvent)
	e.notify(ctx, event)

	return ev, nil
}

func (e *Enforcer) notify(ctx context.Context, event Event) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("FUP notification failed",
			zap.String("username", event.Username),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (e *Enforcer) logAudit(event *audit.Event) {
	if e.audit != nil {
		e.audit.LogEvent(event)
	}
}
