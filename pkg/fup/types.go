package fup

import (
	"context"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/audit"
	"github.com/codelaboratoryltd/radcore/pkg/radius"
	"github.com/codelaboratoryltd/radcore/pkg/state"
)

//go:generate mockgen -destination=../mocks/mock_fup.go -package=mocks github.com/codelaboratoryltd/radcore/pkg/fup SubscriberSource,SpeedChanger,Notifier

// Subscriber is the package view of one subscriber.
type Subscriber struct {
	Username     string `yaml:"username" json:"username"`
	QuotaBytes   uint64 `yaml:"quota_bytes" json:"quota_bytes"`
	PackageSpeed string `yaml:"package_speed" json:"package_speed"`
	FUPSpeed     string `yaml:"fup_speed" json:"fup_speed"`
	FUPEnabled   bool   `yaml:"fup_enabled" json:"fup_enabled"`
}

// Eligible reports whether the subscriber is subject to enforcement.
func (s Subscriber) Eligible() bool {
	return s.FUPEnabled && s.QuotaBytes > 0
}

// SubscriberSource lists the subscribers to evaluate each cycle.
type SubscriberSource interface {
	Subscribers(ctx context.Context) ([]Subscriber, error)
}

// SpeedChanger pushes a rate limit to the subscriber's NAS. *radius.CoaClient
// satisfies it.
type SpeedChanger interface {
	SpeedChange(ctx context.Context, username string, rate radius.RateLimit) (*radius.CoaResult, error)
}

// EventType distinguishes FUP notifications.
type EventType string

const (
	EventApplied EventType = "fup_applied"
	EventRemoved EventType = "fup_removed"
)

// Event is emitted after the NAS acknowledged a FUP transition.
type Event struct {
	Type       EventType `json:"type"`
	Username   string    `json:"username"`
	UsageBytes uint64    `json:"usage_bytes"`
	QuotaBytes uint64    `json:"quota_bytes"`
	Speed      string    `json:"speed"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier delivers FUP events to the subscriber-facing side.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// AuditLogger is the audit sink for FUP transitions.
type AuditLogger interface {
	LogEvent(event *audit.Event)
}

// Store is the persistence the enforcer needs.
type Store interface {
	SumUsageSince(ctx context.Context, username string, since time.Time) (uint64, error)
	state.UsageStore
}

// Outcome is the result of evaluating one subscriber.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeRemoved   Outcome = "removed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Result is one subscriber's line in a Report.
type Result struct {
	Username   string
	Outcome    Outcome
	UsageBytes uint64
	Err        error
}

// Report summarises one enforcement cycle.
type Report struct {
	Evaluated int
	Applied   int
	Removed   int
	Unchanged int
	Failed    int
	Skipped   int

	// Enforced is the number of subscribers left with a confirmed reduction.
	Enforced int

	Results  []Result
	Duration time.Duration
}

func (r *Report) add(res Result, enforced bool) {
	r.Evaluated++
	switch res.Outcome {
	case OutcomeApplied:
		r.Applied++
	case OutcomeRemoved:
		r.Removed++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
	if enforced {
		r.Enforced++
	}
	r.Results = append(r.Results, res)
}

// Config configures the enforcer.
type Config struct {
	// Interval between cycles in Run.
	Interval time.Duration `yaml:"interval"`

	// Workers bounds parallel evaluations.
	Workers int `yaml:"workers"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		Workers:  8,
	}
}

// StaticSource serves a fixed subscriber list, typically from config.
type StaticSource struct {
	subscribers []Subscriber
}

// NewStaticSource returns a source over subs.
func NewStaticSource(subs []Subscriber) *StaticSource {
	return &StaticSource{subscribers: append([]Subscriber(nil), subs...)}
}

// Subscribers returns the eligible subscribers.
func (s *StaticSource) Subscribers(_ context.Context) ([]Subscriber, error) {
	out := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.Eligible() {
			out = append(out, sub)
		}
	}
	return out, nil
}
