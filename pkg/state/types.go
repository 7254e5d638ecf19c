package state

import (
	"errors"
	"time"
)

// Store errors
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")

	// ErrConflict is returned when a conditional update lost a race with a
	// concurrent writer. Re-read and retry.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrUnavailable wraps backend failures (network, decode).
	ErrUnavailable = errors.New("state store unavailable")
)

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session represents one subscriber session on a NAS.
type Session struct {
	ID        string        `json:"id"`
	Username  string        `json:"username"`
	NASIP     string        `json:"nas_ip"`
	NASPort   uint32        `json:"nas_port"`
	FramedIP  string        `json:"framed_ip"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`

	// Counters reconstructed from the 32-bit octet attributes and their
	// Gigawords companions.
	InputOctets  uint64 `json:"input_octets"`
	OutputOctets uint64 `json:"output_octets"`
	SessionTime  uint32 `json:"session_time"`

	// BaselineOctets is the session total at the first accounting update
	// of the month containing BaselineAt. Octets above it belong to that
	// month; set only for sessions that started in an earlier month.
	BaselineOctets uint64    `json:"baseline_octets,omitempty"`
	BaselineAt     time.Time `json:"baseline_at"`

	TerminateCause uint32 `json:"terminate_cause,omitempty"`
	SessionTimeout uint32 `json:"session_timeout,omitempty"`
	Class          []byte `json:"class,omitempty"`
}

// TotalOctets returns input plus output octets.
func (s *Session) TotalOctets() uint64 {
	return s.InputOctets + s.OutputOctets
}

// MarkMonth snapshots the stored counters as the baseline for the month
// containing now, once per month, for a session that started before it.
// Call it before merging counters from an accounting update.
func (s *Session) MarkMonth(now time.Time) {
	start := MonthStart(now)
	if !s.StartedAt.Before(start) || !s.BaselineAt.Before(start) {
		return
	}
	s.BaselineAt = now
	s.BaselineOctets = s.TotalOctets()
}

// OctetsSince returns the octets the session carried at or after since, a
// month start. A session that spans since counts only what it reported
// above its baseline; with no baseline taken at or after since yet, it
// counts nothing.
func (s *Session) OctetsSince(since time.Time) uint64 {
	if !s.StartedAt.Before(since) {
		return s.TotalOctets()
	}
	if s.EndedAt != nil && s.EndedAt.Before(since) {
		return 0
	}
	if s.BaselineAt.Before(since) {
		return 0
	}
	total := s.TotalOctets()
	if total < s.BaselineOctets {
		return 0
	}
	return total - s.BaselineOctets
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Class != nil {
		c.Class = append([]byte(nil), s.Class...)
	}
	return &c
}

// PendingAction is the half-committed FUP transition on a usage record.
type PendingAction string

const (
	PendingNone    PendingAction = ""
	PendingApply   PendingAction = "apply"
	PendingRestore PendingAction = "restore"
)

// UsageRecord is the per-subscriber, per-day fair-usage state.
type UsageRecord struct {
	Username   string    `json:"username"`
	Day        time.Time `json:"day"`
	TotalBytes uint64    `json:"total_bytes"`
	QuotaBytes uint64    `json:"quota_bytes"`

	FUPApplied    bool       `json:"fup_applied"`
	FUPAppliedAt  *time.Time `json:"fup_applied_at,omitempty"`
	OriginalSpeed string     `json:"original_speed,omitempty"`
	ReducedSpeed  string     `json:"reduced_speed,omitempty"`

	// Pending is set before a CoA is sent and cleared once the NAS has
	// acknowledged it. FUPApplied only changes on acknowledgement.
	Pending   PendingAction `json:"pending,omitempty"`
	LastError string        `json:"last_error,omitempty"`

	// Version increments on every successful update.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (u *UsageRecord) Clone() *UsageRecord {
	c := *u
	if u.FUPAppliedAt != nil {
		t := *u.FUPAppliedAt
		c.FUPAppliedAt = &t
	}
	return &c
}

// DayOf truncates t to the UTC calendar day used as the usage record key.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first instant of t's UTC calendar month.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// CoaCommand is the kind of CoA issued.
type CoaCommand string

const (
	CoaDisconnect  CoaCommand = "disconnect"
	CoaSpeedChange CoaCommand = "speed_change"
	CoaQuotaUpdate CoaCommand = "quota_update"
)

// CoaStatus is the delivery state of a CoA command.
type CoaStatus string

const (
	CoaPending CoaStatus = "pending"
	CoaSent    CoaStatus = "sent"
	CoaSuccess CoaStatus = "success"
	CoaFailed  CoaStatus = "failed"
)

// CoaRecord is the audit row for one CoA command.
type CoaRecord struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	SessionID   string     `json:"session_id,omitempty"`
	NASAddr     string     `json:"nas_addr"`
	Command     CoaCommand `json:"command_type"`
	Attributes  []string   `json:"attributes"`
	Status      CoaStatus  `json:"status"`
	Response    string     `json:"response,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (r *CoaRecord) Clone() *CoaRecord {
	c := *r
	c.Attributes = append([]string(nil), r.Attributes...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
