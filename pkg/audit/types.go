package audit

import (
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Session events
	EventSessionStart  EventType = "SESSION_START"
	EventSessionUpdate EventType = "SESSION_UPDATE"
	EventSessionStop   EventType = "SESSION_STOP"

	// Authentication events
	EventAuthSuccess   EventType = "AUTH_SUCCESS"
	EventAuthReject    EventType = "AUTH_REJECT"
	EventAuthChallenge EventType = "AUTH_CHALLENGE"
	EventAuthFailure   EventType = "AUTH_FAILURE"

	// CoA events
	EventCoASuccess EventType = "COA_SUCCESS"
	EventCoAFailure EventType = "COA_FAILURE"

	// Fair usage policy events
	EventFUPApplied EventType = "FUP_APPLIED"
	EventFUPRemoved EventType = "FUP_REMOVED"
	EventFUPFailure EventType = "FUP_FAILURE"

	// Security events
	EventAuthenticatorMismatch EventType = "AUTHENTICATOR_MISMATCH"

	// Resource events
	EventResourceExhausted EventType = "RESOURCE_EXHAUSTED"
)

// Event represents a single audit event.
type Event struct {
	// Core fields
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`

	// Subscriber identification
	Username string `json:"username,omitempty"`

	// Session context
	SessionID string        `json:"session_id,omitempty"`
	NASIP     string        `json:"nas_ip,omitempty"`
	FramedIP  string        `json:"framed_ip,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`

	// Traffic statistics
	BytesIn  uint64 `json:"bytes_in,omitempty"`
	BytesOut uint64 `json:"bytes_out,omitempty"`

	// RADIUS context
	RADIUSServer string `json:"radius_server,omitempty"`
	RADIUSCode   string `json:"radius_code,omitempty"`
	ReplyMessage string `json:"reply_message,omitempty"`

	// Policy context
	Command       string `json:"command,omitempty"`
	OriginalSpeed string `json:"original_speed,omitempty"`
	ReducedSpeed  string `json:"reduced_speed,omitempty"`
	UsageBytes    uint64 `json:"usage_bytes,omitempty"`
	QuotaBytes    uint64 `json:"quota_bytes,omitempty"`

	// Error context
	ErrorMessage string `json:"error_message,omitempty"`

	// Additional metadata
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Severity represents the severity of an event for filtering/alerting.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityNotice
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// GetSeverity returns the severity for an event type.
func (e EventType) GetSeverity() Severity {
	switch e {
	case EventAuthReject, EventCoAFailure, EventFUPFailure, EventResourceExhausted:
		return SeverityWarning
	case EventAuthFailure:
		return SeverityError
	case EventAuthenticatorMismatch:
		return SeverityCritical
	case EventFUPApplied, EventFUPRemoved:
		return SeverityNotice
	case EventSessionUpdate:
		return SeverityDebug
	default:
		return SeverityInfo
	}
}

// Category returns the category for an event type.
func (e EventType) Category() string {
	switch e {
	case EventSessionStart, EventSessionUpdate, EventSessionStop:
		return "session"
	case EventAuthSuccess, EventAuthReject, EventAuthChallenge, EventAuthFailure:
		return "auth"
	case EventCoASuccess, EventCoAFailure:
		return "coa"
	case EventFUPApplied, EventFUPRemoved, EventFUPFailure:
		return "fup"
	case EventAuthenticatorMismatch:
		return "security"
	case EventResourceExhausted:
		return "resource"
	default:
		return "other"
	}
}
