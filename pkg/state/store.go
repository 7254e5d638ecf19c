package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	ActiveSessionByUser(ctx context.Context, username string) (*Session, error)
	SessionsByUser(ctx context.Context, username string) ([]*Session, error)

	// ActiveSessions returns every active session, oldest first.
	ActiveSessions(ctx context.Context) ([]*Session, error)

	// SumUsageSince totals the octets the user's sessions carried since
	// since.
	SumUsageSince(ctx context.Context, username string, since time.Time) (uint64, error)
}

// UsageStore persists per-day fair-usage records. At most one record exists
// per (username, day).
type UsageStore interface {
	GetUsage(ctx context.Context, username string, day time.Time) (*UsageRecord, error)
	LatestUsage(ctx context.Context, username string) (*UsageRecord, error)

	// CreateUsage fails with ErrExists if the (username, day) record exists.
	CreateUsage(ctx context.Context, rec *UsageRecord) error

	// UpdateUsage writes rec only if the stored Version equals rec.Version,
	// otherwise ErrConflict. On success rec.Version is incremented.
	UpdateUsage(ctx context.Context, rec *UsageRecord) error
}

// CoaLog persists CoA audit rows.
type CoaLog interface {
	CreateCoaRecord(ctx context.Context, rec *CoaRecord) error
	UpdateCoaRecord(ctx context.Context, rec *CoaRecord) error
	CoaRecordsByUser(ctx context.Context, username string) ([]*CoaRecord, error)
}

// Store is the persistence collaborator of the RADIUS clients and the FUP
// enforcer.
type Store interface {
	SessionStore
	UsageStore
	CoaLog
}

// StoreStats contains store statistics.
type StoreStats struct {
	Sessions       int    `json:"sessions"`
	ActiveSessions int    `json:"active_sessions"`
	UsageRecords   int    `json:"usage_records"`
	CoaRecords     int    `json:"coa_records"`
	Reads          uint64 `json:"reads"`
	Writes         uint64 `json:"writes"`
}

// MemoryStore is an in-memory Store. Values are copied in and out so
// callers never share state with the store.
type MemoryStore struct {
	logger *zap.Logger

	mu sync.RWMutex

	// Primary storage
	sessions map[string]*Session     // ID -> Session
	usage    map[string]*UsageRecord // username|day -> record
	coa      map[string]*CoaRecord   // ID -> record

	// Indexes for fast lookup
	sessionsByUser map[string][]string // username -> session IDs
	activeByUser   map[string]string   // username -> active session ID

	stats StoreStats
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:         logger,
		sessions:       make(map[string]*Session),
		usage:          make(map[string]*UsageRecord),
		coa:            make(map[string]*CoaRecord),
		sessionsByUser: make(map[string][]string),
		activeByUser:   make(map[string]string),
	}
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		Sessions:       len(s.sessions),
		ActiveSessions: len(s.activeByUser),
		UsageRecords:   len(s.usage),
		CoaRecords:     len(s.coa),
		Reads:          s.stats.Reads,
		Writes:         s.stats.Writes,
	}
}

// --- Session Operations ---

// CreateSession creates a new session.
func (s *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s: %w", session.ID, ErrExists)
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	session.UpdatedAt = time.Now()

	s.sessions[session.ID] = session.Clone()
	s.sessionsByUser[session.Username] = append(s.sessionsByUser[session.Username], session.ID)
	if session.Status == SessionActive {
		s.activeByUser[session.Username] = session.ID
	}

	s.stats.Writes++
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	s.stats.Reads++
	return session.Clone(), nil
}

// UpdateSession replaces a session.
func (s *MemoryStore) UpdateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}

	session.UpdatedAt = time.Now()
	s.sessions[session.ID] = session.Clone()

	switch session.Status {
	case SessionActive:
		s.activeByUser[session.Username] = session.ID
	case SessionClosed:
		if s.activeByUser[session.Username] == session.ID {
			delete(s.activeByUser, session.Username)
		}
	}

	s.stats.Writes++
	return nil
}

// ActiveSessionByUser returns the user's most recent active session.
func (s *MemoryStore) ActiveSessionByUser(_ context.Context, username string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.activeByUser[username]
	if !exists {
		return nil, fmt.Errorf("active session for %s: %w", username, ErrNotFound)
	}

	s.stats.Reads++
	return s.sessions[id].Clone(), nil
}

// SessionsByUser returns all sessions of a user, oldest first.
func (s *MemoryStore) SessionsByUser(_ context.Context, username string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.sessionsByUser[username]
	result := make([]*Session, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.sessions[id].Clone())
	}
	sortSessions(result)

	s.stats.Reads++
	return result, nil
}

// ActiveSessions returns every active session, oldest first.
func (s *MemoryStore) ActiveSessions(_ context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Session, 0, len(s.activeByUser))
	for _, id := range s.activeByUser {
		result = append(result, s.sessions[id].Clone())
	}
	sortSessions(result)

	s.stats.Reads++
	return result, nil
}

// SumUsageSince totals the octets the user's sessions carried since since.
func (s *MemoryStore) SumUsageSince(_ context.Context, username string, since time.Time) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	for _, id := range s.sessionsByUser[username] {
		total += s.sessions[id].OctetsSince(since)
	}

	s.stats.Reads++
	return total, nil
}

func sortSessions(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}

// --- Usage Operations ---

func usageKey(username string, day time.Time) string {
	return username + "|" + DayOf(day).Format("2006-01-02")
}

// GetUsage returns the record for (username, day).
func (s *MemoryStore) GetUsage(_ context.Context, username string, day time.Time) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.usage[usageKey(username, day)]
	if !exists {
		return nil, fmt.Errorf("usage %s: %w", usageKey(username, day), ErrNotFound)
	}

	s.stats.Reads++
	return rec.Clone(), nil
}

// LatestUsage returns the user's most recent record.
func (s *MemoryStore) LatestUsage(_ context.Context, username string) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *UsageRecord
	for _, rec := range s.usage {
		if rec.Username != username {
			continue
		}
		if latest == nil || rec.Day.After(latest.Day) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("usage for %s: %w", username, ErrNotFound)
	}

	s.stats.Reads++
	return latest.Clone(), nil
}

// CreateUsage inserts a new record.
func (s *MemoryStore) CreateUsage(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Day = DayOf(rec.Day)
	key := usageKey(rec.Username, rec.Day)
	if _, exists := s.usage[key]; exists {
		return fmt.Errorf("usage %s: %w", key, ErrExists)
	}

	rec.Version = 1
	rec.UpdatedAt = time.Now()
	s.usage[key] = rec.Clone()

	s.stats.Writes++
	return nil
}

// UpdateUsage conditionally replaces a record.
func (s *MemoryStore) UpdateUsage(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(rec.Username, rec.Day)
	current, exists := s.usage[key]
	if !exists {
		return fmt.Errorf("usage %s: %w", key, ErrNotFound)
	}
	if current.Version != rec.Version {
		return fmt.Errorf("usage %s version %d, have %d: %w", key, current.Version, rec.Version, ErrConflict)
	}

	rec.Version++
	rec.UpdatedAt = time.Now()
	s.usage[key] = rec.Clone()

	s.stats.Writes++
	return nil
}

// --- CoA Log Operations ---

// CreateCoaRecord inserts a CoA audit row.
func (s *MemoryStore) CreateCoaRecord(_ context.Context, rec *CoaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if _, exists := s.coa[rec.ID]; exists {
		return fmt.Errorf("coa record %s: %w", rec.ID, ErrExists)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.coa[rec.ID] = rec.Clone()

	s.stats.Writes++
	return nil
}

// UpdateCoaRecord replaces a CoA audit row.
func (s *MemoryStore) UpdateCoaRecord(_ context.Context, rec *CoaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.coa[rec.ID]; !exists {
		return fmt.Errorf("coa record %s: %w", rec.ID, ErrNotFound)
	}
	rec.UpdatedAt = time.Now()
	s.coa[rec.ID] = rec.Clone()

	s.stats.Writes++
	return nil
}

// CoaRecordsByUser returns a user's CoA rows, oldest first.
func (s *MemoryStore) CoaRecordsByUser(_ context.Context, username string) ([]*CoaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*CoaRecord
	for _, rec := range s.coa {
		if rec.Username == username {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	s.stats.Reads++
	return result, nil
}
