package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage is an in-memory Storage used by tests and the simulator.
type MemoryStorage struct {
	mu     sync.RWMutex
	events map[string]*Event

	// Index by username
	byUser map[string][]string

	// Index by session
	bySession map[string][]string

	// Index by type
	byType map[EventType][]string
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		events:    make(map[string]*Event),
		byUser:    make(map[string][]string),
		bySession: make(map[string][]string),
		byType:    make(map[EventType][]string),
	}
}

// Store persists an event.
func (s *MemoryStorage) Store(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return nil
	}
	s.events[event.ID] = event

	if event.Username != "" {
		s.byUser[event.Username] = append(s.byUser[event.Username], event.ID)
	}
	if event.SessionID != "" {
		s.bySession[event.SessionID] = append(s.bySession[event.SessionID], event.ID)
	}
	s.byType[event.Type] = append(s.byType[event.Type], event.ID)

	return nil
}

// StoreBatch persists multiple events.
func (s *MemoryStorage) StoreBatch(ctx context.Context, events []*Event) error {
	for _, event := range events {
		if err := s.Store(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Query retrieves events matching criteria, newest first unless
// query.Ascending is set.
func (s *MemoryStorage) Query(_ context.Context, query *Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []string
	switch {
	case query.SessionID != "":
		candidates = s.bySession[query.SessionID]
	case query.Username != "":
		candidates = s.byUser[query.Username]
	default:
		candidates = make([]string, 0, len(s.events))
		for id := range s.events {
			candidates = append(candidates, id)
		}
	}

	results := make([]*Event, 0, len(candidates))
	for _, id := range candidates {
		if event := s.events[id]; matchesQuery(event, query) {
			results = append(results, event)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if query.Ascending {
			return results[i].Timestamp.Before(results[j].Timestamp)
		}
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	if query.Offset > 0 {
		if query.Offset >= len(results) {
			return []*Event{}, nil
		}
		results = results[query.Offset:]
	}
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}

	return results, nil
}

func matchesQuery(event *Event, query *Query) bool {
	if !query.StartTime.IsZero() && event.Timestamp.Before(query.StartTime) {
		return false
	}
	if !query.EndTime.IsZero() && event.Timestamp.After(query.EndTime) {
		return false
	}
	if len(query.Types) > 0 && !containsType(query.Types, event.Type) {
		return false
	}
	if len(query.Categories) > 0 && !containsString(query.Categories, event.Type.Category()) {
		return false
	}
	if query.Username != "" && event.Username != query.Username {
		return false
	}
	if query.SessionID != "" && event.SessionID != query.SessionID {
		return false
	}
	return event.Type.GetSeverity() >= query.MinSeverity
}

func containsType(types []EventType, t EventType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// Close is a no-op; events stay queryable after shutdown.
func (s *MemoryStorage) Close() error {
	return nil
}

// Count returns the number of stored events.
func (s *MemoryStorage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// GetByType returns all events of a type in insertion order.
func (s *MemoryStorage) GetByType(eventType EventType) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byType[eventType]
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if event, ok := s.events[id]; ok {
			events = append(events, event)
		}
	}
	return events
}

// Stats returns storage statistics.
func (s *MemoryStorage) Stats() MemoryStorageStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return MemoryStorageStats{
		TotalEvents: len(s.events),
		Users:       len(s.byUser),
		Sessions:    len(s.bySession),
		EventTypes:  len(s.byType),
	}
}

// MemoryStorageStats holds memory storage statistics.
type MemoryStorageStats struct {
	TotalEvents int
	Users       int
	Sessions    int
	EventTypes  int
}
