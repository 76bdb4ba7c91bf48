// internal/dispatch/store.go
package dispatch

import (
	"sync"

	"dispatch-engine/internal/models"
)

// store is the in-process notification index. Records are keyed by
// notification id; byRequest maps each request id to the record it created.
// Callers only ever see clones.
type store struct {
	mu        sync.RWMutex
	byID      map[string]*models.NotificationRecord
	byRequest map[string]string
}

func newStore() *store {
	return &store{
		byID:      make(map[string]*models.NotificationRecord),
		byRequest: make(map[string]string),
	}
}

func (s *store) get(notificationID string) (models.NotificationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[notificationID]
	if !ok {
		return models.NotificationRecord{}, false
	}
	return rec.Clone(), true
}

func (s *store) getByRequest(requestID string) (models.NotificationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRequest[requestID]
	if !ok {
		return models.NotificationRecord{}, false
	}
	return s.byID[id].Clone(), true
}

// insert stores rec unless its request id is already indexed, in which case
// the existing record is returned with inserted=false.
func (s *store) insert(rec models.NotificationRecord) (out models.NotificationRecord, inserted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRequest[rec.RequestID]; ok {
		return s.byID[id].Clone(), false
	}
	stored := rec.Clone()
	s.byID[stored.NotificationID] = &stored
	s.byRequest[stored.RequestID] = stored.NotificationID
	return stored.Clone(), true
}

// update applies fn to the record under the write lock. fn returning false
// leaves the record untouched.
func (s *store) update(notificationID string, fn func(rec *models.NotificationRecord) bool) (models.NotificationRecord, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[notificationID]
	if !ok {
		return models.NotificationRecord{}, false, false
	}
	next := rec.Clone()
	if !fn(&next) {
		return rec.Clone(), true, false
	}
	*rec = next
	return next.Clone(), true, true
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
