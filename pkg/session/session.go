package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/payback159/gradeview/pkg/grading"
	"github.com/payback159/gradeview/pkg/logging"
	"github.com/payback159/gradeview/pkg/models"
	"github.com/payback159/gradeview/pkg/workflow"
)

// Store maps session IDs to their workflow controllers, with automatic
// expiry. Every browser session drives exactly one controller.
type Store struct {
	sessions map[string]*entry
	svc      grading.Service
	mutex    sync.Mutex
}

type entry struct {
	controller *workflow.Controller
	expiresAt  time.Time
}

// NewStore creates a session store whose controllers are backed by the
// given grading service, and starts the cleanup routine.
func NewStore(svc grading.Service) *Store {
	store := &Store{
		sessions: make(map[string]*entry),
		svc:      svc,
	}
	store.startCleanup()
	return store
}

// Get returns the controller for the session if it exists and has not
// expired.
func (s *Store) Get(id string) (*workflow.Controller, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, exists := s.sessions[id]
	if !exists {
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		logging.LogDebug("Session expired",
			"session_id", id,
			"expired_at", e.expiresAt.Format(time.RFC3339))
		delete(s.sessions, id)
		return nil, false
	}

	// Sliding expiry: activity keeps the workflow alive
	e.expiresAt = time.Now().Add(time.Duration(models.SessionTimeout) * time.Second)
	return e.controller, true
}

// GetOrCreate returns the session's controller, creating the session
// when the ID is unknown or expired.
func (s *Store) GetOrCreate(id string) *workflow.Controller {
	if ctrl, ok := s.Get(id); ok {
		return ctrl
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	e := &entry{
		controller: workflow.NewController(s.svc),
		expiresAt:  time.Now().Add(time.Duration(models.SessionTimeout) * time.Second),
	}
	s.sessions[id] = e

	logging.LogDebug("Session created",
		"session_id", id,
		"expires_at", e.expiresAt.Format(time.RFC3339))

	return e.controller
}

// Delete removes a session
func (s *Store) Delete(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.sessions[id]; exists {
		delete(s.sessions, id)
		logging.LogDebug("Session deleted", "session_id", id)
	}
}

// Count returns the current number of active sessions
func (s *Store) Count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.sessions)
}

// startCleanup runs a background goroutine to clean up expired sessions
func (s *Store) startCleanup() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			s.cleanupExpired()
		}
	}()
}

// cleanupExpired removes all expired sessions
func (s *Store) cleanupExpired() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	expiredCount := 0

	for id, e := range s.sessions {
		if now.After(e.expiresAt) {
			delete(s.sessions, id)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		logging.LogInfo("Cleaned up expired sessions",
			"expired_count", expiredCount,
			"remaining_sessions", len(s.sessions))
	}
}

// GenerateSessionID creates a cryptographically secure random session ID
func GenerateSessionID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		logging.LogError("Failed to generate session ID", err)
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
