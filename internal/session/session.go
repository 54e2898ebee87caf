// Package session holds the signed-in member's profile. A State is created
// per client session and passed explicitly to whatever needs the caller's
// nest scope; there is no package-level instance.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNoSession is returned by Scope before Start or after Clear.
var ErrNoSession = errors.New("no active session")

// Profile is what the hosted auth layer tells us about the signed-in user.
type Profile struct {
	UserID   string
	MemberID string
	GroupID  string
	Role     string
}

// State is populated on session start and cleared on sign-out.
type State struct {
	mu        sync.RWMutex
	profile   Profile
	active    bool
	startedAt time.Time
}

// New returns an empty, inactive State.
func New() *State {
	return &State{}
}

// Start activates the session. A profile without a nest cannot scope
// anything and is rejected.
func (s *State) Start(p Profile) error {
	if p.UserID == "" || p.GroupID == "" {
		return errors.New("session profile requires user and nest")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.active = true
	s.startedAt = time.Now()
	return nil
}

// Clear ends the session and forgets the profile.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = Profile{}
	s.active = false
	s.startedAt = time.Time{}
}

// Active reports whether Start has been called since the last Clear.
func (s *State) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Profile returns a copy of the current profile.
func (s *State) Profile() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile, s.active
}

// Scope returns the nest and member the session acts for.
func (s *State) Scope() (group, member string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return "", "", ErrNoSession
	}
	return s.profile.GroupID, s.profile.MemberID, nil
}

// StartedAt is the time of the last Start, zero when inactive.
func (s *State) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}
