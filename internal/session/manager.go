package session

import (
	"context"
	"sync"

	"github.com/kinetix-coach/internal/coach"
	"github.com/kinetix-coach/internal/logging"
)

// Catalog resolves exercise ids to profiles.
type Catalog interface {
	Lookup(id string) (coach.Profile, error)
	List() []coach.Profile
}

// Manager keeps at most one active Session. A new one may start once the
// previous one is Closed or Failed.
type Manager struct {
	deps    Deps
	catalog Catalog
	hub     *Hub

	mu      sync.Mutex
	current *Session
}

func NewManager(deps Deps, catalog Catalog) *Manager {
	if deps.Events == nil {
		deps.Events = NewHub(0)
	}
	return &Manager{deps: deps, catalog: catalog, hub: deps.Events}
}

// Start creates and starts a session for the exercise. The returned session
// is non-nil whenever the exercise was found, even if Start failed.
func (m *Manager) Start(ctx context.Context, exerciseID string) (*Session, error) {
	profile, err := m.catalog.Lookup(exerciseID)
	if err != nil {
		return nil, err
	}
	var s *Session
	for s == nil {
		m.mu.Lock()
		prev := m.current
		if prev != nil && !prev.State().Terminal() {
			m.mu.Unlock()
			return nil, coach.ErrAlreadyStarted
		}
		if prev == nil || torndown(prev) {
			s = New(profile, m.deps)
			m.current = s
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		// the devices must be free before the next run acquires them
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	logging.Infow("session manager: starting session", logging.SessionFields(s.ID(), profile.ID)...)
	return s, s.Start(ctx)
}

func torndown(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Current returns the most recent session, which may already be finished.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) active() (*Session, error) {
	s := m.Current()
	if s == nil || s.State().Terminal() {
		return nil, coach.ErrNoActiveSession
	}
	return s, nil
}

func (m *Manager) End() error {
	s, err := m.active()
	if err != nil {
		return err
	}
	return s.End()
}

func (m *Manager) SetMicrophone(on bool) error {
	s, err := m.active()
	if err != nil {
		return err
	}
	s.SetMicrophone(on)
	return nil
}

func (m *Manager) SetCamera(on bool) error {
	s, err := m.active()
	if err != nil {
		return err
	}
	s.SetCamera(on)
	return nil
}

// Status reports the latest session, finished or not.
func (m *Manager) Status() (Status, error) {
	s := m.Current()
	if s == nil {
		return Status{}, coach.ErrNoActiveSession
	}
	return s.Snapshot(), nil
}

func (m *Manager) Subscribe() (<-chan Event, func()) { return m.hub.Subscribe() }

func (m *Manager) Exercises() []coach.Profile { return m.catalog.List() }

// Close ends the active session, if any.
func (m *Manager) Close() error {
	s := m.Current()
	if s == nil {
		return nil
	}
	return s.End()
}
