package plan

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/courseloop/guardrail/internal/ratelimit"
)

// fallback when no snapshot is active: limits must never silently vanish
// just because a plan failed to load.
var fallbackConfig = ratelimit.Config{Window: time.Minute, MaxRequests: 60}

// Manager holds the active plan snapshot behind an atomic pointer so reads
// on the request path are lock-free.
type Manager struct {
	active atomic.Pointer[Snapshot]

	// Set and Rollback coordinate through mu; reads never take it.
	mu       sync.Mutex
	previous *Snapshot
}

func NewManager() *Manager { return &Manager{} }

// Set sets the active snapshot safely, keeping the replaced snapshot for
// Rollback.
func (m *Manager) Set(s Snapshot) {
	// create a copy to avoid external mutation
	cp := new(Snapshot)
	*cp = s
	// Set LoadedAt if not already set
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}

	m.mu.Lock()
	m.previous = m.active.Load()
	m.active.Store(cp)
	m.mu.Unlock()
}

// Rollback restores the snapshot replaced by the last Set. One level deep:
// returns false when there is nothing to roll back to, including on a second
// consecutive call.
func (m *Manager) Rollback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.previous == nil {
		return false
	}
	m.active.Store(m.previous)
	m.previous = nil
	return true
}

// Get retrieves the active snapshot value
func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil && s.Plan != nil
}

// ConfigFor returns the active limit for an operation.
// Implements ratelimit.ConfigSource.
func (m *Manager) ConfigFor(operation string) ratelimit.Config {
	s := m.active.Load()
	if s == nil || s.Plan == nil {
		return fallbackConfig
	}
	return s.Plan.ConfigFor(operation)
}

// PlanVersion returns the current plan version for headers.
// Implements httpmw.PlanInfo interface
func (m *Manager) PlanVersion() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	return s.Meta.Version
}

// PlanHash returns the current plan document hash for headers.
// Implements httpmw.PlanInfo interface
func (m *Manager) PlanHash() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	return s.Meta.SHA256
}

// Source returns the source of the current plan, or SourceUnknown if not available
func (m *Manager) Source() Source {
	s := m.active.Load()
	if s == nil {
		return SourceUnknown
	}
	return s.Meta.Source
}

// LoadedAt returns the time when the current snapshot was loaded, or zero if not available
func (m *Manager) LoadedAt() time.Time {
	s := m.active.Load()
	if s == nil {
		return time.Time{}
	}
	return s.LoadedAt
}

// ReadyErr returns an error if there is no active plan
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return errors.New("plan: not loaded")
	}
	return nil
}
