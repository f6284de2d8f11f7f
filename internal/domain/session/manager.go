package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// DefaultTTL is how long an untouched session survives.
const DefaultTTL = 30 * time.Minute

// ActiveGauge receives the number of live sessions.
type ActiveGauge interface {
	SetActive(n int)
}

// Manager keeps live sessions keyed by id. Sessions expire after ttl
// without access; an expired or deleted session has its in-flight request
// cancelled. Close stops the background sweeper.
type Manager struct {
	cache *cache.Cache
	deps  Deps
	gauge ActiveGauge

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager starts a manager that sweeps expired sessions every ttl/2.
// gauge may be nil.
func NewManager(deps Deps, ttl time.Duration, gauge ActiveGauge) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		// The cache's own janitor cannot be stopped, so it is disabled and
		// the manager sweeps instead.
		cache: cache.New(ttl, 0),
		deps:  deps,
		gauge: gauge,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	m.cache.OnEvicted(func(_ string, v interface{}) {
		v.(*Session).Close()
	})
	go m.sweep(ttl / 2)
	return m
}

// Create registers a new idle session.
func (m *Manager) Create(sc Context) *Session {
	s := New(uuid.New().String(), sc, m.deps)
	m.cache.SetDefault(s.ID(), s)
	m.report()
	return s
}

// Get returns a live session and extends its lifetime.
func (m *Manager) Get(id string) (*Session, error) {
	v, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	m.cache.SetDefault(id, v)
	return v.(*Session), nil
}

// Delete drops a session. Deleting an unknown id is a no-op.
func (m *Manager) Delete(id string) {
	m.cache.Delete(id)
	m.report()
}

func (m *Manager) Len() int {
	return m.cache.ItemCount()
}

// Close stops the sweeper and closes every session.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
		for id := range m.cache.Items() {
			m.cache.Delete(id)
		}
		m.report()
	})
}

func (m *Manager) sweep(interval time.Duration) {
	defer close(m.done)
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cache.DeleteExpired()
			m.report()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) report() {
	if m.gauge != nil {
		m.gauge.SetActive(m.cache.ItemCount())
	}
}

// Selection returns the patient, persisted analysis id and selected region
// ids of a live session, for booking follow-ups against it.
func (m *Manager) Selection(id string) (string, *int64, []string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", nil, nil, err
	}
	snap := s.Snapshot()
	return snap.Context.PatientID, snap.AnalysisID, snap.Selected, nil
}
