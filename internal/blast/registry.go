package blast

import (
	"sync"

	"blast/internal/model"
	"blast/internal/quota"
)

// SessionStore extends Store with what the registry needs to hydrate a
// session: persisted settings and the day's counter.
type SessionStore interface {
	Store
	GetSettings(accountID string) (model.Settings, bool, error)
	SaveSettings(accountID string, s model.Settings) error
	GetDailyCounter(accountID string) (date string, count int, err error)
}

// Registry hands out one Session per account, lazily hydrated from the
// store so counters and settings survive restarts.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    SessionStore
	defaults model.Settings
}

func NewRegistry(store SessionStore, defaults model.Settings) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		defaults: defaults,
	}
}

// Get returns the account's session, creating it from persisted state on
// first use. New accounts get the default settings, persisted immediately.
func (r *Registry) Get(accountID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[accountID]; ok {
		return s, nil
	}
	settings, found, err := r.store.GetSettings(accountID)
	if err != nil {
		return nil, err
	}
	if !found {
		settings = r.defaults
		if err := r.store.SaveSettings(accountID, settings); err != nil {
			return nil, err
		}
	}
	date, count, err := r.store.GetDailyCounter(accountID)
	if err != nil {
		return nil, err
	}
	s := NewSession(accountID, settings, quota.Counter{Date: date, Count: count})
	r.sessions[accountID] = s
	return s, nil
}

// UpdateSettings validates, applies and persists new pacing settings.
func (r *Registry) UpdateSettings(accountID string, settings model.Settings) error {
	s, err := r.Get(accountID)
	if err != nil {
		return err
	}
	if err := s.SetSettings(settings); err != nil {
		return err
	}
	return r.store.SaveSettings(accountID, settings)
}

// ResetWarmup restarts the warmup window for an account, if a session
// exists. Wired to the transport's reconnect event.
func (r *Registry) ResetWarmup(accountID string) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	r.mu.Unlock()
	if ok {
		s.ResetWarmup()
	}
}

// Drop forgets an account's session, e.g. after logout or deletion.
func (r *Registry) Drop(accountID string) {
	r.mu.Lock()
	delete(r.sessions, accountID)
	r.mu.Unlock()
}
