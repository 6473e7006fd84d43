package session

import "sync"

// Registry tracks the live sessions of the process, keyed by session ID.
// The gateway registers a session per accepted connection and removes it on
// teardown; shutdown closes whatever is still running. All methods are safe
// for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Manager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Manager)}
}

// Add registers a session under its ID, replacing any previous entry.
func (r *Registry) Add(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[m.ID()] = m
}

// Remove drops the session with the given ID. Removing an unknown ID is a
// no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[id]
	return m, ok
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every registered session concurrently and waits for all of
// them to finish. Entries are left in place; the owning connection handlers
// remove them as they unwind.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	live := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		live = append(live, m)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Close()
		}()
	}
	wg.Wait()
}
