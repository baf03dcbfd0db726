package session

// Registry is the in-memory session table. It preserves insertion order and
// performs no locking of its own: the Manager's mutex guards every call.
type Registry struct {
	sessions map[string]*Session
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Create(s *Session) {
	if _, exists := r.sessions[s.ID]; !exists {
		r.order = append(r.order, s.ID)
	}
	r.sessions[s.ID] = s
}

// Get returns the live session or nil.
func (r *Registry) Get(sessionID string) *Session {
	return r.sessions[sessionID]
}

func (r *Registry) Delete(sessionID string) {
	if _, exists := r.sessions[sessionID]; !exists {
		return
	}
	delete(r.sessions, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ForEach visits every session in insertion order. The callback must not
// mutate the registry; collect IDs and delete afterwards.
func (r *Registry) ForEach(fn func(s *Session)) {
	for _, id := range r.order {
		fn(r.sessions[id])
	}
}

// IDs returns a copy of the session IDs in insertion order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Registry) Len() int {
	return len(r.sessions)
}
