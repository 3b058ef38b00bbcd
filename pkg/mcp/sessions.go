package mcp

import "sync"

// SessionRegistry records which MCP session owns each scheduled trigger, so
// trigger notifications go back to the client that asked for them.
type SessionRegistry struct {
	mu    sync.Mutex
	owner map[string]string              // trigger → session
	owned map[string]map[string]struct{} // session → triggers
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		owner: make(map[string]string),
		owned: make(map[string]map[string]struct{}),
	}
}

// Bind makes sessionID the owner of triggerID. A trigger has one owner; a
// later Bind moves it.
func (r *SessionRegistry) Bind(triggerID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owner[triggerID]; ok {
		r.unlink(triggerID, prev)
	}
	r.owner[triggerID] = sessionID
	set := r.owned[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		r.owned[sessionID] = set
	}
	set[triggerID] = struct{}{}
}

// Owner returns the session that owns triggerID.
func (r *SessionRegistry) Owner(triggerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.owner[triggerID]
	return sid, ok
}

// Forget drops every trigger owned by sessionID and reports how many there
// were. Triggers keep firing; their outcomes are just no longer pushed.
func (r *SessionRegistry) Forget(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.owned[sessionID]
	for tid := range set {
		delete(r.owner, tid)
	}
	delete(r.owned, sessionID)
	return len(set)
}

func (r *SessionRegistry) unlink(triggerID, sessionID string) {
	set := r.owned[sessionID]
	delete(set, triggerID)
	if len(set) == 0 {
		delete(r.owned, sessionID)
	}
}
