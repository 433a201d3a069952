package presence

import (
	"sync"
)

// Registry tracks which transport sessions are live for each user.
// A user with at least one live session is online; session order is
// connection order.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string][]string // userID -> session ids, oldest first
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string][]string),
	}
}

// Register binds sessionID to userID. Redundant joins for the same
// session are no-ops.
func (r *Registry) Register(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sid := range r.sessions[userID] {
		if sid == sessionID {
			return
		}
	}
	r.sessions[userID] = append(r.sessions[userID], sessionID)
}

// Unregister removes sessionID from whichever user owns it and reports
// the owner plus whether that was the user's last session. ok is false
// when the session was not bound to anyone.
func (r *Registry) Unregister(sessionID string) (userID string, lastSession bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uid, sids := range r.sessions {
		for i, sid := range sids {
			if sid != sessionID {
				continue
			}
			sids = append(sids[:i], sids[i+1:]...)
			if len(sids) == 0 {
				delete(r.sessions, uid)
				return uid, true, true
			}
			r.sessions[uid] = sids
			return uid, false, true
		}
	}
	return "", false, false
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0
}

// SessionsFor returns a copy of the user's live session ids in
// connection order; empty if offline.
func (r *Registry) SessionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sids := r.sessions[userID]
	out := make([]string, len(sids))
	copy(out, sids)
	return out
}

// OnlineUsers returns the ids of all users with at least one session.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for uid := range r.sessions {
		out = append(out, uid)
	}
	return out
}
