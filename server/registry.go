package server

import (
	"sort"
	"sync"
)

// Registry maps online usernames to their live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds sess.Login to sess and returns the session it replaced, if any.
func (r *Registry) Register(sess *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[sess.Login]
	r.sessions[sess.Login] = sess
	if prev == sess {
		return nil
	}
	return prev
}

// Unregister removes the binding only while it still points at sess.
func (r *Registry) Unregister(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[sess.Login]; ok && cur == sess {
		delete(r.sessions, sess.Login)
		return true
	}
	return false
}

// Restore hands the binding held by sess back to prev, or drops it when prev
// is nil. It does nothing once sess has been replaced.
func (r *Registry) Restore(sess, prev *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[sess.Login]; !ok || cur != sess {
		return false
	}
	if prev == nil {
		delete(r.sessions, sess.Login)
	} else {
		r.sessions[sess.Login] = prev
	}
	return true
}

func (r *Registry) Lookup(login string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[login]
	return sess, ok
}

// Snapshot returns the online usernames in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.sessions))
	for login := range r.sessions {
		users = append(users, login)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
