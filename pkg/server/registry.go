package server

import (
	"errors"
	"sync"
)

// ErrUsernameInUse indicates a live session already holds the username.
var ErrUsernameInUse = errors.New("username already connected")

// Registry is the concurrency-safe directory of live sessions keyed by
// username. All mutation goes through its methods; routing code
// iterates over Snapshot copies, never the live map, so a concurrent
// disconnect during a broadcast cannot invalidate the iteration.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// SetMetrics attaches metrics. Must be called before any sessions
// register.
func (r *Registry) SetMetrics(m *Metrics) {
	r.metrics = m
}

// Register inserts a session under its username. Insertion happens only
// after a successful handshake; a username with a live session is
// refused so the registry never holds two entries for one name.
func (r *Registry) Register(sess *Session) error {
	r.mu.Lock()
	if _, ok := r.sessions[sess.Username]; ok {
		r.mu.Unlock()
		return ErrUsernameInUse
	}
	r.sessions[sess.Username] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionRegistered()
	}
	return nil
}

// Deregister removes a session. It is idempotent, and it is keyed by
// session identity rather than username alone: a rejected duplicate
// login tearing down can never evict the live entry.
func (r *Registry) Deregister(sess *Session) {
	r.mu.Lock()
	current, ok := r.sessions[sess.Username]
	if !ok || current != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sess.Username)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}
}

// Snapshot returns a point-in-time copy of the active sessions for
// iteration.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Find looks up a session by username.
func (r *Registry) Find(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[username]
	return sess, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Usernames returns the registered usernames, for /list replies.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	return names
}

// CloseAll force-closes every session's connection and empties the
// registry. Used during shutdown after clients have been notified.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		sess.Conn.Close()
	}
	r.sessions = make(map[string]*Session)

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(0)
	}
}
