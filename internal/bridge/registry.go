package bridge

import (
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var errPeerIDCollision = errors.New("peer id collision")

// Registry is the set of connected peers.
type Registry struct {
	mu       sync.RWMutex
	token    string
	sessions map[string]*Session
	sequence uint64
	closed   bool

	newID func() string
	now   func() time.Time
}

func NewRegistry(token string) *Registry {
	return &Registry{
		token:    token,
		sessions: make(map[string]*Session),
		newID:    newPeerID,
		now:      time.Now,
	}
}

// Admit authenticates the peer and stores a new session for it. An empty
// configured token rejects every peer. greet, when set, runs before the
// session becomes selectable so its message is queued ahead of any call;
// a greet error leaves the registry unchanged.
func (r *Registry) Admit(token string, info PeerInfo, transport Transport, logLimiter *rate.Limiter, greet func(*Session) error) (*Session, error) {
	if !r.tokenMatches(token) {
		return nil, ErrAuthRejected
	}
	if strings.TrimSpace(info.UserAgent) == "" {
		info.UserAgent = UnknownUserAgent
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrBridgeClosed
	}
	id, err := r.nextIDLocked()
	if err != nil {
		return nil, err
	}
	r.sequence++
	session := &Session{
		id:          id,
		info:        info,
		connectedAt: r.now(),
		sequence:    r.sequence,
		transport:   transport,
		calls:       newCallTable(),
		logLimiter:  logLimiter,
	}
	if greet != nil {
		if err := greet(session); err != nil {
			r.sequence--
			return nil, err
		}
	}
	r.sessions[id] = session
	return session, nil
}

func (r *Registry) tokenMatches(token string) bool {
	if r.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.token)) == 1
}

func (r *Registry) nextIDLocked() (string, error) {
	for attempt := 0; attempt < maxPeerIDAttempts; attempt++ {
		id := r.newID()
		if _, exists := r.sessions[id]; !exists {
			return id, nil
		}
	}
	return "", errPeerIDCollision
}

// Remove drops the session with id and fails its pending calls with
// ErrPeerDisconnected. It is idempotent. Bridge.Disconnect is the full
// teardown; Remove publishes no event and leaves the transport open.
func (r *Registry) Remove(id string) (*Session, bool) {
	session, ok := r.Get(id)
	if !ok || !r.removeSession(session) {
		return nil, false
	}
	session.calls.failAll(ErrPeerDisconnected)
	return session, true
}

// removeSession only removes id while it still maps to session.
func (r *Registry) removeSession(session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[session.id]
	if !ok || current != session {
		return false
	}
	delete(r.sessions, session.id)
	return true
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	return session, ok
}

func (r *Registry) MostRecent() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *Session
	for _, session := range r.sessions {
		if session.newerThan(latest) {
			latest = session
		}
	}
	return latest, latest != nil
}

// Select resolves a target selector: "latest" (or empty) or a peer id.
func (r *Registry) Select(selector string) (*Session, error) {
	if IsLatest(selector) {
		if session, ok := r.MostRecent(); ok {
			return session, nil
		}
		return nil, &NoTargetError{Selector: SelectorLatest}
	}
	selector = strings.TrimSpace(selector)
	if session, ok := r.Get(selector); ok {
		return session, nil
	}
	return nil, &NoTargetError{Selector: selector}
}

// All returns the connected sessions in admission order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].sequence < sessions[j].sequence
	})
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// close refuses further admissions and removes every session.
func (r *Registry) close() []*Session {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].sequence < sessions[j].sequence
	})
	return sessions
}
