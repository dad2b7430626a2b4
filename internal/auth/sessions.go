package auth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Session lifetime rules: a session slides while it is used but never
// outlives the absolute cap.
const (
	sessionIdleTimeout = 30 * time.Minute
	sessionMaxLifetime = 8 * time.Hour
)

// Session is one interactive operator session.
type Session struct {
	Token     string
	Username  string
	CreatedAt time.Time
	LastSeen  time.Time
}

// ExpiresAt returns the moment the session lapses if it stays idle from
// now on.
func (s *Session) ExpiresAt() time.Time {
	idle := s.LastSeen.Add(sessionIdleTimeout)
	limit := s.CreatedAt.Add(sessionMaxLifetime)
	if idle.Before(limit) {
		return idle
	}
	return limit
}

// SessionStore keeps interactive sessions in memory. Sessions are not
// persisted; a server restart signs everyone out.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionStore creates a session store and starts its expiry sweep.
func NewSessionStore() *SessionStore {
	ss := &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go ss.sweepLoop()
	return ss
}

// Create opens a session for username and returns it including the opaque
// token handed to the client.
func (ss *SessionStore) Create(username string) (*Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, api.NewTransientIOError("generate session token", err)
	}
	now := ss.now()
	s := &Session{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		Username:  username,
		CreatedAt: now,
		LastSeen:  now,
	}
	ss.mu.Lock()
	ss.sessions[s.Token] = s
	ss.mu.Unlock()

	out := *s
	return &out, nil
}

// Resolve returns the session for token and slides its idle window.
// Unknown or expired tokens return nil.
func (ss *SessionStore) Resolve(token string) *Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.sessions[token]
	if !ok {
		return nil
	}
	if ss.expired(s) {
		delete(ss.sessions, token)
		return nil
	}
	s.LastSeen = ss.now()
	out := *s
	return &out
}

// Delete drops a session. Unknown tokens are ignored.
func (ss *SessionStore) Delete(token string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, token)
}

// DeleteForUser drops every session belonging to username.
func (ss *SessionStore) DeleteForUser(username string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for token, s := range ss.sessions {
		if s.Username == username {
			delete(ss.sessions, token)
		}
	}
}

// Stop ends the background expiry sweep.
func (ss *SessionStore) Stop() {
	ss.stopOnce.Do(func() { close(ss.stop) })
}

func (ss *SessionStore) expired(s *Session) bool {
	now := ss.now()
	return now.Sub(s.LastSeen) > sessionIdleTimeout || now.Sub(s.CreatedAt) > sessionMaxLifetime
}

func (ss *SessionStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ss.sweep()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SessionStore) sweep() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	count := 0
	for token, s := range ss.sessions {
		if ss.expired(s) {
			delete(ss.sessions, token)
			count++
		}
	}
	if count > 0 {
		logging.Debug("Auth", "Swept %d expired sessions", count)
	}
}
