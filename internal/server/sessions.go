package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/woozymasta/cropstress/internal/stress"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionCookie carries the page session id.
const SessionCookie = "cropstress_session"

type sessionEntry struct {
	session  *stress.Session
	lastSeen time.Time
}

// SessionStore maps browser sessions to their state machines.
type SessionStore struct {
	runner     stress.Runner
	overlays   *stress.Registry
	sessions   map[string]*sessionEntry
	stressZoom int
	mu         sync.Mutex
}

// NewSessionStore returns an empty store whose sessions share runner and overlays.
func NewSessionStore(runner stress.Runner, overlays *stress.Registry, stressZoom int) *SessionStore {
	return &SessionStore{
		runner:     runner,
		overlays:   overlays,
		stressZoom: stressZoom,
		sessions:   make(map[string]*sessionEntry),
	}
}

// Get returns the session of the request, creating one when the cookie is
// missing, malformed or unknown. The returned cookie must be sent back when
// not nil.
func (st *SessionStore) Get(r *http.Request) (string, *stress.Session, *http.Cookie) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if c, err := r.Cookie(SessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			if e, ok := st.sessions[c.Value]; ok {
				e.lastSeen = time.Now()
				return c.Value, e.session, nil
			}
		}
	}

	id := uuid.NewString()
	sess := stress.NewSession(st.runner, st.overlays, st.stressZoom)
	st.sessions[id] = &sessionEntry{session: sess, lastSeen: time.Now()}

	log.Debug().Str("session", id).Msg("Session created")

	return id, sess, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Sweep closes sessions idle for longer than maxIdle and returns how many
// were removed.
func (st *SessionStore) Sweep(maxIdle time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, e := range st.sessions {
		if e.lastSeen.Before(cutoff) {
			e.session.Close()
			delete(st.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Int("active", len(st.sessions)).Msg("Idle sessions swept")
	}

	return removed
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Touch marks a session as active.
func (st *SessionStore) Touch(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if e, ok := st.sessions[id]; ok {
		e.lastSeen = time.Now()
	}
}
