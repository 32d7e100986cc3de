// Package session implements the gateway's Session Registry (the system
// specification's C1): the mapping from a client-supplied session identity
// to the current pair of (control-channel id, media-channel id), surviving
// channel reconnects.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/observe"
)

// ErrUnknownSession is returned by BindMedia when no session has a control
// binding yet; it is the only recoverable failure mode the registry defines.
var ErrUnknownSession = errors.New("session: unknown session")

// Session is a persistent identity coordinating one control channel and one
// media channel across reconnects.
type Session struct {
	ID           string
	ThreadID     string
	ControlID    string
	MediaID      string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Registry is the process-wide, mutex-guarded session table. The zero value
// is not usable; construct with New.
type Registry struct {
	mu sync.Mutex

	bySession map[string]*Session
	byControl map[string]string // control-channel id -> session id
	byMedia   map[string]string // media-channel id -> session id

	ttl time.Duration
}

// New creates an empty Registry. ttl is the idle duration after which Sweep
// evicts a session (default 24h per spec §3 when ttl <= 0).
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		bySession: make(map[string]*Session),
		byControl: make(map[string]string),
		byMedia:   make(map[string]string),
		ttl:       ttl,
	}
}

// BindControl binds sessionID to ctrlID under thread. Re-binding the same
// (session, id) pair is a no-op; binding a new id evicts the previous
// control binding for that session and removes its reverse-index entry.
func (r *Registry) BindControl(sessionID, ctrlID, thread string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		s = &Session{ID: sessionID, CreatedAt: time.Now()}
		r.bySession[sessionID] = s
		observe.DefaultMetrics().ActiveSessions.Add(context.Background(), 1)
	}
	s.LastActivity = time.Now()
	if thread != "" {
		s.ThreadID = thread
	}

	if s.ControlID == ctrlID {
		return
	}
	if s.ControlID != "" {
		delete(r.byControl, s.ControlID)
	}
	s.ControlID = ctrlID
	r.byControl[ctrlID] = sessionID
}

// BindMedia binds sessionID to mediaID under thread. Fails with
// ErrUnknownSession when the session has no control binding yet. A thread
// mismatch updates the session's current thread rather than failing.
func (r *Registry) BindMedia(sessionID, mediaID, thread string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok || s.ControlID == "" {
		return ErrUnknownSession
	}
	s.LastActivity = time.Now()
	if thread != "" && thread != s.ThreadID {
		s.ThreadID = thread
	}

	if s.MediaID == mediaID {
		return nil
	}
	if s.MediaID != "" {
		delete(r.byMedia, s.MediaID)
	}
	s.MediaID = mediaID
	r.byMedia[mediaID] = sessionID
	return nil
}

// UnbindControl clears the control binding for ctrlID, if any.
func (r *Registry) UnbindControl(ctrlID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byControl[ctrlID]
	if !ok {
		return
	}
	delete(r.byControl, ctrlID)
	if s, ok := r.bySession[sessionID]; ok && s.ControlID == ctrlID {
		s.ControlID = ""
	}
}

// UnbindMedia clears the media binding for mediaID, if any.
func (r *Registry) UnbindMedia(mediaID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byMedia[mediaID]
	if !ok {
		return
	}
	delete(r.byMedia, mediaID)
	if s, ok := r.bySession[sessionID]; ok && s.MediaID == mediaID {
		s.MediaID = ""
	}
}

// ControlForMedia resolves a media-channel id to its currently linked
// control-channel id. Returns ("", false) if unknown or unlinked.
func (r *Registry) ControlForMedia(mediaID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byMedia[mediaID]
	if !ok {
		return "", false
	}
	s := r.bySession[sessionID]
	if s == nil || s.ControlID == "" {
		return "", false
	}
	return s.ControlID, true
}

// MediaForControl resolves a control-channel id to its currently linked
// media-channel id. Returns ("", false) if unknown or unlinked.
func (r *Registry) MediaForControl(ctrlID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byControl[ctrlID]
	if !ok {
		return "", false
	}
	s := r.bySession[sessionID]
	if s == nil || s.MediaID == "" {
		return "", false
	}
	return s.MediaID, true
}

// ThreadForControl returns the current thread id bound to ctrlID's session.
func (r *Registry) ThreadForControl(ctrlID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byControl[ctrlID]
	if !ok {
		return "", false
	}
	s := r.bySession[sessionID]
	if s == nil {
		return "", false
	}
	return s.ThreadID, true
}

// Get returns a copy of the session record for sessionID, if present.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sweep removes sessions idle beyond the registry's TTL and, for sessions
// that are removed, their reverse-index entries. The application's periodic
// sweeper calls it alongside the connection and bus sweeps.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.bySession {
		if now.Sub(s.LastActivity) <= r.ttl {
			continue
		}
		if s.ControlID != "" {
			delete(r.byControl, s.ControlID)
		}
		if s.MediaID != "" {
			delete(r.byMedia, s.MediaID)
		}
		delete(r.bySession, id)
		removed++
	}
	if removed > 0 {
		observe.DefaultMetrics().ActiveSessions.Add(context.Background(), int64(-removed))
	}
	return removed
}
