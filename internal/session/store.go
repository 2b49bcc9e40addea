package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	// ErrCorruptState signals an event/state invariant violation and must not
	// be swallowed by callers.
	ErrCorruptState = errors.New("session state corrupt")
)

// Key identifies one session.
type Key struct {
	AppName   string `json:"app_name"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Session is one conversation: an append-only event log plus scoped state.
type Session struct {
	Key       Key       `json:"key"`
	Events    []Event   `json:"events"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastSeq returns the sequence number of the newest event, 0 for an empty log.
func (s *Session) LastSeq() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Seq
}

// StateView is the state visible to one session at read time.
type StateView struct {
	Session map[string]string `json:"session"`
	User    map[string]string `json:"user"`
	App     map[string]string `json:"app"`
}

// Merged flattens the view with session keys shadowing user keys shadowing
// app keys.
func (v StateView) Merged() map[string]string {
	out := make(map[string]string, len(v.Session)+len(v.User)+len(v.App))
	for k, val := range v.App {
		out[k] = val
	}
	for k, val := range v.User {
		out[k] = val
	}
	for k, val := range v.Session {
		out[k] = val
	}
	return out
}

// Get looks up a key in a single scope.
func (v StateView) Get(scope Scope, key string) (string, bool) {
	var m map[string]string
	switch scope {
	case ScopeSession:
		m = v.Session
	case ScopeUser:
		m = v.User
	case ScopeApp:
		m = v.App
	}
	val, ok := m[key]
	return val, ok
}

// Store owns session event logs and scoped state.
//
// AppendEvent assigns ID, Seq and CreatedAt, appends the event and applies
// any state delta it carries as one atomic operation: a reader never observes
// the event without its delta or the delta without its event.
type Store interface {
	Create(ctx context.Context, key Key) (*Session, error)
	Get(ctx context.Context, key Key) (*Session, error)
	GetOrCreate(ctx context.Context, key Key) (*Session, error)
	AppendEvent(ctx context.Context, key Key, ev Event) (Event, error)
	ReadState(ctx context.Context, key Key) (StateView, error)
	Close() error
}
