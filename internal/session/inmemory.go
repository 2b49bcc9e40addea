package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ownerKey struct {
	appName string
	userID  string
}

type sessionRecord struct {
	events    []Event
	state     map[string]string
	createdAt time.Time
	updatedAt time.Time
}

// InMemoryStore is an in-process session store for local/dev use. A single
// store-wide mutex serializes append+delta per session, which also keeps
// user- and app-scoped writes ordered across sessions.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[Key]*sessionRecord
	userState map[ownerKey]map[string]string
	appState  map[string]map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[Key]*sessionRecord),
		userState: make(map[ownerKey]map[string]string),
		appState:  make(map[string]map[string]string),
	}
}

func (s *InMemoryStore) Create(_ context.Context, key Key) (*Session, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; ok {
		return nil, ErrAlreadyExists
	}
	now := time.Now().UTC()
	s.sessions[key] = &sessionRecord{
		state:     make(map[string]string),
		createdAt: now,
		updatedAt: now,
	}
	return s.cloneSession(key), nil
}

func (s *InMemoryStore) Get(_ context.Context, key Key) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[key]; !ok {
		return nil, ErrNotFound
	}
	return s.cloneSession(key), nil
}

func (s *InMemoryStore) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		now := time.Now().UTC()
		s.sessions[key] = &sessionRecord{
			state:     make(map[string]string),
			createdAt: now,
			updatedAt: now,
		}
	}
	return s.cloneSession(key), nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, key Key, ev Event) (Event, error) {
	if err := validateDelta(ev); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[key]
	if !ok {
		return Event{}, ErrNotFound
	}

	ev.ID = uuid.NewString()
	ev.Seq = int64(len(rec.events)) + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	rec.events = append(rec.events, cloneEvent(ev))
	rec.updatedAt = ev.CreatedAt

	if ev.Actions != nil {
		for _, entry := range ev.Actions.StateDelta {
			switch entry.Scope {
			case ScopeSession:
				rec.state[entry.Key] = entry.Value
			case ScopeUser:
				owner := ownerKey{appName: key.AppName, userID: key.UserID}
				if s.userState[owner] == nil {
					s.userState[owner] = make(map[string]string)
				}
				s.userState[owner][entry.Key] = entry.Value
			case ScopeApp:
				if s.appState[key.AppName] == nil {
					s.appState[key.AppName] = make(map[string]string)
				}
				s.appState[key.AppName][entry.Key] = entry.Value
			}
		}
	}

	return cloneEvent(ev), nil
}

func (s *InMemoryStore) ReadState(_ context.Context, key Key) (StateView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[key]
	if !ok {
		return StateView{}, ErrNotFound
	}
	return StateView{
		Session: cloneMap(rec.state),
		User:    cloneMap(s.userState[ownerKey{appName: key.AppName, userID: key.UserID}]),
		App:     cloneMap(s.appState[key.AppName]),
	}, nil
}

func (s *InMemoryStore) Close() error { return nil }

// cloneSession assumes the caller holds at least a read lock.
func (s *InMemoryStore) cloneSession(key Key) *Session {
	rec := s.sessions[key]
	events := make([]Event, len(rec.events))
	for i, e := range rec.events {
		events[i] = cloneEvent(e)
	}
	return &Session{
		Key:       key,
		Events:    events,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}
}

func cloneEvent(e Event) Event {
	c := e
	c.Parts = make([]ContentPart, len(e.Parts))
	copy(c.Parts, e.Parts)
	if e.Actions != nil {
		actions := EventActions{}
		if len(e.Actions.StateDelta) > 0 {
			actions.StateDelta = make([]StateEntry, len(e.Actions.StateDelta))
			copy(actions.StateDelta, e.Actions.StateDelta)
		}
		if e.Actions.Compaction != nil {
			cp := *e.Actions.Compaction
			actions.Compaction = &cp
		}
		c.Actions = &actions
	}
	return c
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func validateKey(key Key) error {
	if key.AppName == "" || key.UserID == "" || key.SessionID == "" {
		return fmt.Errorf("session key requires app name, user id and session id")
	}
	return nil
}

// validateDelta rejects malformed deltas before any mutation so a failed
// append leaves both the log and the state untouched.
func validateDelta(ev Event) error {
	if ev.Actions == nil {
		return nil
	}
	for _, entry := range ev.Actions.StateDelta {
		if !entry.Scope.Valid() {
			return fmt.Errorf("%w: invalid state scope %q", ErrCorruptState, entry.Scope)
		}
		if entry.Key == "" {
			return fmt.Errorf("%w: empty state key", ErrCorruptState)
		}
	}
	return nil
}
