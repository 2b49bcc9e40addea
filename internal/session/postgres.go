package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions, event logs and scoped state in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			last_seq BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (app_name, user_id, session_id)
		);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			author TEXT NOT NULL,
			parts TEXT NOT NULL,
			actions TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (app_name, user_id, session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_key_seq
			ON session_events (app_name, user_id, session_id, seq);`,
		`CREATE TABLE IF NOT EXISTS session_state (
			app_name TEXT NOT NULL,
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (app_name, scope, user_id, session_id, key)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, key Key) (*Session, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (app_name, user_id, session_id, last_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $4)
		 ON CONFLICT (app_name, user_id, session_id) DO NOTHING`,
		key.AppName, key.UserID, key.SessionID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyExists
	}
	return &Session{Key: key, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (*Session, error) {
	var (
		sess    = Session{Key: key}
		lastSeq int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT last_seq, created_at, updated_at FROM sessions
		  WHERE app_name=$1 AND user_id=$2 AND session_id=$3`,
		key.AppName, key.UserID, key.SessionID,
	).Scan(&lastSeq, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.Events, err = s.loadEvents(ctx, key)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	sess, err := s.Get(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	sess, err = s.Create(ctx, key)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a create race; the session exists now.
		return s.Get(ctx, key)
	}
	return sess, err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, key Key, ev Event) (Event, error) {
	if err := validateDelta(ev); err != nil {
		return Event{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lastSeq int64
	err = tx.QueryRow(ctx,
		`SELECT last_seq FROM sessions
		  WHERE app_name=$1 AND user_id=$2 AND session_id=$3 FOR UPDATE`,
		key.AppName, key.UserID, key.SessionID,
	).Scan(&lastSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("lock session: %w", err)
	}

	ev.ID = uuid.NewString()
	ev.Seq = lastSeq + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	parts, err := json.Marshal(ev.Parts)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event parts: %w", err)
	}
	actions := ""
	if ev.Actions != nil {
		raw, err := json.Marshal(ev.Actions)
		if err != nil {
			return Event{}, fmt.Errorf("marshal event actions: %w", err)
		}
		actions = string(raw)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO session_events (id, app_name, user_id, session_id, seq, author, parts, actions, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, key.AppName, key.UserID, key.SessionID, ev.Seq, string(ev.Author), string(parts), actions, ev.CreatedAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	if ev.Actions != nil {
		for _, entry := range ev.Actions.StateDelta {
			userID, sessionID := "", ""
			switch entry.Scope {
			case ScopeSession:
				userID, sessionID = key.UserID, key.SessionID
			case ScopeUser:
				userID = key.UserID
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO session_state (app_name, scope, user_id, session_id, key, value, updated_at)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)
				 ON CONFLICT (app_name, scope, user_id, session_id, key)
				 DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`,
				key.AppName, string(entry.Scope), userID, sessionID, entry.Key, entry.Value, ev.CreatedAt,
			)
			if err != nil {
				return Event{}, fmt.Errorf("apply state delta: %w", err)
			}
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET last_seq=$4, updated_at=$5
		  WHERE app_name=$1 AND user_id=$2 AND session_id=$3`,
		key.AppName, key.UserID, key.SessionID, ev.Seq, ev.CreatedAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("advance session seq: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("commit tx: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) ReadState(ctx context.Context, key Key) (StateView, error) {
	if _, err := s.sessionExists(ctx, key); err != nil {
		return StateView{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT scope, key, value FROM session_state
		  WHERE app_name=$1
		    AND (
			(scope=$4 AND user_id=$2 AND session_id=$3)
			OR (scope=$5 AND user_id=$2 AND session_id='')
			OR (scope=$6 AND user_id='' AND session_id='')
		    )`,
		key.AppName, key.UserID, key.SessionID,
		string(ScopeSession), string(ScopeUser), string(ScopeApp),
	)
	if err != nil {
		return StateView{}, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()

	view := StateView{
		Session: make(map[string]string),
		User:    make(map[string]string),
		App:     make(map[string]string),
	}
	for rows.Next() {
		var scope, k, v string
		if err := rows.Scan(&scope, &k, &v); err != nil {
			return StateView{}, fmt.Errorf("scan state row: %w", err)
		}
		switch Scope(scope) {
		case ScopeSession:
			view.Session[k] = v
		case ScopeUser:
			view.User[k] = v
		case ScopeApp:
			view.App[k] = v
		}
	}
	if err := rows.Err(); err != nil {
		return StateView{}, fmt.Errorf("iterate state rows: %w", err)
	}
	return view, nil
}

func (s *PostgresStore) sessionExists(ctx context.Context, key Key) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM sessions WHERE app_name=$1 AND user_id=$2 AND session_id=$3`,
		key.AppName, key.UserID, key.SessionID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("check session: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) loadEvents(ctx context.Context, key Key) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, author, parts, actions, created_at FROM session_events
		  WHERE app_name=$1 AND user_id=$2 AND session_id=$3 ORDER BY seq ASC`,
		key.AppName, key.UserID, key.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 16)
	for rows.Next() {
		var (
			ev      Event
			author  string
			parts   string
			actions string
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &author, &parts, &actions, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Author = Author(author)
		if err := json.Unmarshal([]byte(parts), &ev.Parts); err != nil {
			return nil, fmt.Errorf("%w: undecodable event parts for %s: %v", ErrCorruptState, ev.ID, err)
		}
		if actions != "" {
			var a EventActions
			if err := json.Unmarshal([]byte(actions), &a); err != nil {
				return nil, fmt.Errorf("%w: undecodable event actions for %s: %v", ErrCorruptState, ev.ID, err)
			}
			ev.Actions = &a
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
