package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contextd/contextd/internal/session"
)

// searchCandidateLimit bounds how many recent records are pulled for
// in-process scoring on one search.
const searchCandidateLimit = 500

// PostgresService persists the memory corpus in PostgreSQL.
type PostgresService struct {
	pool *pgxpool.Pool
}

func NewPostgresService(ctx context.Context, databaseURL string) (*PostgresService, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initMemorySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresService{pool: pool}, nil
}

func initMemorySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			author TEXT NOT NULL,
			content TEXT NOT NULL,
			digest TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_owner_created
			ON memory_records (app_name, user_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init memory schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresService) IngestSession(ctx context.Context, sess *session.Session) (int, error) {
	added := 0
	for _, ev := range sess.Events {
		if !ingestible(ev) {
			continue
		}
		content := ev.Text()
		digest := digestOf(sess.Key.AppName, sess.Key.UserID, ev.Author, content)
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO memory_records (id, app_name, user_id, author, content, digest, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT (digest) DO NOTHING`,
			uuid.NewString(), sess.Key.AppName, sess.Key.UserID, string(ev.Author), content, digest, time.Now().UTC(),
		)
		if err != nil {
			return added, fmt.Errorf("ingest record: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

func (s *PostgresService) Search(ctx context.Context, appName, userID, query string, limit int) ([]ScoredRecord, error) {
	if limit <= 0 {
		limit = 5
	}

	// Candidates are fetched by owner and scored in process with the same
	// ranker as the in-memory backend.
	rows, err := s.pool.Query(ctx,
		`SELECT id, app_name, user_id, author, content, digest, created_at
		   FROM memory_records
		  WHERE app_name=$1 AND user_id=$2
		  ORDER BY created_at DESC LIMIT $3`,
		appName, userID, searchCandidateLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query memory records: %w", err)
	}
	defer rows.Close()

	candidates := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r      Record
			author string
		)
		if err := rows.Scan(&r.ID, &r.AppName, &r.UserID, &author, &r.Content, &r.Digest, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		r.Author = session.Author(author)
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}

	return rank(candidates, query, limit), nil
}

func (s *PostgresService) Close() error {
	s.pool.Close()
	return nil
}
