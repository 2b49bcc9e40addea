package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/contextd/contextd/internal/session"
)

// Record is one durable, user-scoped recollection derived from a session
// event. Read-only after ingestion.
type Record struct {
	ID        string         `json:"id"`
	AppName   string         `json:"app_name"`
	UserID    string         `json:"user_id"`
	Author    session.Author `json:"author"`
	Content   string         `json:"content"`
	Digest    string         `json:"digest"`
	CreatedAt time.Time      `json:"created_at"`
}

// ScoredRecord pairs a record with its retrieval relevance.
type ScoredRecord struct {
	Record
	Score float64 `json:"score"`
}

// Service owns the long-term memory corpus.
//
// IngestSession derives records from a session's event log; re-ingesting the
// same session is a no-op for already-known content, never an error. Search
// is strictly scoped to one user and returns an empty slice when nothing
// matches.
type Service interface {
	IngestSession(ctx context.Context, s *session.Session) (int, error)
	Search(ctx context.Context, appName, userID, query string, limit int) ([]ScoredRecord, error)
	Close() error
}

// digestOf keys deduplication. Same owner, author and content always hash the
// same, which is what makes repeated ingestion bounded.
func digestOf(appName, userID string, author session.Author, content string) string {
	h := sha256.New()
	h.Write([]byte(appName))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(author))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// ingestible reports whether an event should become a record: it must carry
// text and not be a compaction marker (summaries are session-local context,
// not user facts).
func ingestible(ev session.Event) bool {
	return !ev.IsCompaction() && ev.Text() != ""
}
