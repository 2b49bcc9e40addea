package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/session"
)

type corpusKey struct {
	appName string
	userID  string
}

// InMemoryService is an in-process memory corpus for local/dev use.
type InMemoryService struct {
	mu      sync.RWMutex
	records map[corpusKey][]Record
	digests map[string]bool
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{
		records: make(map[corpusKey][]Record),
		digests: make(map[string]bool),
	}
}

func (s *InMemoryService) IngestSession(_ context.Context, sess *session.Session) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := corpusKey{appName: sess.Key.AppName, userID: sess.Key.UserID}
	added := 0
	for _, ev := range sess.Events {
		if !ingestible(ev) {
			continue
		}
		content := ev.Text()
		digest := digestOf(sess.Key.AppName, sess.Key.UserID, ev.Author, content)
		if s.digests[digest] {
			continue
		}
		s.digests[digest] = true
		s.records[key] = append(s.records[key], Record{
			ID:        uuid.NewString(),
			AppName:   sess.Key.AppName,
			UserID:    sess.Key.UserID,
			Author:    ev.Author,
			Content:   content,
			Digest:    digest,
			CreatedAt: time.Now().UTC(),
		})
		added++
	}
	return added, nil
}

func (s *InMemoryService) Search(_ context.Context, appName, userID, query string, limit int) ([]ScoredRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.records[corpusKey{appName: appName, userID: userID}]
	return rank(candidates, query, limit), nil
}

func (s *InMemoryService) Close() error { return nil }

// rank scores, filters zero matches and orders most-relevant first. Shared by
// both backends so ranking behaves identically regardless of storage.
func rank(candidates []Record, query string, limit int) []ScoredRecord {
	scored := make([]ScoredRecord, 0, len(candidates))
	for _, r := range candidates {
		score := relevance(query, r.Content)
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredRecord{Record: r, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
