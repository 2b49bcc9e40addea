package compact

import (
	"context"
	"fmt"
	"sync"

	"github.com/contextd/contextd/internal/session"
)

// Compactor collapses a session's historical events into summary markers once
// a threshold policy fires. The replaced events remain in the log; only the
// active context shrinks.
type Compactor struct {
	store      session.Store
	summarizer Summarizer
	policy     Policy

	mu    sync.Mutex
	locks map[session.Key]*sync.Mutex
}

func New(store session.Store, summarizer Summarizer, policy Policy) *Compactor {
	return &Compactor{
		store:      store,
		summarizer: summarizer,
		policy:     policy,
		locks:      make(map[session.Key]*sync.Mutex),
	}
}

func (c *Compactor) sessionLock(key session.Key) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Check runs the threshold policy over the log suffix since the last marker
// and, if it fires, appends exactly one compaction marker covering that
// suffix. Returns the marker event, or nil when nothing was compacted.
//
// A summarization failure appends nothing, so the next turn can retry.
//
// Checks for the same session run one at a time: an overlapping call blocks,
// then re-reads the log and sees the fresh marker, so a range is never
// compacted twice.
func (c *Compactor) Check(ctx context.Context, key session.Key) (*session.Event, error) {
	lock := c.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	suffix := suffixSinceLastMarker(sess.Events)
	if len(suffix) == 0 || !c.policy.ShouldCompact(suffix) {
		return nil, nil
	}

	summary, err := c.summarizer.Summarize(ctx, suffix)
	if err != nil {
		return nil, fmt.Errorf("compaction summarize: %w", err)
	}

	marker := session.NewTextEvent(session.AuthorSystem, summary)
	marker.Actions = &session.EventActions{
		Compaction: &session.Compaction{
			FromSeq: suffix[0].Seq,
			ToSeq:   suffix[len(suffix)-1].Seq,
		},
	}
	appended, err := c.store.AppendEvent(ctx, key, marker)
	if err != nil {
		return nil, fmt.Errorf("append compaction marker: %w", err)
	}
	return &appended, nil
}

// suffixSinceLastMarker returns the events after the newest compaction
// marker. Immediately after a compaction the suffix is empty, which is what
// makes Check idempotent until new events arrive.
func suffixSinceLastMarker(events []session.Event) []session.Event {
	start := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].IsCompaction() {
			start = i + 1
			break
		}
	}
	return events[start:]
}
