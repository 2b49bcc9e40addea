package compact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/contextd/contextd/internal/session"
)

type failingSummarizer struct {
	calls int
}

func (f *failingSummarizer) Summarize(context.Context, []session.Event) (string, error) {
	f.calls++
	return "", errors.New("provider unavailable")
}

func seedSession(t *testing.T, store session.Store, key session.Key, turns int) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, key); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	for i := 0; i < turns; i++ {
		author := session.AuthorUser
		if i%2 == 1 {
			author = session.AuthorAgent
		}
		ev := session.NewTextEvent(author, fmt.Sprintf("turn %d", i+1))
		if _, err := store.AppendEvent(ctx, key, ev); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}
}

func TestCheckCompactsAtThreshold(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	key := session.Key{AppName: "demo", UserID: "u1", SessionID: "s1"}
	seedSession(t, store, key, 8)

	c := New(store, NewExtractiveSummarizer(), EventCountPolicy{N: 8})
	marker, err := c.Check(ctx, key)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if marker == nil {
		t.Fatalf("Check() produced no marker at threshold")
	}
	if !marker.IsCompaction() {
		t.Fatalf("marker event lacks compaction actions: %+v", marker)
	}
	if marker.Actions.Compaction.FromSeq != 1 || marker.Actions.Compaction.ToSeq != 8 {
		t.Fatalf("marker range = [%d,%d], want [1,8]",
			marker.Actions.Compaction.FromSeq, marker.Actions.Compaction.ToSeq)
	}
	if marker.Text() == "" {
		t.Fatalf("marker carries no summary text")
	}

	sess, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Events) != 9 {
		t.Fatalf("log length = %d, want 9 (history preserved)", len(sess.Events))
	}
	active := session.ActiveContext(sess.Events)
	if len(active) != 1 || !active[0].IsCompaction() {
		t.Fatalf("active context = %+v, want just the marker", active)
	}
}

func TestCheckIsIdempotentWithoutNewEvents(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	key := session.Key{AppName: "demo", UserID: "u1", SessionID: "s1"}
	seedSession(t, store, key, 8)

	c := New(store, NewExtractiveSummarizer(), EventCountPolicy{N: 8})
	if marker, err := c.Check(ctx, key); err != nil || marker == nil {
		t.Fatalf("first Check() marker=%v err=%v", marker, err)
	}
	marker, err := c.Check(ctx, key)
	if err != nil {
		t.Fatalf("second Check() error = %v", err)
	}
	if marker != nil {
		t.Fatalf("second Check() produced a duplicate marker: %+v", marker)
	}
}

func TestCheckBelowThresholdDoesNothing(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	key := session.Key{AppName: "demo", UserID: "u1", SessionID: "s1"}
	seedSession(t, store, key, 3)

	c := New(store, NewExtractiveSummarizer(), EventCountPolicy{N: 8})
	marker, err := c.Check(ctx, key)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if marker != nil {
		t.Fatalf("Check() below threshold produced marker: %+v", marker)
	}
}

func TestSummarizerFailureLeavesLogUnchanged(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	key := session.Key{AppName: "demo", UserID: "u1", SessionID: "s1"}
	seedSession(t, store, key, 8)

	summarizer := &failingSummarizer{}
	c := New(store, summarizer, EventCountPolicy{N: 8})
	if _, err := c.Check(ctx, key); err == nil {
		t.Fatalf("Check() error = nil, want summarizer failure surfaced")
	}

	sess, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Events) != 8 {
		t.Fatalf("log length = %d after failed compaction, want 8", len(sess.Events))
	}

	// Retry on the next turn still works.
	c2 := New(store, NewExtractiveSummarizer(), EventCountPolicy{N: 8})
	marker, err := c2.Check(ctx, key)
	if err != nil || marker == nil {
		t.Fatalf("retry Check() marker=%v err=%v", marker, err)
	}
}

type slowSummarizer struct {
	inner Summarizer
	delay time.Duration
}

func (s slowSummarizer) Summarize(ctx context.Context, events []session.Event) (string, error) {
	time.Sleep(s.delay)
	return s.inner.Summarize(ctx, events)
}

func TestConcurrentChecksAppendOneMarker(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	key := session.Key{AppName: "demo", UserID: "u1", SessionID: "s1"}
	seedSession(t, store, key, 8)

	c := New(store, slowSummarizer{inner: NewExtractiveSummarizer(), delay: 100 * time.Millisecond}, EventCountPolicy{N: 8})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Check(ctx, key); err != nil {
				t.Errorf("Check() error = %v", err)
			}
		}()
	}
	wg.Wait()

	sess, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	markers := 0
	for _, ev := range sess.Events {
		if ev.IsCompaction() {
			markers++
		}
	}
	if markers != 1 {
		t.Fatalf("markers = %d after concurrent checks, want 1", markers)
	}
	if len(sess.Events) != 9 {
		t.Fatalf("log length = %d, want 9", len(sess.Events))
	}
}

func TestCompactionRestartsAfterMarker(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	key := session.Key{AppName: "demo", UserID: "u1", SessionID: "s1"}
	seedSession(t, store, key, 4)

	c := New(store, NewExtractiveSummarizer(), EventCountPolicy{N: 4})
	if marker, err := c.Check(ctx, key); err != nil || marker == nil {
		t.Fatalf("first Check() marker=%v err=%v", marker, err)
	}

	// Four fresh events after the marker trigger a second, disjoint range.
	for i := 0; i < 4; i++ {
		ev := session.NewTextEvent(session.AuthorUser, fmt.Sprintf("later turn %d", i+1))
		if _, err := store.AppendEvent(ctx, key, ev); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}
	marker, err := c.Check(ctx, key)
	if err != nil || marker == nil {
		t.Fatalf("second Check() marker=%v err=%v", marker, err)
	}
	if marker.Actions.Compaction.FromSeq != 6 || marker.Actions.Compaction.ToSeq != 9 {
		t.Fatalf("second marker range = [%d,%d], want [6,9]",
			marker.Actions.Compaction.FromSeq, marker.Actions.Compaction.ToSeq)
	}
}
