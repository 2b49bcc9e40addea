package session

import "time"

// Author identifies who produced an event.
type Author string

const (
	AuthorUser   Author = "user"
	AuthorAgent  Author = "agent"
	AuthorSystem Author = "system"
)

// Scope determines where a state key is visible. Carried explicitly on each
// entry instead of being inferred from a key prefix.
type Scope string

const (
	// ScopeSession keys are visible only within the owning session.
	ScopeSession Scope = "session"
	// ScopeUser keys persist across all sessions of one user.
	ScopeUser Scope = "user"
	// ScopeApp keys are global to the application.
	ScopeApp Scope = "app"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeSession, ScopeUser, ScopeApp:
		return true
	}
	return false
}

// ContentPart is one ordered piece of an event's content.
type ContentPart struct {
	Text string `json:"text"`
}

// StateEntry is a single key-value mutation carried by an event.
type StateEntry struct {
	Scope Scope  `json:"scope"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Compaction marks an event as a summary replacing a contiguous range of
// prior events. The replaced events stay in the log; ActiveContext skips them.
type Compaction struct {
	FromSeq int64 `json:"from_seq"`
	ToSeq   int64 `json:"to_seq"`
}

// EventActions carries the structured side effects of an event.
type EventActions struct {
	StateDelta []StateEntry `json:"state_delta,omitempty"`
	Compaction *Compaction  `json:"compaction,omitempty"`
}

// Event is one immutable contribution to a session's timeline. ID, Seq and
// CreatedAt are assigned by the store on append.
type Event struct {
	ID        string        `json:"id"`
	Seq       int64         `json:"seq"`
	Author    Author        `json:"author"`
	Parts     []ContentPart `json:"parts"`
	Actions   *EventActions `json:"actions,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Text joins the event's text parts in order.
func (e Event) Text() string {
	switch len(e.Parts) {
	case 0:
		return ""
	case 1:
		return e.Parts[0].Text
	}
	out := e.Parts[0].Text
	for _, p := range e.Parts[1:] {
		out += "\n" + p.Text
	}
	return out
}

// IsCompaction reports whether the event is a compaction summary marker.
func (e Event) IsCompaction() bool {
	return e.Actions != nil && e.Actions.Compaction != nil
}

// NewTextEvent builds an unappended event with a single text part.
func NewTextEvent(author Author, text string) Event {
	return Event{Author: author, Parts: []ContentPart{{Text: text}}}
}

// ActiveContext returns the events an orchestrator should rebuild prompts
// from: every event except those covered by a compaction marker. Markers
// themselves are kept, so the summary stands in for the range it replaced.
func ActiveContext(events []Event) []Event {
	var spans []Compaction
	for _, e := range events {
		if e.IsCompaction() {
			spans = append(spans, *e.Actions.Compaction)
		}
	}
	if len(spans) == 0 {
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if !e.IsCompaction() && covered(spans, e.Seq) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func covered(spans []Compaction, seq int64) bool {
	for _, s := range spans {
		if seq >= s.FromSeq && seq <= s.ToSeq {
			return true
		}
	}
	return false
}
