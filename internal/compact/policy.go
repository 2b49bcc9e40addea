package compact

import (
	"fmt"

	"github.com/contextd/contextd/internal/session"
)

// Policy decides whether the log suffix since the last compaction marker is
// due for compaction.
type Policy interface {
	ShouldCompact(suffix []session.Event) bool
	Name() string
}

// EventCountPolicy triggers once the suffix holds at least N events.
type EventCountPolicy struct {
	N int
}

func (p EventCountPolicy) ShouldCompact(suffix []session.Event) bool {
	return p.N > 0 && len(suffix) >= p.N
}

func (p EventCountPolicy) Name() string { return fmt.Sprintf("event_count(%d)", p.N) }

// ContentSizePolicy triggers once the suffix's cumulative text size reaches
// Bytes.
type ContentSizePolicy struct {
	Bytes int
}

func (p ContentSizePolicy) ShouldCompact(suffix []session.Event) bool {
	if p.Bytes <= 0 {
		return false
	}
	total := 0
	for _, ev := range suffix {
		total += len(ev.Text())
		if total >= p.Bytes {
			return true
		}
	}
	return false
}

func (p ContentSizePolicy) Name() string { return fmt.Sprintf("content_size(%dB)", p.Bytes) }

// AnyPolicy triggers when any member policy does.
type AnyPolicy []Policy

func (p AnyPolicy) ShouldCompact(suffix []session.Event) bool {
	for _, member := range p {
		if member.ShouldCompact(suffix) {
			return true
		}
	}
	return false
}

func (p AnyPolicy) Name() string {
	name := "any("
	for i, member := range p {
		if i > 0 {
			name += ","
		}
		name += member.Name()
	}
	return name + ")"
}
