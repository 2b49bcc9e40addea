package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/contextd/contextd/internal/session"
)

var ErrNothingToSummarize = errors.New("no events to summarize")

// Summarizer collapses a run of events into one summary text. Implementations
// must honor ctx and write nothing on failure.
type Summarizer interface {
	Summarize(ctx context.Context, events []session.Event) (string, error)
}

// ExtractiveSummarizer is the deterministic fallback: it keeps a clipped
// excerpt of each turn. No external calls, so it cannot fail transiently.
type ExtractiveSummarizer struct {
	MaxPerEvent int
	MaxTotal    int
}

func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{MaxPerEvent: 120, MaxTotal: 2000}
}

func (s *ExtractiveSummarizer) Summarize(_ context.Context, events []session.Event) (string, error) {
	if len(events) == 0 {
		return "", ErrNothingToSummarize
	}
	perEvent := s.MaxPerEvent
	if perEvent <= 0 {
		perEvent = 120
	}
	maxTotal := s.MaxTotal
	if maxTotal <= 0 {
		maxTotal = 2000
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, ev := range events {
		text := strings.TrimSpace(ev.Text())
		if text == "" {
			continue
		}
		if len(text) > perEvent {
			// Back up to a rune boundary so the cut never splits a rune.
			cut := perEvent
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut] + "…"
		}
		line := fmt.Sprintf("- %s: %s\n", ev.Author, text)
		if b.Len()+len(line) > maxTotal {
			b.WriteString("- …\n")
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
