package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/contextd/contextd/internal/reliability"
	"github.com/contextd/contextd/internal/session"
)

const summarySystemPrompt = "You compress conversation history. Write a short factual summary " +
	"of the following turns, preserving names, preferences, decisions and open questions. " +
	"Do not invent details."

// OpenAISummarizer delegates summarization to a chat completion model,
// retrying transient provider errors with capped exponential backoff.
type OpenAISummarizer struct {
	client      *openai.Client
	model       string
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func NewOpenAISummarizer(cfg OpenAIConfig) (*OpenAISummarizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai summarizer requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	return &OpenAISummarizer{
		client:      openai.NewClient(cfg.APIKey),
		model:       cfg.Model,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}, nil
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, events []session.Event) (string, error) {
	if len(events) == 0 {
		return "", ErrNothingToSummarize
	}

	var transcript strings.Builder
	for _, ev := range events {
		text := strings.TrimSpace(ev.Text())
		if text == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", ev.Author, text)
	}

	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript.String()},
		},
	}

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, s.backoffBase, s.backoffCap)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("summarize: empty completion")
			}
			return strings.TrimSpace(resp.Choices[0].Message.Content), nil
		}
		lastErr = err

		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode) {
			continue
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("summarize: %w", err)
	}
	return "", reliability.MarkTransient(fmt.Errorf("summarize after %d attempts: %w", s.maxAttempts, lastErr))
}
