package memory

import (
	"context"
	"strings"
)

// NewService creates a postgres-backed corpus when configured, otherwise in-memory.
func NewService(ctx context.Context, databaseURL string) (Service, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryService(), nil
	}
	return NewPostgresService(ctx, databaseURL)
}
