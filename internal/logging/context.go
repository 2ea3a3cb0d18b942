package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const cycleIDKey contextKey = "cycle_id"

// NewCycleID returns a short id for correlating the log lines of one refresh cycle.
func NewCycleID() string {
	return uuid.New().String()[:8]
}

func ContextWithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey, id)
}

func CycleIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(cycleIDKey).(string); ok {
		return id
	}
	return ""
}
