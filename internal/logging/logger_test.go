package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestCtxAddsCycleID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(Config{})

	ctx := ContextWithCycleID(context.Background(), "abc12345")
	Ctx(ctx).Info().Msg("cycle started")

	out := buf.String()
	if !strings.Contains(out, `"cycle_id":"abc12345"`) {
		t.Fatalf("expected cycle id in output, got %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	defer Init(Config{})

	Info().Msg("hidden")
	Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn line missing: %s", out)
	}
}

func TestNewCycleID(t *testing.T) {
	a, b := NewCycleID(), NewCycleID()
	if len(a) != 8 || a == b {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
	if CycleIDFromContext(context.Background()) != "" {
		t.Fatal("expected empty id on bare context")
	}
}
