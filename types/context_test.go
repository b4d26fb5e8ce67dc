package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithRequestID(ctx, "req-1")
	if got, ok := RequestID(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	ctx = WithSessionID(ctx, "sess-9")
	if got, ok := SessionID(ctx); !ok || got != "sess-9" {
		t.Fatalf("SessionID mismatch: %v %v", got, ok)
	}

	ctx = WithUserID(ctx, "broker-7")
	if got, ok := UserID(ctx); !ok || got != "broker-7" {
		t.Fatalf("UserID mismatch: %v %v", got, ok)
	}

	ctx = WithAgentID(ctx, "orchestrator-1")
	if got, ok := AgentID(ctx); !ok || got != "orchestrator-1" {
		t.Fatalf("AgentID mismatch: %v %v", got, ok)
	}
}

func TestContextFrom(t *testing.T) {
	t.Parallel()

	fallback := MessageContext{RequestID: "req-f", SessionID: "sess-f"}

	got := ContextFrom(context.Background(), fallback)
	if got != fallback {
		t.Fatalf("empty context should keep fallback, got %+v", got)
	}

	ctx := WithRequestID(context.Background(), "req-ctx")
	got = ContextFrom(ctx, fallback)
	if got.RequestID != "req-ctx" || got.SessionID != "sess-f" {
		t.Fatalf("context values should win per field, got %+v", got)
	}
}
