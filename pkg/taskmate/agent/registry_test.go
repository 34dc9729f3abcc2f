package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(2*time.Second, slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func echoTool(name string) ToolDefinition {
	return NewFunction(name, "echoes its arguments").
		Param("text", "string", "text to echo", false).
		MustBuild()
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := newTestRegistry(t)
	results := r.Execute(context.Background(), []ToolCall{{
		ID:       "call-1",
		Type:     "function",
		Function: FunctionCall{Name: "no_such_tool", Arguments: "{}"},
	}})

	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err == nil {
		t.Fatal("unknown tool must report an error")
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(results[0].Content), &payload); err != nil {
		t.Fatalf("error content is not structured JSON: %v", err)
	}
	if payload["status"] != "error" || payload["tool"] != "no_such_tool" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestRegistryExecuteBatchCompletesFully(t *testing.T) {
	r := newTestRegistry(t)
	var completed atomic.Int64
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("tool_%d", i)
		r.Register(echoTool(name), func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return "done", nil
		})
	}

	calls := make([]ToolCall, 4)
	for i := range calls {
		calls[i] = ToolCall{
			ID:       fmt.Sprintf("call-%d", i),
			Function: FunctionCall{Name: fmt.Sprintf("tool_%d", i), Arguments: "{}"},
		}
	}

	results := r.Execute(context.Background(), calls)
	if completed.Load() != 4 {
		t.Fatalf("Execute returned before all tools finished: %d/4", completed.Load())
	}
	for i, res := range results {
		if res.ToolCallID != calls[i].ID {
			t.Fatalf("result order broken: got %s at %d", res.ToolCallID, i)
		}
	}
}

func TestRegistryExecuteHandlerError(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(echoTool("failing"), func(ctx context.Context, args map[string]any) (any, error) {
		return nil, fmt.Errorf("upstream returned 500")
	})

	results := r.Execute(context.Background(), []ToolCall{{
		ID:       "c1",
		Function: FunctionCall{Name: "failing", Arguments: "{}"},
	}})
	if results[0].Err == nil {
		t.Fatal("handler error must be surfaced")
	}
	if !strings.Contains(results[0].Content, "upstream returned 500") {
		t.Fatalf("error detail lost: %s", results[0].Content)
	}
}

func TestRegistryExecuteRepairsMalformedArguments(t *testing.T) {
	r := newTestRegistry(t)
	var got map[string]any
	r.Register(echoTool("echo"), func(ctx context.Context, args map[string]any) (any, error) {
		got = args
		return "ok", nil
	})

	// Trailing comma, the classic model slip.
	results := r.Execute(context.Background(), []ToolCall{{
		ID:       "c1",
		Function: FunctionCall{Name: "echo", Arguments: `{"text": "hello",}`},
	}})
	if results[0].Err != nil {
		t.Fatalf("repairable JSON rejected: %v", results[0].Err)
	}
	if got["text"] != "hello" {
		t.Fatalf("repaired args = %v", got)
	}
}

func TestRegistryExecuteTimeout(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	r.Register(echoTool("slow"), func(ctx context.Context, args map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "never", nil
		}
	})

	start := time.Now()
	results := r.Execute(context.Background(), []ToolCall{{
		ID:       "c1",
		Function: FunctionCall{Name: "slow", Arguments: "{}"},
	}})
	if time.Since(start) > time.Second {
		t.Fatal("per-tool timeout did not fire")
	}
	if results[0].Err == nil {
		t.Fatal("timed-out tool must report an error")
	}
}

func TestRegistryToolsKeepsRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)
	names := []string{"get_issues", "create_worklog", "search_kb"}
	for _, n := range names {
		r.Register(echoTool(n), func(ctx context.Context, args map[string]any) (any, error) {
			return nil, nil
		})
	}
	defs := r.Tools()
	for i, n := range names {
		if defs[i].Function.Name != n {
			t.Fatalf("definitions reordered: %s at %d", defs[i].Function.Name, i)
		}
	}
}
