package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/vdtlabs/taskmate/pkg/taskmate/store"
)

// scriptedLLM returns canned responses in order, then repeats the last one.
type scriptedLLM struct {
	responses []*LLMResponse
	calls     int
	seen      [][]chatMessage
}

func (s *scriptedLLM) CompleteWithTools(ctx context.Context, messages []chatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.seen = append(s.seen, append([]chatMessage(nil), messages...))
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func newTestDispatcher(llm completer, maxRounds int) *Dispatcher {
	return NewDispatcher(llm, DispatcherConfig{
		MaxRounds:   maxRounds,
		TurnTimeout: 5 * time.Second,
	}, slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func toolCallResponse(name, args string) *LLMResponse {
	return &LLMResponse{
		ToolCalls: []ToolCall{{
			ID:       "call-" + name,
			Type:     "function",
			Function: FunctionCall{Name: name, Arguments: args},
		}},
		FinishReason: "tool_calls",
	}
}

func TestDispatchPlainAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "You have 3 open tasks.", FinishReason: "stop"},
	}}
	d := newTestDispatcher(llm, 8)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		SystemPrompt: "You are a task assistant.",
		UserMessage:  "how many tasks do I have?",
		Registry:     newTestRegistry(t),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Text != "You have 3 open tasks." || res.Rounds != 1 {
		t.Fatalf("got %q after %d rounds", res.Text, res.Rounds)
	}
}

func TestDispatchRunsToolsThenAnswers(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		toolCallResponse("get_issues", `{"status":"open"}`),
		{Content: "Here are your open issues: PROJ-1.", FinishReason: "stop"},
	}}
	d := newTestDispatcher(llm, 8)

	reg := newTestRegistry(t)
	var ran bool
	reg.Register(echoTool("get_issues"), func(ctx context.Context, args map[string]any) (any, error) {
		ran = true
		if args["status"] != "open" {
			t.Errorf("args = %v", args)
		}
		return []string{"PROJ-1"}, nil
	})

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		UserMessage: "list my open issues",
		Registry:    reg,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !ran {
		t.Fatal("tool handler never ran")
	}
	if res.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", res.Rounds)
	}

	// Second request must carry the assistant tool_calls message followed by
	// the tool result, linked by id.
	second := llm.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call-get_issues" {
		t.Fatalf("tool result not fed back: %+v", last)
	}
	if second[len(second)-2].Role != "assistant" {
		t.Fatalf("assistant tool_calls message missing: %+v", second[len(second)-2])
	}
}

func TestDispatchTerminatesOnUnknownToolLoop(t *testing.T) {
	// A model that calls a tool that is not registered, forever. The loop
	// must feed back structured errors and stop at the round bound.
	llm := &scriptedLLM{responses: []*LLMResponse{
		toolCallResponse("ghost_tool", "{}"),
	}}
	d := newTestDispatcher(llm, 3)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		UserMessage: "do the thing",
		Registry:    newTestRegistry(t),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Rounds != 3 {
		t.Fatalf("rounds = %d, want 3", res.Rounds)
	}
	if res.Text != roundsExhaustedReply {
		t.Fatalf("got %q, want the exhausted reply", res.Text)
	}
}

func TestDispatchNilRegistryToleratesToolCalls(t *testing.T) {
	// A backend that requests tools even though none were offered. With no
	// registry the loop must finish with a usable reply, not dereference nil.
	llm := &scriptedLLM{responses: []*LLMResponse{
		toolCallResponse("ghost_tool", "{}"),
	}}
	d := newTestDispatcher(llm, 3)

	res, err := d.Dispatch(context.Background(), DispatchRequest{
		UserMessage: "do the thing",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Rounds != 1 {
		t.Fatalf("rounds = %d, want 1", res.Rounds)
	}
	if res.Text != roundsExhaustedReply {
		t.Fatalf("got %q, want the fallback reply", res.Text)
	}
}

func TestDispatchHistoryNormalization(t *testing.T) {
	llm := &scriptedLLM{responses: []*LLMResponse{
		{Content: "ok", FinishReason: "stop"},
	}}
	d := newTestDispatcher(llm, 8)

	history := []store.Turn{
		{ID: 1, Role: store.RoleUser, Message: "hi"},
		{ID: 2, Role: store.RoleBot, Message: "hello"},
		{ID: 3, Role: "system-note", Message: "should be skipped"},
		{ID: 4, Role: store.RoleUser, Message: "list tasks"},
	}

	if _, err := d.Dispatch(context.Background(), DispatchRequest{
		SystemPrompt: "sys",
		History:      history,
		UserMessage:  "again please",
		Registry:     newTestRegistry(t),
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msgs := llm.seen[0]
	wantRoles := []string{"system", "user", "assistant", "user", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Fatalf("message %d role = %q, want %q", i, msgs[i].Role, role)
		}
	}
	if msgs[2].Content != "hello" {
		t.Fatalf("bot turn not mapped to assistant: %+v", msgs[2])
	}
}

func TestDispatchTurnTimeout(t *testing.T) {
	slow := &slowLLM{delay: 200 * time.Millisecond}
	d := NewDispatcher(slow, DispatcherConfig{
		MaxRounds:   8,
		TurnTimeout: 50 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(os.Stdout, nil)))

	_, err := d.Dispatch(context.Background(), DispatchRequest{
		UserMessage: "hello",
		Registry:    newTestRegistry(t),
	})
	if !errors.Is(err, ErrDispatchTimeout) {
		t.Fatalf("want ErrDispatchTimeout, got %v", err)
	}
}

type slowLLM struct {
	delay time.Duration
}

func (s *slowLLM) CompleteWithTools(ctx context.Context, messages []chatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return &LLMResponse{Content: "late"}, nil
	}
}
