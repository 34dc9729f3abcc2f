package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vdtlabs/taskmate/pkg/taskmate/store"
)

// ErrDispatchTimeout reports that the turn-level deadline fired before the
// model produced a final answer.
var ErrDispatchTimeout = errors.New("dispatch timed out")

// completer is the slice of LLMClient the dispatcher needs. Tests substitute
// a scripted implementation.
type completer interface {
	CompleteWithTools(ctx context.Context, messages []chatMessage, tools []ToolDefinition) (*LLMResponse, error)
}

// DispatcherConfig bounds a single dispatched turn.
type DispatcherConfig struct {
	MaxRounds   int
	TurnTimeout time.Duration
}

// Dispatcher runs the tool-calling loop for one user turn: model call, tool
// execution, resubmission, until the model answers in text or a bound fires.
type Dispatcher struct {
	llm    completer
	cfg    DispatcherConfig
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher around a chat client.
func NewDispatcher(llm completer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 8
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 120 * time.Second
	}
	return &Dispatcher{llm: llm, cfg: cfg, logger: logger.With("component", "dispatcher")}
}

// DispatchRequest carries everything one turn needs. History is passed in
// and never mutated; the caller owns persistence of the resulting turns.
type DispatchRequest struct {
	SystemPrompt string
	History      []store.Turn
	UserMessage  string
	Registry     *Registry
}

// DispatchResult is the outcome of one turn.
type DispatchResult struct {
	Text   string
	Rounds int
	Usage  LLMUsage
}

// roundsExhaustedReply is returned when the model keeps calling tools past
// the round bound.
const roundsExhaustedReply = "I wasn't able to complete that request. Could you try rephrasing it, or breaking it into smaller steps?"

// Dispatch runs the bounded tool-calling loop and returns the final text.
// A round where the model requests tools always completes every tool call
// before the results are resubmitted together.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	turnCtx, cancel := context.WithTimeout(ctx, d.cfg.TurnTimeout)
	defer cancel()

	start := time.Now()
	messages := d.buildMessages(req.SystemPrompt, req.History, req.UserMessage)

	var tools []ToolDefinition
	if req.Registry != nil {
		tools = req.Registry.Tools()
	}

	d.logger.Debug("dispatch started",
		"history_turns", len(req.History),
		"tools", len(tools),
	)

	result := &DispatchResult{}
	for round := 1; round <= d.cfg.MaxRounds; round++ {
		result.Rounds = round

		resp, err := d.llm.CompleteWithTools(turnCtx, messages, tools)
		if err != nil {
			if turnCtx.Err() != nil && ctx.Err() == nil {
				return result, fmt.Errorf("%w after %s at round %d", ErrDispatchTimeout, d.cfg.TurnTimeout, round)
			}
			return result, fmt.Errorf("model call failed at round %d: %w", round, err)
		}
		result.Usage.PromptTokens += resp.Usage.PromptTokens
		result.Usage.CompletionTokens += resp.Usage.CompletionTokens
		result.Usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 || req.Registry == nil {
			result.Text = resp.Content
			if req.Registry == nil && len(resp.ToolCalls) > 0 {
				d.logger.Warn("model requested tools but none were offered",
					"tool_calls", len(resp.ToolCalls))
				if result.Text == "" {
					result.Text = roundsExhaustedReply
				}
			}
			d.logger.Info("dispatch complete",
				"rounds", round,
				"duration_ms", time.Since(start).Milliseconds(),
				"response_len", len(resp.Content),
			)
			return result, nil
		}

		messages = append(messages, chatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		toolResults := req.Registry.Execute(turnCtx, resp.ToolCalls)
		for _, tr := range toolResults {
			messages = append(messages, chatMessage{
				Role:       "tool",
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
			})
		}

		if turnCtx.Err() != nil && ctx.Err() == nil {
			return result, fmt.Errorf("%w after %s at round %d", ErrDispatchTimeout, d.cfg.TurnTimeout, round)
		}
	}

	// Round bound exhausted: answer honestly instead of looping forever.
	d.logger.Warn("dispatch exhausted round bound",
		"max_rounds", d.cfg.MaxRounds,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	result.Text = roundsExhaustedReply
	return result, nil
}

// buildMessages converts stored history into the chat message format.
// Storage roles map onto model roles; a turn with an unrecognized role is
// skipped rather than poisoning the request.
func (d *Dispatcher) buildMessages(systemPrompt string, history []store.Turn, userMessage string) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, turn := range history {
		switch turn.Role {
		case store.RoleUser:
			messages = append(messages, chatMessage{Role: "user", Content: turn.Message})
		case store.RoleBot:
			messages = append(messages, chatMessage{Role: "assistant", Content: turn.Message})
		default:
			d.logger.Warn("skipping history turn with unknown role",
				"role", turn.Role, "turn_id", turn.ID)
		}
	}
	messages = append(messages, chatMessage{Role: "user", Content: userMessage})
	return messages
}
