package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

const (
	// DefaultToolTimeout is the maximum time a single tool execution can take.
	DefaultToolTimeout = 30 * time.Second

	// maxToolResultChars caps a single tool result before it enters the
	// conversation, preventing context overflow from large issue listings.
	maxToolResultChars = 100_000

	maxParallelTools = 5
)

// ToolHandlerFunc is the signature for tool execution handlers.
// Receives parsed arguments and returns the result or an error.
type ToolHandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// registeredTool bundles a tool definition with its handler.
type registeredTool struct {
	Definition ToolDefinition
	Handler    ToolHandlerFunc
}

// ToolResult holds the output of a single tool execution. Content is always
// set, even on failure: the model needs a parseable result for every call it
// issued.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	Err        error
}

// Registry holds the tools exposed to the model for one principal's turn and
// dispatches the model's tool calls to their handlers.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	order   []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Registry{
		tools:   make(map[string]*registeredTool),
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool. Registering the same name again replaces the handler
// but keeps the original position in the definitions list.
func (r *Registry) Register(def ToolDefinition, handler ToolHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := def.Function.Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = &registeredTool{Definition: def, Handler: handler}
	r.logger.Debug("tool registered", "name", name)
}

// Tools returns the registered definitions in registration order.
func (r *Registry) Tools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Execute dispatches a batch of tool calls. Calls within a batch run
// concurrently, and Execute returns only when every call has completed, so
// the model always sees a full set of results. Results keep the input order.
func (r *Registry) Execute(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	if len(calls) == 1 {
		results[0] = r.executeSingle(ctx, calls[0])
		return results
	}

	sem := make(chan struct{}, maxParallelTools)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = r.executeSingle(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeSingle runs one tool call with its own timeout. Failures of any
// kind, unknown tool included, come back as structured results rather than
// aborting the batch.
func (r *Registry) executeSingle(ctx context.Context, call ToolCall) ToolResult {
	name := call.Function.Name
	result := ToolResult{ToolCallID: call.ID, Name: name}

	r.mu.RLock()
	tool, ok := r.tools[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		result.Content = formatToolError(name, fmt.Errorf("unknown tool %q", name))
		result.Err = fmt.Errorf("unknown tool: %s", name)
		r.logger.Warn("unknown tool called", "name", name)
		return result
	}

	args, err := parseToolArgs(call.Function.Arguments)
	if err != nil {
		result.Content = formatToolError(name, fmt.Errorf("error parsing arguments: %w", err))
		result.Err = err
		r.logger.Warn("tool argument parse error", "name", name, "error", err)
		return result
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Debug("executing tool", "name", name, "args_keys", mapKeys(args))

	start := time.Now()
	output, err := tool.Handler(execCtx, args)
	duration := time.Since(start)

	if err != nil {
		result.Content = formatToolError(name, err)
		result.Err = err
		r.logger.Warn("tool execution failed",
			"name", name,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
		return result
	}

	result.Content = formatToolOutput(output)
	if len(result.Content) > maxToolResultChars {
		original := len(result.Content)
		result.Content = result.Content[:maxToolResultChars] +
			fmt.Sprintf("\n... [truncated: result was %d chars]", original)
		r.logger.Warn("tool result truncated", "name", name, "original_chars", original)
	}

	r.logger.Info("tool executed",
		"name", name,
		"duration_ms", duration.Milliseconds(),
		"output_len", len(result.Content),
	)
	return result
}

// formatToolError creates a structured JSON error result. No token or
// credential material ever flows through tool errors; handlers return
// sanitized messages and this bounds their size.
func formatToolError(toolName string, err error) string {
	errMsg := err.Error()
	if len(errMsg) > 2000 {
		errMsg = errMsg[:2000] + "... (truncated)"
	}
	b, _ := json.Marshal(map[string]string{
		"status": "error",
		"tool":   toolName,
		"error":  errMsg,
	})
	return string(b)
}

// parseToolArgs parses JSON-encoded tool arguments into a map. Models
// occasionally emit slightly broken JSON (trailing commas, single quotes);
// a repair pass recovers those before giving up.
func parseToolArgs(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("invalid JSON arguments: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &args); err != nil {
			return nil, fmt.Errorf("invalid JSON arguments: %w", err)
		}
	}
	return args, nil
}

// formatToolOutput converts tool output to a string for the model.
func formatToolOutput(output any) string {
	if output == nil {
		return "OK"
	}
	switch v := output.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns the keys of a map for logging.
func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
