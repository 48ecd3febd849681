// Package agent implements the per-agent round loop: a single LLM call,
// token accounting, and dispatch of any tool calls the LLM requested before
// looping again. Tool execution partitions into a sequential phase and a
// concurrent phase (tools the definition marks safe to run in parallel),
// then reassembles results in the order the LLM originally requested them.
package agent

import "context"

// Conversation message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is a single turn in the conversation sent to and
// received from the LLM.
type ConversationMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that request tool use
	ToolCallID string     // set on tool-result messages
	ToolName   string     // set on tool-result messages
}

// ToolCall is the LLM's request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes a tool available to the LLM in a given round.
// ParallelSafe marks tools that may be executed concurrently with other
// parallel-safe tools requested in the same round; tools not marked
// parallel-safe always run sequentially, in the order the LLM requested
// them, before any parallel-safe call starts.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string
	ParallelSafe     bool
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// ToolExecutor resolves tool definitions and executes tool calls on behalf
// of an agent.
type ToolExecutor interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// Usage accumulates token counts reported by the LLM across one or more
// calls (see pkg/usage for the session-wide blended-cost rollup built on
// top of this).
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Add returns the element-wise sum of two Usage values.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// GenerateInput is a single request to the LLM: the conversation so far
// plus the tools it may call.
type GenerateInput struct {
	SessionID string
	AgentName string
	Messages  []ConversationMessage
	Tools     []ToolDefinition // nil = no tools offered this round
	Model     string
}

// GenerateResult is the LLM's complete response to one GenerateInput.
// The loop does not stream partial output to callers; it collects a full
// response per round, the way a single agent-loop round is specified.
type GenerateResult struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// LLMClient is the vendor-agnostic boundary the loop depends on. The
// concrete provider/backend behind it is out of scope here.
type LLMClient interface {
	Generate(ctx context.Context, input *GenerateInput) (*GenerateResult, error)
}
