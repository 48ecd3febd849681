package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Result.TerminatedReason values. Hitting the round limit is reported here,
// not as an error, so callers distinguish "ran out of rounds" from a real
// failure.
const (
	TerminatedCompleted = "completed"
	TerminatedMaxRounds = "max_rounds"
	TerminatedTimeout   = "timeout"
)

// Config controls round/timeout bounds for a Loop. OverallTimeout bounds
// the entire Run call across all rounds; zero disables it.
type Config struct {
	MaxRounds      int
	RoundTimeout   time.Duration
	OverallTimeout time.Duration
}

// DefaultConfig provides conservative defaults (bounded iteration,
// generous per-round timeout).
func DefaultConfig() Config {
	return Config{
		MaxRounds:    20,
		RoundTimeout: 90 * time.Second,
	}
}

// Result is the outcome of running a Loop to completion or exhaustion.
type Result struct {
	Messages         []ConversationMessage
	Usage            Usage
	Rounds           int
	TerminatedReason string
}

// Loop drives one agent through repeated LLM calls, executing any
// requested tool calls between calls, until the LLM responds with no
// further tool calls or the round/timeout bounds are hit.
type Loop struct {
	llm   LLMClient
	tools ToolExecutor
	cfg   Config
}

// New builds a Loop bound to a single LLM client and tool executor.
func New(llm LLMClient, tools ToolExecutor, cfg Config) *Loop {
	return &Loop{llm: llm, tools: tools, cfg: cfg}
}

// Run executes rounds until the LLM stops requesting tools, a round errors
// out, or MaxRounds is reached. messages is the seed conversation
// (typically a system prompt plus prior turns); it is not mutated.
func (l *Loop) Run(ctx context.Context, sessionID, agentName string, messages []ConversationMessage, model string) (*Result, error) {
	conv := make([]ConversationMessage, len(messages))
	copy(conv, messages)

	var total Usage

	toolDefs, err := l.tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	known := make(map[string]bool, len(toolDefs))
	parallelSafe := make(map[string]bool, len(toolDefs))
	for _, td := range toolDefs {
		known[td.Name] = true
		parallelSafe[td.Name] = td.ParallelSafe
	}

	logger := slog.With("session_id", sessionID, "agent", agentName)

	if l.cfg.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.OverallTimeout)
		defer cancel()
	}

	for round := 0; round < l.cfg.MaxRounds; round++ {
		roundCtx, cancel := context.WithTimeout(ctx, l.cfg.RoundTimeout)
		resp, err := l.llm.Generate(roundCtx, &GenerateInput{
			SessionID: sessionID,
			AgentName: agentName,
			Messages:  conv,
			Tools:     toolDefs,
			Model:     model,
		})
		cancel()
		if err != nil {
			if errors.Is(roundCtx.Err(), context.DeadlineExceeded) {
				return &Result{Messages: conv, Usage: total, Rounds: round + 1, TerminatedReason: TerminatedTimeout}, nil
			}
			return nil, fmt.Errorf("round %d: llm generate: %w", round, err)
		}

		total = total.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			conv = append(conv, ConversationMessage{Role: RoleAssistant, Content: resp.Content})
			logger.Info("agent loop completed", "rounds", round+1)
			return &Result{Messages: conv, Usage: total, Rounds: round + 1, TerminatedReason: TerminatedCompleted}, nil
		}

		conv = append(conv, ConversationMessage{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		toolMsgs, err := l.dispatchToolCalls(ctx, resp.ToolCalls, known, parallelSafe)
		if err != nil {
			return nil, fmt.Errorf("round %d: dispatch tool calls: %w", round, err)
		}
		conv = append(conv, toolMsgs...)
	}

	logger.Warn("agent loop exhausted max rounds", "max_rounds", l.cfg.MaxRounds)
	return &Result{Messages: conv, Usage: total, Rounds: l.cfg.MaxRounds, TerminatedReason: TerminatedMaxRounds}, nil
}

// dispatchToolCalls executes sequential tool calls in order, then
// parallel-safe ones concurrently, and reassembles tool-result messages in
// the original call order regardless of execution order or phase.
func (l *Loop) dispatchToolCalls(ctx context.Context, calls []ToolCall, known, parallelSafe map[string]bool) ([]ConversationMessage, error) {
	results := make([]*ToolResult, len(calls))

	var sequentialIdx, parallelIdx []int
	for i, c := range calls {
		if parallelSafe[c.Name] {
			parallelIdx = append(parallelIdx, i)
		} else {
			sequentialIdx = append(sequentialIdx, i)
		}
	}

	runOne := func(idx int) *ToolResult {
		call := calls[idx]
		if !known[call.Name] {
			return &ToolResult{CallID: call.ID, Content: fmt.Sprintf("Unknown tool: %s", call.Name), IsError: true}
		}
		res, err := l.tools.Execute(ctx, call)
		if err != nil {
			return &ToolResult{CallID: call.ID, Content: err.Error(), IsError: true}
		}
		return res
	}

	for _, idx := range sequentialIdx {
		results[idx] = runOne(idx)
	}

	if len(parallelIdx) > 0 {
		var wg sync.WaitGroup
		wg.Add(len(parallelIdx))
		for _, idx := range parallelIdx {
			idx := idx
			go func() {
				defer wg.Done()
				results[idx] = runOne(idx)
			}()
		}
		wg.Wait()
	}

	msgs := make([]ConversationMessage, 0, len(calls))
	for i, c := range calls {
		r := results[i]
		msgs = append(msgs, ConversationMessage{
			Role:       RoleTool,
			Content:    r.Content,
			ToolCallID: c.ID,
			ToolName:   c.Name,
		})
	}
	return msgs, nil
}
