package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedResponse struct {
	result *GenerateResult
	err    error
}

type mockLLMClient struct {
	responses []scriptedResponse
	calls     int32
}

func (m *mockLLMClient) Generate(ctx context.Context, input *GenerateInput) (*GenerateResult, error) {
	i := int(atomic.AddInt32(&m.calls, 1)) - 1
	if i >= len(m.responses) {
		return &GenerateResult{Content: "done"}, nil
	}
	r := m.responses[i]
	return r.result, r.err
}

type mockToolExecutor struct {
	defs    []ToolDefinition
	results map[string]*ToolResult
	delay   map[string]time.Duration
}

func (m *mockToolExecutor) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return m.defs, nil
}

func (m *mockToolExecutor) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	if d, ok := m.delay[call.Name]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r, ok := m.results[call.Name]; ok {
		out := *r
		out.CallID = call.ID
		return &out, nil
	}
	return &ToolResult{CallID: call.ID, Content: "ok"}, nil
}

func TestLoop_Run_CompletesWithoutToolCalls(t *testing.T) {
	llm := &mockLLMClient{responses: []scriptedResponse{
		{result: &GenerateResult{Content: "final answer", Usage: Usage{InputTokens: 10, OutputTokens: 5}}},
	}}
	tools := &mockToolExecutor{}
	loop := New(llm, tools, DefaultConfig())

	res, err := loop.Run(context.Background(), "sess-1", "strategist", nil, "model-a")
	require.NoError(t, err)
	assert.Equal(t, TerminatedCompleted, res.TerminatedReason)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, int64(10), res.Usage.InputTokens)
	assert.Equal(t, "final answer", res.Messages[len(res.Messages)-1].Content)
}

func TestLoop_Run_ExecutesToolCallsThenConcludes(t *testing.T) {
	llm := &mockLLMClient{responses: []scriptedResponse{
		{result: &GenerateResult{
			ToolCalls: []ToolCall{{ID: "c1", Name: "search", Arguments: "{}"}},
			Usage:     Usage{InputTokens: 5, OutputTokens: 2},
		}},
		{result: &GenerateResult{Content: "wrapped up", Usage: Usage{InputTokens: 6, OutputTokens: 3}}},
	}}
	tools := &mockToolExecutor{
		defs:    []ToolDefinition{{Name: "search"}},
		results: map[string]*ToolResult{"search": {Content: "found it"}},
	}
	loop := New(llm, tools, DefaultConfig())

	res, err := loop.Run(context.Background(), "sess-1", "craftsman", nil, "model-a")
	require.NoError(t, err)
	assert.Equal(t, TerminatedCompleted, res.TerminatedReason)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, int64(11), res.Usage.InputTokens)

	var sawToolResult bool
	for _, m := range res.Messages {
		if m.Role == RoleTool && m.Content == "found it" {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult)
}

func TestLoop_Run_ReassemblesParallelResultsInOriginalOrder(t *testing.T) {
	calls := []ToolCall{
		{ID: "a", Name: "slow_parallel"},
		{ID: "b", Name: "seq"},
		{ID: "c", Name: "fast_parallel"},
	}
	llm := &mockLLMClient{responses: []scriptedResponse{
		{result: &GenerateResult{ToolCalls: calls}},
		{result: &GenerateResult{Content: "done"}},
	}}
	tools := &mockToolExecutor{
		defs: []ToolDefinition{
			{Name: "slow_parallel", ParallelSafe: true},
			{Name: "seq", ParallelSafe: false},
			{Name: "fast_parallel", ParallelSafe: true},
		},
		results: map[string]*ToolResult{
			"slow_parallel": {Content: "slow-result"},
			"seq":           {Content: "seq-result"},
			"fast_parallel": {Content: "fast-result"},
		},
		delay: map[string]time.Duration{
			"slow_parallel": 30 * time.Millisecond,
		},
	}
	loop := New(llm, tools, DefaultConfig())

	res, err := loop.Run(context.Background(), "sess-1", "producer", nil, "model-a")
	require.NoError(t, err)

	var toolResults []string
	for _, m := range res.Messages {
		if m.Role == RoleTool {
			toolResults = append(toolResults, m.Content)
		}
	}
	require.Len(t, toolResults, 3)
	assert.Equal(t, []string{"slow-result", "seq-result", "fast-result"}, toolResults)
}

// failingToolExecutor errors out named tools and answers the rest, for
// exercising parallel failure isolation.
type failingToolExecutor struct {
	defs    []ToolDefinition
	failing map[string]string
}

func (f *failingToolExecutor) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return f.defs, nil
}

func (f *failingToolExecutor) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	if msg, ok := f.failing[call.Name]; ok {
		return nil, fmt.Errorf("%s", msg)
	}
	return &ToolResult{CallID: call.ID, Content: `{"ok": true}`}, nil
}

func TestLoop_Run_ParallelFailureDoesNotCancelSiblings(t *testing.T) {
	llm := &mockLLMClient{responses: []scriptedResponse{
		{result: &GenerateResult{ToolCalls: []ToolCall{
			{ID: "c1", Name: "A"},
			{ID: "c2", Name: "B"},
		}}},
		{result: &GenerateResult{Content: "done"}},
	}}
	tools := &failingToolExecutor{
		defs: []ToolDefinition{
			{Name: "A", ParallelSafe: true},
			{Name: "B", ParallelSafe: true},
		},
		failing: map[string]string{"A": "boom"},
	}

	loop := New(llm, tools, Config{MaxRounds: 3, RoundTimeout: time.Second})
	res, err := loop.Run(context.Background(), "sess-1", "tester", nil, "model")
	require.NoError(t, err)

	var toolMsgs []ConversationMessage
	for _, m := range res.Messages {
		if m.Role == RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Equal(t, "c1", toolMsgs[0].ToolCallID)
	assert.Contains(t, toolMsgs[0].Content, "boom")
	assert.Equal(t, "c2", toolMsgs[1].ToolCallID)
	assert.Contains(t, toolMsgs[1].Content, "ok")
}

func TestLoop_Run_StopsAtMaxRounds(t *testing.T) {
	llm := &mockLLMClient{responses: []scriptedResponse{
		{result: &GenerateResult{ToolCalls: []ToolCall{{ID: "1", Name: "loop_tool"}}}},
		{result: &GenerateResult{ToolCalls: []ToolCall{{ID: "2", Name: "loop_tool"}}}},
	}}
	tools := &mockToolExecutor{defs: []ToolDefinition{{Name: "loop_tool"}}}
	loop := New(llm, tools, Config{MaxRounds: 2, RoundTimeout: time.Second})

	res, err := loop.Run(context.Background(), "sess-1", "strategist", nil, "model-a")
	require.NoError(t, err)
	assert.Equal(t, TerminatedMaxRounds, res.TerminatedReason)
	assert.Equal(t, 2, res.Rounds)
}

func TestLoop_Run_SynthesizesUnknownToolError(t *testing.T) {
	llm := &mockLLMClient{responses: []scriptedResponse{
		{result: &GenerateResult{ToolCalls: []ToolCall{{ID: "1", Name: "ghost_tool"}}}},
		{result: &GenerateResult{Content: "done"}},
	}}
	tools := &mockToolExecutor{} // no tool definitions registered
	loop := New(llm, tools, DefaultConfig())

	res, err := loop.Run(context.Background(), "sess-1", "craftsman", nil, "model-a")
	require.NoError(t, err)

	var found bool
	for _, m := range res.Messages {
		if m.Role == RoleTool {
			assert.Equal(t, "Unknown tool: ghost_tool", m.Content)
			found = true
		}
	}
	assert.True(t, found)
}

func TestLoop_Run_PropagatesGenerateError(t *testing.T) {
	llm := &mockLLMClient{responses: []scriptedResponse{
		{err: fmt.Errorf("provider unavailable")},
	}}
	tools := &mockToolExecutor{}
	loop := New(llm, tools, DefaultConfig())

	_, err := loop.Run(context.Background(), "sess-1", "strategist", nil, "model-a")
	assert.Error(t, err)
}
