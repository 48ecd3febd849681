package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/resume-agent/pipeline/pkg/agent"
)

// gatewayClient talks to the deployment's internal inference gateway over
// a small JSON contract. The vendor protocol behind the gateway is the
// gateway's concern; this process only depends on agent.LLMClient.
type gatewayClient struct {
	baseURL string
	httpc   *http.Client
}

func newGatewayClient(baseURL string) *gatewayClient {
	return &gatewayClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 120 * time.Second},
	}
}

type gatewayToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type gatewayMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []gatewayToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
}

type gatewayTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type gatewayRequest struct {
	SessionID string           `json:"session_id"`
	Agent     string           `json:"agent"`
	Model     string           `json:"model"`
	Messages  []gatewayMessage `json:"messages"`
	Tools     []gatewayTool    `json:"tools,omitempty"`
}

type gatewayResponse struct {
	Content   string            `json:"content"`
	ToolCalls []gatewayToolCall `json:"tool_calls,omitempty"`
	Usage     struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Generate implements agent.LLMClient.
func (g *gatewayClient) Generate(ctx context.Context, input *agent.GenerateInput) (*agent.GenerateResult, error) {
	req := gatewayRequest{
		SessionID: input.SessionID,
		Agent:     input.AgentName,
		Model:     input.Model,
		Messages:  make([]gatewayMessage, 0, len(input.Messages)),
		Tools:     make([]gatewayTool, 0, len(input.Tools)),
	}
	for _, m := range input.Messages {
		gm := gatewayMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			gm.ToolCalls = append(gm.ToolCalls, gatewayToolCall(tc))
		}
		req.Messages = append(req.Messages, gm)
	}
	for _, t := range input.Tools {
		gt := gatewayTool{Name: t.Name, Description: t.Description}
		if t.ParametersSchema != "" {
			gt.Parameters = json.RawMessage(t.ParametersSchema)
		}
		req.Tools = append(req.Tools, gt)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm gateway: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm gateway: status %d: %s", resp.StatusCode, data)
	}

	var gr gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("llm gateway: decode response: %w", err)
	}

	out := &agent.GenerateResult{
		Content: gr.Content,
		Usage: agent.Usage{
			InputTokens:  gr.Usage.InputTokens,
			OutputTokens: gr.Usage.OutputTokens,
		},
	}
	for _, tc := range gr.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall(tc))
	}
	return out, nil
}
