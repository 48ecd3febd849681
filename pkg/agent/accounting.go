package agent

import (
	"context"

	"github.com/resume-agent/pipeline/pkg/usage"
)

// accountingClient wraps an LLMClient so every Generate call's token usage
// lands in the session-scoped accumulator. The loop still tracks per-run
// totals in Result.Usage; this wrapper is what feeds the process-wide
// rollup the coordinator reads at finalize time.
type accountingClient struct {
	inner LLMClient
	acc   *usage.Accumulator
}

// NewAccountingClient returns an LLMClient that mirrors inner's responses
// while adding their token usage to acc under the call's session id. A nil
// acc returns inner unchanged.
func NewAccountingClient(inner LLMClient, acc *usage.Accumulator) LLMClient {
	if acc == nil {
		return inner
	}
	return &accountingClient{inner: inner, acc: acc}
}

func (c *accountingClient) Generate(ctx context.Context, input *GenerateInput) (*GenerateResult, error) {
	resp, err := c.inner.Generate(ctx, input)
	if err != nil {
		return nil, err
	}
	c.acc.Add(input.SessionID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}
