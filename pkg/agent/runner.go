package agent

import (
	"context"
	"fmt"

	"github.com/resume-agent/pipeline/pkg/state"
)

// ExecutorFactory builds the phase's ToolExecutor bound to the session's
// live state and the scratchpad its tools write into. Tool contents are
// the caller's concern; the loop only sees the executor contract.
type ExecutorFactory func(st *state.State, pad *Scratchpad) ToolExecutor

// RunnerConfig identifies one pipeline agent and its loop bounds.
type RunnerConfig struct {
	Name         string
	SystemPrompt string
	Model        string
	Loop         Config
}

// PhaseRunner adapts a Loop to the coordinator's phase contract: seed the
// conversation with the agent's system prompt plus the phase message, run
// the loop to completion, and hand back the scratchpad the phase's tools
// populated. Satisfies coordinator.AgentRunner.
type PhaseRunner struct {
	cfg       RunnerConfig
	llm       LLMClient
	factory   ExecutorFactory
	sessionID string
}

// NewPhaseRunner builds a PhaseRunner for one session.
func NewPhaseRunner(cfg RunnerConfig, llm LLMClient, factory ExecutorFactory, sessionID string) *PhaseRunner {
	return &PhaseRunner{cfg: cfg, llm: llm, factory: factory, sessionID: sessionID}
}

// Run executes one phase. The loop's closing text (a round with no tool
// calls) is recorded under "_final_text" so the coordinator can surface it
// even when the agent wrote nothing else.
func (r *PhaseRunner) Run(ctx context.Context, st *state.State, message string) (map[string]any, error) {
	pad := NewScratchpad()
	loop := New(r.llm, r.factory(st, pad), r.cfg.Loop)

	seed := []ConversationMessage{
		{Role: RoleSystem, Content: r.cfg.SystemPrompt},
		{Role: RoleUser, Content: message},
	}
	res, err := loop.Run(ctx, r.sessionID, r.cfg.Name, seed, r.cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", r.cfg.Name, err)
	}

	if res.TerminatedReason == TerminatedCompleted && len(res.Messages) > 0 {
		pad.Set("_final_text", res.Messages[len(res.Messages)-1].Content)
	}
	return pad.Snapshot(), nil
}
