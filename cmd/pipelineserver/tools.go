package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/resume-agent/pipeline/pkg/agent"
	"github.com/resume-agent/pipeline/pkg/bus"
	"github.com/resume-agent/pipeline/pkg/events"
	"github.com/resume-agent/pipeline/pkg/gate"
	"github.com/resume-agent/pipeline/pkg/state"
)

// toolFunc executes one tool call's parsed arguments and returns the text
// fed back to the LLM as the tool result.
type toolFunc func(ctx context.Context, args map[string]any) (string, error)

type toolEntry struct {
	def agent.ToolDefinition
	run toolFunc
}

// toolSet is a static tool table implementing agent.ToolExecutor. The
// prompts and semantics of each tool belong to the agent definitions;
// this process wires only the contract each tool has with the loop and
// the pipeline's shared collaborators (state, bus, gates, events).
type toolSet struct {
	order   []agent.ToolDefinition
	entries map[string]toolEntry
}

func newToolSet(entries ...toolEntry) *toolSet {
	ts := &toolSet{entries: make(map[string]toolEntry, len(entries))}
	for _, e := range entries {
		ts.entries[e.def.Name] = e
		ts.order = append(ts.order, e.def)
	}
	return ts
}

func (ts *toolSet) ListTools(ctx context.Context) ([]agent.ToolDefinition, error) {
	return ts.order, nil
}

func (ts *toolSet) Execute(ctx context.Context, call agent.ToolCall) (*agent.ToolResult, error) {
	entry, ok := ts.entries[call.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", call.Name)
	}
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, fmt.Errorf("%s: malformed arguments: %w", call.Name, err)
		}
	}
	content, err := entry.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{CallID: call.ID, Content: content}, nil
}

// toolDeps bundles the collaborators the tool tables close over.
type toolDeps struct {
	sessionID string
	broker    *events.Broker
	bus       *bus.Bus
	waiter    *gate.Waiter
}

// strategistTools gives the Strategist its state-recording surface: the
// sub-stage outputs (intake → architect), interview answers, sub-stage
// progress events, and user-input gates for the positioning questions.
func strategistTools(d toolDeps) agent.ExecutorFactory {
	return func(st *state.State, pad *agent.Scratchpad) agent.ToolExecutor {
		return newToolSet(
			toolEntry{
				def: agent.ToolDefinition{
					Name:        "record_output",
					Description: "Record a completed sub-stage output (intake, research, positioning, gap_analysis, architect).",
				},
				run: func(ctx context.Context, args map[string]any) (string, error) {
					stage, _ := args["stage"].(string)
					output, ok := args["output"].(map[string]any)
					if stage == "" || !ok {
						return "", fmt.Errorf("record_output requires stage and output")
					}
					pad.Set(stage, output)
					return fmt.Sprintf("recorded %s", stage), nil
				},
			},
			toolEntry{
				def: agent.ToolDefinition{
					Name:        "record_interview_answer",
					Description: "Append one interview question/answer pair to the transcript.",
				},
				run: func(ctx context.Context, args map[string]any) (string, error) {
					entry := state.InterviewEntry{}
					entry.QuestionID, _ = args["question_id"].(string)
					entry.QuestionText, _ = args["question_text"].(string)
					entry.Category, _ = args["category"].(string)
					entry.Answer, _ = args["answer"].(string)
					if entry.QuestionID == "" {
						return "", fmt.Errorf("record_interview_answer requires question_id")
					}
					st.AppendInterviewEntry(entry)
					return "recorded", nil
				},
			},
			toolEntry{
				def: agent.ToolDefinition{
					Name:         "emit_stage_event",
					Description:  "Announce a sub-stage boundary to the client (stage_start or stage_complete).",
					ParallelSafe: true,
				},
				run: emitStageEvent(d),
			},
			toolEntry{
				def: agent.ToolDefinition{
					Name:        "request_user_input",
					Description: "Suspend at a named gate until the user responds.",
				},
				run: requestUserInput(d),
			},
		)
	}
}

// craftsmanTools gives the Craftsman its section-writing surface.
func craftsmanTools(d toolDeps) agent.ExecutorFactory {
	return func(st *state.State, pad *agent.Scratchpad) agent.ToolExecutor {
		return newToolSet(
			toolEntry{
				def: agent.ToolDefinition{
					Name:        "write_section",
					Description: "Write (or rewrite) one named resume section.",
				},
				run: func(ctx context.Context, args map[string]any) (string, error) {
					name, _ := args["section"].(string)
					content, _ := args["content"].(string)
					if name == "" || content == "" {
						return "", fmt.Errorf("write_section requires section and content")
					}
					if st.IsApproved(name) {
						return "", fmt.Errorf("section %q is approved and immutable", name)
					}
					out := map[string]any{"content": content}
					for _, key := range []string{"keywords_used", "requirements_addressed", "evidence_ids_used"} {
						if v, ok := args[key].([]any); ok {
							out[key] = stringSlice(v)
						}
					}
					pad.Set("section_"+name, out)
					return fmt.Sprintf("wrote %s", name), nil
				},
			},
			toolEntry{
				def: agent.ToolDefinition{
					Name:         "emit_transparency",
					Description:  "Surface a progress note to the client.",
					ParallelSafe: true,
				},
				run: emitTransparency(d),
			},
			toolEntry{
				def: agent.ToolDefinition{
					Name:        "request_user_input",
					Description: "Suspend at a named gate (e.g. section_review_summary) until the user responds.",
				},
				run: requestUserInput(d),
			},
		)
	}
}

// producerTools gives the Producer its review surface: recording the
// quality verdict and routing revision requests to the Craftsman over the
// agent bus.
func producerTools(d toolDeps) agent.ExecutorFactory {
	return func(st *state.State, pad *agent.Scratchpad) agent.ToolExecutor {
		return newToolSet(
			toolEntry{
				def: agent.ToolDefinition{
					Name:        "record_quality_review",
					Description: "Record the final quality decision, scores, and detailed findings.",
				},
				run: func(ctx context.Context, args map[string]any) (string, error) {
					if _, ok := args["decision"].(string); !ok {
						return "", fmt.Errorf("record_quality_review requires decision")
					}
					pad.Set("quality_review", args)
					return "recorded", nil
				},
			},
			toolEntry{
				def: agent.ToolDefinition{
					Name:        "request_section_revision",
					Description: "Send targeted revision instructions to the section writer.",
				},
				run: func(ctx context.Context, args map[string]any) (string, error) {
					err := d.bus.Publish(ctx, state.AgentMessage{
						From:    "producer",
						To:      "craftsman",
						Type:    "request",
						Domain:  "revision",
						Payload: args,
					})
					if err != nil {
						return "", err
					}
					return "revision requested", nil
				},
			},
			toolEntry{
				def: agent.ToolDefinition{
					Name:         "emit_transparency",
					Description:  "Surface a progress note to the client.",
					ParallelSafe: true,
				},
				run: emitTransparency(d),
			},
		)
	}
}

func emitStageEvent(d toolDeps) toolFunc {
	return func(ctx context.Context, args map[string]any) (string, error) {
		stage, _ := args["stage"].(string)
		message, _ := args["message"].(string)
		eventType := events.TypeStageStart
		if kind, _ := args["kind"].(string); kind == "complete" {
			eventType = events.TypeStageComplete
		}
		if stage == "" {
			return "", fmt.Errorf("emit_stage_event requires stage")
		}
		var payload any
		if eventType == events.TypeStageStart {
			payload = events.StageStartPayload{Stage: stage, Message: message}
		} else {
			payload = events.StageCompletePayload{Stage: stage, Message: message}
		}
		_ = d.broker.Publish(ctx, d.sessionID, eventType, payload)
		return "emitted", nil
	}
}

func emitTransparency(d toolDeps) toolFunc {
	return func(ctx context.Context, args map[string]any) (string, error) {
		message, _ := args["message"].(string)
		stage, _ := args["stage"].(string)
		if message == "" {
			return "", fmt.Errorf("emit_transparency requires message")
		}
		_ = d.broker.Publish(ctx, d.sessionID, events.TypeTransparency, events.TransparencyPayload{
			Stage:   stage,
			Message: message,
		})
		return "emitted", nil
	}
}

func requestUserInput(d toolDeps) toolFunc {
	return func(ctx context.Context, args map[string]any) (string, error) {
		gateName, _ := args["gate"].(string)
		if gateName == "" {
			return "", fmt.Errorf("request_user_input requires gate")
		}
		resp, err := d.waiter.Wait(ctx, d.sessionID, gateName)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(resp)
		if err != nil {
			return "", fmt.Errorf("encode gate response: %w", err)
		}
		return string(encoded), nil
	}
}

func stringSlice(in []any) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
