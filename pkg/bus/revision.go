package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/resume-agent/pipeline/pkg/state"
)

// Priority is the urgency the Producer assigned a revision instruction.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Severity distinguishes a targeted edit from a from-scratch rewrite.
type Severity string

const (
	SeverityRevision Severity = "revision"
	SeverityRewrite  Severity = "rewrite"
)

// Instruction is one normalized revision request for a single section.
type Instruction struct {
	TargetSection string
	Issue         string
	Instruction   string
	Priority      Priority
	Severity      Severity
}

// EventSink is the narrow surface the revision handler needs from the SSE
// event pipeline: transparency notes and the revision_start frame. Kept as
// an interface here so pkg/bus does not depend on pkg/events.
type EventSink interface {
	EmitTransparency(ctx context.Context, sessionID, message string) error
	EmitRevisionStart(ctx context.Context, sessionID string, instructions []Instruction) error
}

// CraftsmanInvoker runs the Craftsman's agent loop with a focused revision
// message, sharing the caller's session state and cancellation token.
type CraftsmanInvoker func(ctx context.Context, message string) error

// RevisionHandler routes Producer revision requests: the coordinator
// subscribes it to producer→craftsman requests for the duration of the
// quality-review phase.
type RevisionHandler struct {
	state   *state.State
	sink    EventSink
	invoke  CraftsmanInvoker
	sessID  string
}

// NewRevisionHandler builds a handler bound to one session's state.
func NewRevisionHandler(sessionID string, st *state.State, sink EventSink, invoke CraftsmanInvoker) *RevisionHandler {
	return &RevisionHandler{sessID: sessionID, state: st, sink: sink, invoke: invoke}
}

// Handle processes one producer→craftsman revision request end to end:
// normalize, drop approved/capped sections, increment counts, notify, and
// invoke the Craftsman sub-loop. Revision failures are logged and
// swallowed; they never fail the enclosing pipeline.
func (h *RevisionHandler) Handle(ctx context.Context, msg state.AgentMessage) {
	instructions, err := normalizePayload(msg.Payload)
	if err != nil {
		slog.Warn("revision handler: malformed payload", "session_id", h.sessID, "error", err)
		return
	}

	var surviving []Instruction
	for _, ins := range instructions {
		if h.state.IsApproved(ins.TargetSection) {
			continue
		}
		if h.state.RevisionCount(ins.TargetSection) >= state.MaxRevisionRounds {
			msg := fmt.Sprintf("Revision cap reached for %s — accepting current content.", ins.TargetSection)
			if err := h.sink.EmitTransparency(ctx, h.sessID, msg); err != nil {
				slog.Warn("revision handler: failed to emit cap transparency event", "error", err)
			}
			continue
		}
		if err := h.state.IncrementRevisionCount(ins.TargetSection); err != nil {
			// Cap was hit between the check above and here; treat the same way.
			msg := fmt.Sprintf("Revision cap reached for %s — accepting current content.", ins.TargetSection)
			if emitErr := h.sink.EmitTransparency(ctx, h.sessID, msg); emitErr != nil {
				slog.Warn("revision handler: failed to emit cap transparency event", "error", emitErr)
			}
			continue
		}
		surviving = append(surviving, ins)
	}

	if len(surviving) == 0 {
		return
	}

	if err := h.sink.EmitRevisionStart(ctx, h.sessID, surviving); err != nil {
		slog.Warn("revision handler: failed to emit revision_start", "error", err)
	}
	summary := summarizeBatch(surviving)
	if err := h.sink.EmitTransparency(ctx, h.sessID, summary); err != nil {
		slog.Warn("revision handler: failed to emit batch transparency", "error", err)
	}

	message := buildCraftsmanMessage(surviving)
	if err := h.invoke(ctx, message); err != nil {
		slog.Warn("revision handler: craftsman sub-loop failed", "session_id", h.sessID, "error", err)
	}
}

func summarizeBatch(instructions []Instruction) string {
	names := make([]string, len(instructions))
	for i, ins := range instructions {
		names[i] = ins.TargetSection
	}
	return fmt.Sprintf("Revising %d section(s): %s", len(instructions), strings.Join(names, ", "))
}

func buildCraftsmanMessage(instructions []Instruction) string {
	var rewrites, revisions []Instruction
	for _, ins := range instructions {
		if ins.Severity == SeverityRewrite {
			rewrites = append(rewrites, ins)
		} else {
			revisions = append(revisions, ins)
		}
	}

	var b strings.Builder
	if len(rewrites) > 0 {
		b.WriteString("Call write_section from scratch for the following sections:\n")
		for _, ins := range rewrites {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", ins.TargetSection, ins.Issue, ins.Instruction)
		}
	}
	if len(revisions) > 0 {
		b.WriteString("Apply targeted changes, preserving surrounding content, to:\n")
		for _, ins := range revisions {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", ins.TargetSection, ins.Issue, ins.Instruction)
		}
	}
	return b.String()
}

// normalizePayload accepts either the batched form
// ({"revision_instructions": [...]}) or the flat single-section form
// ({"section", "issue", "instruction", "severity?"}, priority implicitly
// "high").
func normalizePayload(payload map[string]any) ([]Instruction, error) {
	if raw, ok := payload["revision_instructions"]; ok {
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("revision_instructions must be an array")
		}
		out := make([]Instruction, 0, len(items))
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("revision_instructions item must be an object")
			}
			ins, err := instructionFromMap(m, PriorityHigh)
			if err != nil {
				return nil, err
			}
			out = append(out, ins)
		}
		return out, nil
	}

	if _, ok := payload["section"]; ok {
		flat := map[string]any{
			"target_section": payload["section"],
			"issue":          payload["issue"],
			"instruction":    payload["instruction"],
			"severity":       payload["severity"],
		}
		ins, err := instructionFromMap(flat, PriorityHigh)
		if err != nil {
			return nil, err
		}
		return []Instruction{ins}, nil
	}

	return nil, fmt.Errorf("payload has neither revision_instructions nor a flat section request")
}

func instructionFromMap(m map[string]any, defaultPriority Priority) (Instruction, error) {
	target, _ := m["target_section"].(string)
	if target == "" {
		return Instruction{}, fmt.Errorf("instruction missing target_section")
	}
	issue, _ := m["issue"].(string)
	instr, _ := m["instruction"].(string)

	priority := defaultPriority
	if p, ok := m["priority"].(string); ok && p != "" {
		priority = Priority(p)
	}

	severity := SeverityRevision
	if s, ok := m["severity"].(string); ok && s != "" {
		severity = Severity(s)
	}

	return Instruction{
		TargetSection: target,
		Issue:         issue,
		Instruction:   instr,
		Priority:      priority,
		Severity:      severity,
	}, nil
}
